// Package httpkit builds Wright's outbound HTTP clients: model
// providers, embedding endpoints, web search and the fetch binding
// exposed to synthesized code. All of them share one set of dial, TLS
// and idle-pool limits and identify themselves with the same User-Agent.
package httpkit

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/wright-agent/internal/buildinfo"
)

// Transport limits.
const (
	DialTimeout           = 10 * time.Second
	KeepAlive             = 30 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 15 * time.Second
	IdleConnTimeout       = 90 * time.Second
	MaxIdleConns          = 20
	MaxIdleConnsPerHost   = 5
)

// DefaultTimeout bounds a whole request unless WithTimeout says otherwise.
const DefaultTimeout = 30 * time.Second

// Option configures NewClient.
type Option func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
	retry     *Retry
	logger    *slog.Logger
}

// WithTimeout sets the overall request timeout. Streaming clients pass
// zero to disable it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithTransport supplies a transport in place of NewTransport's.
func WithTransport(t *http.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRetry enables retries under policy r.
func WithRetry(r Retry) Option {
	return func(o *options) { o.retry = &r }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a transport with the package limits applied.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client. Round trips pass through, innermost first:
// the transport, User-Agent stamping, then the retry policy if any.
func NewClient(opts ...Option) *http.Client {
	o := &options{timeout: DefaultTimeout, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(o)
	}

	t := o.transport
	if t == nil {
		t = NewTransport()
	}
	var rt http.RoundTripper = uaTransport{next: t, ua: o.userAgent}
	if o.retry != nil {
		rt = &retryTransport{next: rt, policy: o.retry.withDefaults(), logger: o.logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(req)
}
