// Package fetch downloads web resources for synthesized code. HTML is
// reduced to readable text; JSON endpoints are decoded into plain Go
// values the interpreter can index.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/wright-agent/internal/httpkit"
)

// DefaultTimeout bounds one fetch made from synthesized code.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes caps how much of a response body is read.
const DefaultMaxBytes int64 = 5 << 20

// DefaultMaxChars caps the text returned for a page.
const DefaultMaxChars = 50000

// Page is the text rendition of a fetched resource.
type Page struct {
	URL         string
	Title       string
	Text        string
	ContentType string
	// Truncated is set when Text was cut to the character limit.
	Truncated bool
}

// Fetcher issues size-limited GET requests.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes changes the body size limit.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// New creates a Fetcher on the shared httpkit transport.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: DefaultMaxBytes,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// target validates a caller-supplied URL. Bare hosts get https; any
// scheme other than http or https is refused so generated code cannot
// read local files through the fetcher.
func target(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("fetch: url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("fetch: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("fetch: url %q has no host", raw)
	}
	return u.String(), nil
}

func (f *Fetcher) get(ctx context.Context, rawURL, accept string) (contentType string, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := httpkit.Check(resp, 512); err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: read body: %w", rawURL, err)
	}
	return resp.Header.Get("Content-Type"), body, nil
}

// JSON downloads rawURL and decodes the body.
func (f *Fetcher) JSON(ctx context.Context, rawURL string) (any, error) {
	u, err := target(rawURL)
	if err != nil {
		return nil, err
	}
	_, body, err := f.get(ctx, u, "application/json")
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("fetch %s: response is not JSON: %w", u, err)
	}
	return v, nil
}

// Text downloads rawURL and returns its readable text, cut to maxChars
// runes. maxChars <= 0 uses DefaultMaxChars.
func (f *Fetcher) Text(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	u, err := target(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	ct, body, err := f.get(ctx, u, "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	if err != nil {
		return nil, err
	}

	p := &Page{URL: u, ContentType: ct}
	mediaType, _, _ := mime.ParseMediaType(ct)
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		r := readable(string(body))
		p.Title, p.Text = r.title, r.text
	case utf8.Valid(body):
		p.Text = string(body)
	default:
		return nil, fmt.Errorf("fetch %s: binary content (%s, %d bytes)", u, ct, len(body))
	}

	p.Text, p.Truncated = cut(p.Text, maxChars)
	return p, nil
}

// cut shortens s to at most n runes.
func cut(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	runes := 0
	for i := range s {
		if runes == n {
			return s[:i], true
		}
		runes++
	}
	return s, false
}
