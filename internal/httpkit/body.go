package httpkit

import (
	"fmt"
	"io"
	"net/http"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string // leading bytes of the response body
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Check returns a *StatusError carrying up to limit bytes of the body
// when resp is not 2xx. The body is consumed only in that case.
func Check(resp *http.Response, limit int64) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Body: ReadErrorBody(resp.Body, limit)}
}

// DrainAndClose discards up to limit bytes and closes rc so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc and then drains and
// closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
