package sandbox

import (
	"encoding/json"
	"strings"
	"sync"
)

// DefaultMaxOutputBytes caps captured stdout.
const DefaultMaxOutputBytes = 1 << 20

const truncatedNote = "\n\n[... output truncated ...]"

// ParseOutput coerces captured stdout into a result. Output that is a
// single JSON value once trimmed is decoded; anything else is returned
// as the trimmed text.
func ParseOutput(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return trimmed
}

// capture buffers writes until released. Writes after release are
// dropped, so code still running after a timeout cannot hold on to the
// buffer.
type capture struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
	released  bool
}

func newCapture(limit int) *capture {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.truncated {
		return len(p), nil
	}
	room := c.limit - c.buf.Len()
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// release stops capturing and returns what was written.
func (c *capture) release() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ""
	}
	c.released = true
	s := c.buf.String()
	if c.truncated {
		s += truncatedNote
	}
	c.buf.Reset()
	return s
}
