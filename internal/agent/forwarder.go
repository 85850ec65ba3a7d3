package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/wright-agent/internal/llm"
)

// forwarder delivers tool-turn events to the stream from a single
// goroutine, in the order they were sent. Generated code may report
// progress from its own goroutine, even after its deadline, so sends
// after close are dropped rather than racing the next model turn.
type forwarder struct {
	mu     sync.Mutex
	closed bool
	ch     chan llm.StreamEvent
	done   <-chan struct{}
	g      *errgroup.Group
}

func newForwarder(ctx context.Context, stream llm.StreamCallback) *forwarder {
	if stream == nil {
		return &forwarder{closed: true}
	}
	g, gctx := errgroup.WithContext(ctx)
	f := &forwarder{
		ch:   make(chan llm.StreamEvent, 64),
		done: gctx.Done(),
		g:    g,
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-f.ch:
				if !ok {
					return nil
				}
				stream(ev)
			}
		}
	})
	return f
}

func (f *forwarder) send(ev llm.StreamEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- ev:
	case <-f.done:
	}
}

// close stops accepting events and waits until everything sent so far
// has been delivered. It returns the context error if the request was
// cancelled first.
func (f *forwarder) close() error {
	f.mu.Lock()
	if f.g == nil || f.closed {
		f.mu.Unlock()
		if f.g == nil {
			return nil
		}
		return f.g.Wait()
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	return f.g.Wait()
}
