package llm

import "context"

// Client is a model provider. Implementations translate Request to their
// wire format and report context-window rejections as
// ContextOverflowError.
type Client interface {
	Chat(ctx context.Context, req Request) (*ChatResponse, error)

	// ChatStream is Chat with incremental delivery. A nil callback makes
	// it equivalent to Chat; otherwise every KindToken event reaches the
	// callback, in order, before ChatStream returns.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error)

	// Ping reports whether the provider is reachable and accepts our
	// credentials.
	Ping(ctx context.Context) error
}
