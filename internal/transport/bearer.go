package transport

import (
	"context"
	"log/slog"
)

// TokenSource supplies the current bearer header value and refreshes it
// when the server rejects one.
type TokenSource interface {
	Bearer() string
	RefreshBearer(ctx context.Context) error
}

// Bearer decorates an adapter with bearer authentication. A 401 triggers
// exactly one token refresh and exactly one retry of the original request;
// a second rejection goes back to the caller untouched.
type Bearer struct {
	next   Adapter
	tokens TokenSource
	logger *slog.Logger
}

func NewBearer(next Adapter, tokens TokenSource, logger *slog.Logger) *Bearer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bearer{next: next, tokens: tokens, logger: logger}
}

func (b *Bearer) Close() error { return b.next.Close() }

func (b *Bearer) Request(ctx context.Context, opts RequestOptions, payload []byte) ([]byte, error) {
	body, err := b.next.Request(ctx, b.authorized(opts), payload)
	if StatusCode(err) != 401 {
		return body, err
	}
	b.logger.Info("bearer rejected, refreshing", "path", opts.Path)
	if rerr := b.tokens.RefreshBearer(ctx); rerr != nil {
		return nil, rerr
	}
	return b.next.Request(ctx, b.authorized(opts), payload)
}

func (b *Bearer) authorized(opts RequestOptions) RequestOptions {
	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers["Authorization"] = b.tokens.Bearer()
	opts.Headers = headers
	return opts
}
