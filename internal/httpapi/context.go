package httpapi

import (
	"context"
	"net/http"
)

// serverBaseCtx ties streaming download handlers to the daemon's lifetime:
// main cancels it on shutdown so in-flight transfers stop even when their
// clients are still connected.
var serverBaseCtx = context.Background()

// SetBaseContext installs the daemon lifetime context. A nil ctx resets to
// Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// requestLifetime derives the context a download runs under: it ends when
// the daemon shuts down or the client disconnects, whichever comes first.
// The handler must call cancel on return to release the relay goroutine.
func requestLifetime(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-serverBaseCtx.Done():
		case <-r.Context().Done():
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
