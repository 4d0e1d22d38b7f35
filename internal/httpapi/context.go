package httpapi

import (
	"context"
)

// baseCtx anchors handler work to the daemon lifetime: long-lived handlers
// (the detection stream, one-shot detect) must unwind on shutdown even when
// their request context is still live.
var baseCtx = context.Background()

// SetBaseContext installs the daemon's run context. Passing nil resets to
// Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		baseCtx = context.Background()
		return
	}
	baseCtx = ctx
}

// joinContexts derives a context done when either parent is. Callers must
// invoke the cancel func once the handler returns or the watch goroutine
// leaks.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-a.Done():
		case <-b.Done():
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
