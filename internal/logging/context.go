package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
//
// The post-call pipeline and trace emission must complete even when the
// request context has been cancelled by a client disconnect.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own deadline,
// independent of the parent's cancellation status.
//
// Example usage:
//
//	stepCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	store.AppendHistory(stepCtx, rec)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(parent)
	return context.WithTimeout(detached, timeout)
}
