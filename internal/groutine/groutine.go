// Package groutine starts long-lived goroutines carrying a name, so that
// session loops and PTY pumps can be told apart in pprof goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// LabelKey is the pprof label set on every goroutine started by Go.
const LabelKey = "bluart_goroutine"

// Go runs fn on a new goroutine labelled with name. A nil parent means
// context.Background(). The name is readable inside fn through Name.
//
//	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
//	    ...
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the name given to Go, or "" outside a named goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}
