package service

import "context"

// Tracer abstracts span creation so the application core never imports a
// concrete tracing SDK directly.
type Tracer interface {
	// StartSpan begins a span named name and returns a derived context plus a
	// completion callback that must be invoked with the operation's error (nil
	// on success).
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer discards all spans. It is the default when no tracer is configured.
var NoopTracer Tracer = noopTracer{}
