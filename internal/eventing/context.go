package eventing

import "context"

type contextKey int

const (
	envelopeKey contextKey = iota
	runIDKey
)

// WithEnvelope attaches a built envelope so every handler of one publish
// sees the same event id.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey, env)
}

// EnvelopeFromContext returns the envelope attached by WithEnvelope.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey).(Envelope)
	return env, ok
}

// WithRunID tags events published under ctx with an import run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the import run id, or "" outside a run.
func RunIDFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(runIDKey).(string)
	return runID
}
