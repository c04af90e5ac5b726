package logger

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey struct{}

// WithJob returns ctx carrying a logger tagged with the job. Operations run
// under it log with the job's fields.
func WithJob(ctx context.Context, jobID string, attempt int) context.Context {
	l := FromContext(ctx).With().Str("job_id", jobID).Int("attempt", attempt).Logger()
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger set by WithJob, or the global logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return log.Logger
}

// Op returns the context logger tagged with an operation name.
func Op(ctx context.Context, op string) zerolog.Logger {
	return FromContext(ctx).With().Str("op", op).Logger()
}
