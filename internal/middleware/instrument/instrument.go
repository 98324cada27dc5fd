// Package instrument measures units of work and reports their durations to a
// Recorder. A measurement is always recorded, including when the unit panics.
package instrument

import (
	"context"
	"net/http"
	"time"

	"github.com/wudi/appmetric/internal/middleware"
)

// Recorder receives one completion per unit of work.
type Recorder interface {
	RecordCompletion(elapsed time.Duration)
}

type startTimeKey struct{}

// WithStartTime stamps the moment a request entered the host pipeline.
// Middleware measures from this time when present.
func WithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey{}, t)
}

// StartTime returns the start time stamped on ctx.
func StartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey{}).(time.Time)
	return t, ok && !t.IsZero()
}

// Middleware records the duration of every request served by next.
func Middleware(rec Recorder) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start, ok := StartTime(r.Context())
			if !ok {
				start = time.Now()
				r = r.WithContext(WithStartTime(r.Context(), start))
			}
			defer Observe(rec, start)

			next.ServeHTTP(w, r)
		})
	}
}

// Observe records a completion that started at start.
func Observe(rec Recorder, start time.Time) {
	if rec == nil {
		return
	}
	rec.RecordCompletion(time.Since(start))
}

// Wrap runs fn and records its duration. fn's error is returned unchanged.
func Wrap(rec Recorder, fn func() error) error {
	defer Observe(rec, time.Now())
	return fn()
}
