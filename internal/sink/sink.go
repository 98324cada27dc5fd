// Package sink implements the append targets metric records are written to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/appmetric/internal/record"
)

// Sink is a best-effort append target. Append may be slow or fail; callers
// log the error and move on.
type Sink interface {
	Append(ctx context.Context, rec *record.Metric) error
	Close() error
}

// Nop discards every record.
type Nop struct{}

// Append does nothing.
func (Nop) Append(context.Context, *record.Metric) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Named attaches a name to a sink so Multi can attribute errors.
type Named struct {
	Name string
	Sink Sink
}

// Multi fans records out to several sinks.
type Multi struct {
	sinks []Named
}

// NewMulti creates a Multi over the given sinks.
func NewMulti(sinks ...Named) *Multi {
	return &Multi{sinks: sinks}
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Append writes rec to every sink concurrently. A failing sink does not stop
// the others; all failures are joined.
func (m *Multi) Append(ctx context.Context, rec *record.Metric) error {
	return m.each(func(n Named) error {
		return n.Sink.Append(ctx, rec)
	})
}

// Close closes every sink.
func (m *Multi) Close() error {
	return m.each(func(n Named) error {
		return n.Sink.Close()
	})
}

func (m *Multi) each(fn func(Named) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, n := range m.sinks {
		g.Go(func() error {
			if err := fn(n); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s sink: %w", n.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
