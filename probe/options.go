package probe

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wudi/appmetric/internal/procstat"
	"github.com/wudi/appmetric/internal/sampler"
	"github.com/wudi/appmetric/internal/sink"
)

// Option customizes Install.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	source     procstat.Source
	sinks      []sink.Named
	registerer prometheus.Registerer
	clock      sampler.Clock
}

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSource replaces the process snapshot source.
func WithSource(src procstat.Source) Option {
	return func(o *options) { o.source = src }
}

// WithSink adds a sink that receives every record alongside the
// configured ones.
func WithSink(name string, s sink.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink.Named{Name: name, Sink: s}) }
}

// WithRegisterer registers the Prometheus metrics on reg instead of a
// private registry. When reg is also a Gatherer it backs /metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock replaces the sampler's time source.
func WithClock(c sampler.Clock) Option {
	return func(o *options) { o.clock = c }
}
