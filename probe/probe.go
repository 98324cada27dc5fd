// Package probe attaches an in-process metrics sampler to a host
// application. Install starts sampling; the returned Probe instruments
// request handlers and is stopped with Shutdown.
//
//	p, err := probe.Install(probe.Config{OutputDir: "/var/log/app"})
//	if err != nil {
//		return err
//	}
//	defer p.Shutdown(context.Background())
//	http.ListenAndServe(":8080", p.Middleware()(mux))
//
// Every interval one record is appended to
// {output_dir}/{prefix}-metric.{YYYY-MM-DD}.log.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wudi/appmetric/internal/config"
	"github.com/wudi/appmetric/internal/counters"
	"github.com/wudi/appmetric/internal/logging"
	"github.com/wudi/appmetric/internal/middleware"
	"github.com/wudi/appmetric/internal/middleware/instrument"
	"github.com/wudi/appmetric/internal/procstat"
	"github.com/wudi/appmetric/internal/record"
	"github.com/wudi/appmetric/internal/sampler"
	"github.com/wudi/appmetric/internal/sink"
)

// Config holds the probe settings. Zero fields take their defaults; an
// empty OutputDir keeps records in memory only.
type Config = config.MetricConfig

// Probe is one installed sampler with its counters and sinks.
type Probe struct {
	cfg      Config
	identity record.Identity
	logger   *zap.Logger

	counters *counters.Counters
	sampler  *sampler.Sampler
	sink     *sink.Multi
	gatherer prometheus.Gatherer

	mu           sync.Mutex
	shutdownOnce sync.Once
	shutdownErr  error
}

// Install validates cfg, prepares the output directory and starts sampling.
// An output directory that cannot be created is an error so the host can
// refuse to boot.
func Install(cfg Config, opts ...Option) (*Probe, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = config.MergeNonZero(config.BaseMetricConfig(), cfg)
	if err := config.ValidateMetric(cfg); err != nil {
		return nil, fmt.Errorf("appmetric: invalid config: %w", err)
	}

	logger := logging.OrGlobal(o.logger).With(zap.String("component", "appmetric"))
	id := record.NewIdentity(cfg.Name)

	src := o.source
	if src == nil {
		ps, err := procstat.NewProcessSource()
		if err != nil {
			return nil, fmt.Errorf("appmetric: process source: %w", err)
		}
		src = ps
	}

	sinks, gatherer, err := buildSinks(cfg, id, logger, o)
	if err != nil {
		return nil, err
	}
	multi := sink.NewMulti(append(sinks, o.sinks...)...)

	c := counters.New(cfg.ApdexThreshold())
	s := sampler.New(c, src, multi, sampler.Options{
		Interval:  cfg.Interval(),
		QueueSize: cfg.QueueSize,
		Identity:  id,
		Clock:     o.clock,
		Logger:    logger,
	})
	if err := s.Start(context.Background()); err != nil {
		multi.Close()
		return nil, fmt.Errorf("appmetric: start sampler: %w", err)
	}

	logger.Info("metric probe installed",
		zap.String("name", id.Name),
		zap.String("instance", id.Instance),
		zap.String("run", id.Run),
		zap.Duration("interval", cfg.Interval()),
		zap.Duration("apdex_threshold", c.Threshold()),
		zap.String("output_dir", cfg.OutputDir),
		zap.Int("sinks", multi.Len()),
	)

	return &Probe{
		cfg:      cfg,
		identity: id,
		logger:   logger,
		counters: c,
		sampler:  s,
		sink:     multi,
		gatherer: gatherer,
	}, nil
}

// buildSinks creates the configured sinks. On error the ones already built
// are closed.
func buildSinks(cfg Config, id record.Identity, logger *zap.Logger, o options) ([]sink.Named, prometheus.Gatherer, error) {
	var (
		sinks    []sink.Named
		gatherer prometheus.Gatherer
	)
	fail := func(err error) ([]sink.Named, prometheus.Gatherer, error) {
		for _, s := range sinks {
			s.Sink.Close()
		}
		return nil, nil, err
	}

	if cfg.OutputDir != "" {
		if err := ensureDir(cfg.OutputDir); err != nil {
			return fail(fmt.Errorf("appmetric: output dir: %w", err))
		}
		loc, _ := cfg.Location() // validated
		sinks = append(sinks, sink.Named{Name: "file", Sink: sink.NewFile(sink.FileOptions{
			Dir:      cfg.OutputDir,
			Prefix:   cfg.Prefix(),
			Location: loc,
			Rotation: sink.Rotation{
				MaxSize:    cfg.Rotation.MaxSizeMB,
				MaxBackups: cfg.Rotation.MaxBackups,
				MaxAge:     cfg.Rotation.MaxAgeDays,
				Compress:   cfg.Rotation.Compress,
			},
		})})
	}

	if cfg.Prometheus.Enabled {
		reg := o.registerer
		if reg == nil {
			r := prometheus.NewRegistry()
			reg, gatherer = r, r
		} else if g, ok := reg.(prometheus.Gatherer); ok {
			gatherer = g
		}
		p, err := sink.NewPrometheus(reg, cfg.Prometheus.Namespace, id)
		if err != nil {
			return fail(fmt.Errorf("appmetric: prometheus: %w", err))
		}
		sinks = append(sinks, sink.Named{Name: "prometheus", Sink: p})
	}

	if cfg.Redis.Enabled {
		sinks = append(sinks, sink.Named{Name: "redis", Sink: sink.NewRedis(sink.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
			MaxLen:   cfg.Redis.MaxLen,
			Timeout:  time.Duration(cfg.Redis.TimeoutMs) * time.Millisecond,
			Logger:   logger,
		})})
	}

	return sinks, gatherer, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// Middleware returns the HTTP instrumentation hook.
func (p *Probe) Middleware() middleware.Middleware {
	return instrument.Middleware(p.counters)
}

// Observe records one completed unit of work that started at start.
func (p *Probe) Observe(start time.Time) {
	instrument.Observe(p.counters, start)
}

// Wrap runs fn and records its duration.
func (p *Probe) Wrap(fn func() error) error {
	return instrument.Wrap(p.counters, fn)
}

// Reload applies the runtime-changeable settings of cfg. Settings that need
// a new probe are logged and ignored.
func (p *Probe) Reload(cfg Config) error {
	cfg = config.MergeNonZero(config.BaseMetricConfig(), cfg)
	if err := config.ValidateMetric(cfg); err != nil {
		return fmt.Errorf("appmetric: invalid config: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.counters.SetThreshold(cfg.ApdexThreshold())

	if cfg.Interval() != p.cfg.Interval() || cfg.OutputDir != p.cfg.OutputDir ||
		cfg.Prometheus.Enabled != p.cfg.Prometheus.Enabled || cfg.Redis.Enabled != p.cfg.Redis.Enabled {
		p.logger.Warn("metric settings changed that require a restart",
			zap.Duration("interval", cfg.Interval()),
			zap.String("output_dir", cfg.OutputDir),
		)
	}

	p.cfg.ApdexSatisfiedMs = cfg.ApdexSatisfiedMs
	p.logger.Info("metric probe reloaded", zap.Duration("apdex_threshold", p.counters.Threshold()))
	return nil
}

// Last returns the most recent record, if a tick has happened.
func (p *Probe) Last() (*record.Metric, bool) {
	return p.sampler.Last()
}

// Identity returns the identity stamped on every record.
func (p *Probe) Identity() record.Identity {
	return p.identity
}

// Totals returns the absolute request totals since Install.
func (p *Probe) Totals() counters.Totals {
	return p.counters.Totals()
}

// Shutdown stops sampling, waits for pending writes within ctx and the
// configured shutdown timeout, and closes the sinks. Later calls return
// the first result.
func (p *Probe) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		if d := p.cfg.ShutdownTimeout(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		var errs []error
		if err := p.sampler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sampler: %w", err))
		}
		if err := p.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sinks: %w", err))
		}
		p.shutdownErr = errors.Join(errs...)

		st := p.sampler.Stats()
		p.logger.Info("metric probe stopped",
			zap.Int64("ticks", st.Ticks),
			zap.Int64("dropped", st.Dropped),
			zap.Int64("write_failures", st.WriteFailures),
		)
	})
	return p.shutdownErr
}
