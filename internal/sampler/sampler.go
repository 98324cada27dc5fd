// Package sampler turns request counters and process snapshots into one
// metric record per fixed interval.
package sampler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/appmetric/internal/counters"
	"github.com/wudi/appmetric/internal/logging"
	"github.com/wudi/appmetric/internal/procstat"
	"github.com/wudi/appmetric/internal/record"
	"github.com/wudi/appmetric/internal/sink"
)

// ErrAlreadyStarted is returned by Start on a sampler that is not idle.
var ErrAlreadyStarted = errors.New("sampler: already started")

// State is the lifecycle state of a Sampler.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	DefaultInterval  = 10 * time.Second
	DefaultQueueSize = 16
)

// Options configures a Sampler.
type Options struct {
	Interval  time.Duration
	QueueSize int
	Identity  record.Identity
	Clock     Clock
	Logger    *zap.Logger
}

// Stats counts sampler activity since start.
type Stats struct {
	State         string `json:"state"`
	Ticks         int64  `json:"ticks"`
	Dropped       int64  `json:"dropped"`
	WriteFailures int64  `json:"write_failures"`
}

// Sampler owns the sampling schedule. Ticks run on a single goroutine;
// records are written by a second goroutine so a slow sink never delays
// the schedule.
type Sampler struct {
	counters *counters.Counters
	source   procstat.Source
	sink     sink.Sink
	interval time.Duration
	identity record.Identity
	clock    Clock
	logger   *zap.Logger

	// Each warning kind has its own budget so a noisy one cannot hide
	// the others.
	snapWarn  *rate.Limiter
	queueWarn *rate.Limiter
	writeWarn *rate.Limiter

	state   atomic.Int32
	ticking atomic.Bool

	// Rolling baseline, touched only by the tick goroutine.
	lastTick time.Time
	lastSnap procstat.Snapshot
	cpuValid bool

	last atomic.Pointer[record.Metric]

	queue      chan *record.Metric
	stopCh     chan struct{}
	loopDone   chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once

	ticks         atomic.Int64
	dropped       atomic.Int64
	writeFailures atomic.Int64
}

// New creates an idle sampler. A nil sink discards records; they remain
// available through Last.
func New(c *counters.Counters, src procstat.Source, sk sink.Sink, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if sk == nil {
		sk = sink.Nop{}
	}

	return &Sampler{
		counters:   c,
		source:     src,
		sink:       sk,
		interval:   opts.Interval,
		identity:   opts.Identity,
		clock:      opts.Clock,
		logger:     logging.OrGlobal(opts.Logger).With(zap.String("component", "sampler")),
		snapWarn:   newWarnLimiter(),
		queueWarn:  newWarnLimiter(),
		writeWarn:  newWarnLimiter(),
		queue:      make(chan *record.Metric, opts.QueueSize),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Start takes the baseline snapshot and begins ticking.
func (s *Sampler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	if r, ok := s.source.(procstat.UnsupportedReporter); ok {
		if u := r.Unsupported(); len(u) > 0 {
			s.logger.Info("process counters unsupported on this platform, reported as zero",
				zap.Strings("counters", u))
		}
	}

	snap, err := s.snapshot(ctx)
	if err != nil {
		s.warnf(s.snapWarn, "baseline snapshot incomplete", zap.Error(err))
	}
	s.lastSnap = snap
	s.cpuValid = !errors.Is(err, procstat.ErrCPUTimes)
	s.lastTick = s.clock.Now()

	ticker := s.clock.NewTicker(s.interval)
	go s.writeLoop()
	go s.run(ticker)

	s.logger.Debug("sampler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Sampler) run(ticker Ticker) {
	defer close(s.loopDone)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.tick()
		}
	}
}

// tick produces one record. It only ever runs on the loop goroutine; the
// guard turns a programming error into a logged, skipped tick.
func (s *Sampler) tick() {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Error("overlapping sample tick skipped")
		return
	}
	defer s.ticking.Store(false)

	now := s.clock.Now()
	elapsed := now.Sub(s.lastTick)
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = s.interval.Seconds()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	snap, err := s.snapshot(ctx)
	cancel()
	if err != nil {
		s.warnf(s.snapWarn, "process snapshot incomplete", zap.Error(err))
	}

	// CPU time is cumulative. Usage is only reported between two good
	// readings; a failed or decreasing reading keeps the old baseline.
	var cpu time.Duration
	switch {
	case errors.Is(err, procstat.ErrCPUTimes):
		snap.CPUUser, snap.CPUSystem = s.lastSnap.CPUUser, s.lastSnap.CPUSystem
	case !s.cpuValid:
		s.cpuValid = true
	default:
		cpu = snap.CPU() - s.lastSnap.CPU()
		if cpu < 0 {
			cpu = 0
			snap.CPUUser, snap.CPUSystem = s.lastSnap.CPUUser, s.lastSnap.CPUSystem
		}
	}

	delay := elapsed - s.interval
	if delay < 0 {
		delay = 0
	}

	rec := &record.Metric{
		Identity:      s.identity,
		Time:          now,
		Timestamp:     now.Unix(),
		CPUPercentage: cpu.Seconds() / secs,
		EventDelay:    record.Milliseconds(delay),
		MemRSS:        snap.MemRSS,
		MemHeapTotal:  snap.HeapSys,
		MemHeapUsed:   snap.HeapAlloc,
		ActiveHandles: snap.OpenHandles,
		Goroutines:    snap.Goroutines,
	}
	if snap.NumCPU > 0 {
		rec.LoadPercentage = snap.Load1 / float64(snap.NumCPU)
	}

	d := s.counters.TakeDelta()
	if apdex, ok := d.Apdex(); ok {
		rec.Traffic = &record.Traffic{
			Requests:        d.Requests,
			RequestsElapsed: record.Milliseconds(d.Elapsed),
			QPS:             float64(d.Requests) / secs,
			Apdex:           apdex,
			Tolerated:       d.Tolerated,
		}
	}

	// The baseline rolls forward whatever happens to the write.
	s.lastTick = now
	s.lastSnap = snap
	s.last.Store(rec)
	s.ticks.Add(1)

	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
		s.warnf(s.queueWarn, "metric queue full, record dropped", zap.Int64("timestamp", rec.Timestamp))
	}
}

func (s *Sampler) snapshot(ctx context.Context) (procstat.Snapshot, error) {
	if s.source == nil {
		return procstat.Snapshot{}, nil
	}
	return s.source.Snapshot(ctx)
}

func (s *Sampler) writeLoop() {
	defer close(s.writerDone)

	for rec := range s.queue {
		if err := s.sink.Append(context.Background(), rec); err != nil {
			s.writeFailures.Add(1)
			s.warnf(s.writeWarn, "metric write failed, record dropped",
				zap.Int64("timestamp", rec.Timestamp),
				zap.Error(err),
			)
		}
	}
}

func newWarnLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute), 5)
}

// warnf logs a warning unless lim says too many were logged recently.
func (s *Sampler) warnf(lim *rate.Limiter, msg string, fields ...zap.Field) {
	if lim.Allow() {
		s.logger.Warn(msg, fields...)
	}
}

// Stop cancels the schedule. A tick already in progress finishes; queued
// records are written until ctx is done. Stop is idempotent.
func (s *Sampler) Stop(ctx context.Context) error {
	prev := State(s.state.Swap(int32(StateStopped)))
	if prev != StateRunning {
		return nil
	}

	s.stopOnce.Do(func() {
		close(s.stopCh)
		// Only the loop sends on the queue, so it can be closed once the
		// loop has exited.
		go func() {
			<-s.loopDone
			close(s.queue)
		}()
	})

	select {
	case <-s.writerDone:
		s.logger.Debug("sampler stopped", zap.Int64("ticks", s.ticks.Load()))
		return nil
	case <-ctx.Done():
		s.logger.Warn("sampler stop timed out with pending writes", zap.Int("pending", len(s.queue)))
		return ctx.Err()
	}
}

// Last returns the most recent record.
func (s *Sampler) Last() (*record.Metric, bool) {
	rec := s.last.Load()
	return rec, rec != nil
}

// State returns the lifecycle state.
func (s *Sampler) State() State {
	return State(s.state.Load())
}

// Interval returns the nominal sampling interval.
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Stats returns activity counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		State:         s.State().String(),
		Ticks:         s.ticks.Load(),
		Dropped:       s.dropped.Load(),
		WriteFailures: s.writeFailures.Load(),
	}
}
