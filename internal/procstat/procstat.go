// Package procstat queries point-in-time process and OS counters.
package procstat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is an immutable reading of process resource counters.
type Snapshot struct {
	// Cumulative CPU time since process start.
	CPUUser   time.Duration
	CPUSystem time.Duration

	MemRSS    uint64
	HeapAlloc uint64
	HeapSys   uint64

	Load1  float64
	NumCPU int

	OpenHandles int
	Goroutines  int
}

// CPU returns the total CPU time (user + system).
func (s Snapshot) CPU() time.Duration {
	return s.CPUUser + s.CPUSystem
}

// ErrCPUTimes marks a snapshot whose CPU fields could not be read. Callers
// must not compare those fields against an earlier snapshot.
var ErrCPUTimes = errors.New("cpu times unavailable")

// notImplemented is the text of gopsutil's not-implemented sentinel, which
// lives in an internal package.
const notImplemented = "not implemented yet"

func isNotImplemented(err error) bool {
	return err != nil && err.Error() == notImplemented
}

// Source produces snapshots. Implementations hold no per-call state.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Snapshot, error)

// Snapshot calls f.
func (f SourceFunc) Snapshot(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// UnsupportedReporter is implemented by sources that know which counters
// the platform cannot provide. Those counters stay zero and are not reported
// as snapshot errors.
type UnsupportedReporter interface {
	Unsupported() []string
}

// ProcessSource reads counters of the current process through gopsutil and
// the Go runtime.
type ProcessSource struct {
	proc        *process.Process
	numCPU      int
	unsupported []string
}

// NewProcessSource creates a source for the calling process.
func NewProcessSource() (*ProcessSource, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("procstat: open self: %w", err)
	}

	numCPU, err := cpu.Counts(true)
	if err != nil || numCPU <= 0 {
		numCPU = runtime.NumCPU()
	}

	ps := &ProcessSource{proc: proc, numCPU: numCPU}
	ps.probeSupport(context.Background())
	return ps, nil
}

// probeSupport queries every counter once and remembers the ones gopsutil
// does not implement on this platform.
func (s *ProcessSource) probeSupport(ctx context.Context) {
	if _, err := s.proc.TimesWithContext(ctx); isNotImplemented(err) {
		s.unsupported = append(s.unsupported, "cpu_times")
	}
	if _, err := s.proc.MemoryInfoWithContext(ctx); isNotImplemented(err) {
		s.unsupported = append(s.unsupported, "memory_info")
	}
	if _, err := load.AvgWithContext(ctx); isNotImplemented(err) {
		s.unsupported = append(s.unsupported, "load_average")
	}
	if _, err := s.proc.NumFDsWithContext(ctx); isNotImplemented(err) {
		s.unsupported = append(s.unsupported, "open_handles")
	}
}

// Unsupported lists the counters this platform cannot provide.
func (s *ProcessSource) Unsupported() []string {
	return s.unsupported
}

// Snapshot reads every counter it can. A failed query leaves its fields zero
// and is reported in the joined error; the rest of the snapshot is still valid.
// Counters the platform does not implement are left zero without an error.
func (s *ProcessSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		NumCPU:     s.numCPU,
		Goroutines: runtime.NumGoroutine(),
	}
	var errs []error

	times, err := s.proc.TimesWithContext(ctx)
	switch {
	case err == nil:
		snap.CPUUser = seconds(times.User)
		snap.CPUSystem = seconds(times.System)
	case !isNotImplemented(err):
		errs = append(errs, fmt.Errorf("%w: %w", ErrCPUTimes, err))
	}

	mem, err := s.proc.MemoryInfoWithContext(ctx)
	switch {
	case err == nil:
		snap.MemRSS = mem.RSS
	case !isNotImplemented(err):
		errs = append(errs, fmt.Errorf("memory info: %w", err))
	}

	avg, err := load.AvgWithContext(ctx)
	switch {
	case err == nil:
		snap.Load1 = avg.Load1
	case !isNotImplemented(err):
		errs = append(errs, fmt.Errorf("load average: %w", err))
	}

	fds, err := s.proc.NumFDsWithContext(ctx)
	switch {
	case err == nil:
		snap.OpenHandles = int(fds)
	case !isNotImplemented(err):
		errs = append(errs, fmt.Errorf("open handles: %w", err))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAlloc = ms.HeapAlloc
	snap.HeapSys = ms.HeapSys

	return snap, errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
