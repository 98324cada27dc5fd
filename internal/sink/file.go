package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wudi/appmetric/internal/record"
)

const dayLayout = "2006-01-02"

// Rotation configures size based rotation inside a day's file.
// MaxSize is in megabytes; zero disables size rotation.
type Rotation struct {
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// FileOptions configures a File sink.
type FileOptions struct {
	Dir      string
	Prefix   string
	Location *time.Location // day boundary; defaults to time.Local
	Rotation Rotation
}

// File appends newline-delimited JSON records to one file per calendar day:
// {Dir}/{Prefix}-metric.{YYYY-MM-DD}.log
type File struct {
	opts FileOptions

	mu       sync.Mutex
	dirReady bool
	day      string
	out      io.WriteCloser
}

// NewFile creates a File sink. Nothing touches the filesystem until the
// first Append.
func NewFile(opts FileOptions) *File {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Prefix == "" {
		opts.Prefix = "app"
	}
	return &File{opts: opts}
}

// Path returns the file a record taken at t is written to.
func (f *File) Path(t time.Time) string {
	return f.pathForDay(t.In(f.opts.Location).Format(dayLayout))
}

func (f *File) pathForDay(day string) string {
	return filepath.Join(f.opts.Dir, fmt.Sprintf("%s-metric.%s.log", f.opts.Prefix, day))
}

// Append writes rec to the file of its day, switching files when the day
// changes.
func (f *File) Append(_ context.Context, rec *record.Metric) error {
	line, err := rec.MarshalLine()
	if err != nil {
		return err
	}
	day := rec.Time.In(f.opts.Location).Format(dayLayout)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureDir(); err != nil {
		return err
	}

	if f.out == nil || day != f.day {
		if err := f.closeLocked(); err != nil {
			return fmt.Errorf("close %s: %w", f.pathForDay(f.day), err)
		}
		out, err := f.open(f.pathForDay(day))
		if err != nil {
			return err
		}
		f.out = out
		f.day = day
	}

	if _, err := f.out.Write(line); err != nil {
		// Drop the handle; the next append reopens the file.
		f.closeLocked()
		return fmt.Errorf("write %s: %w", f.pathForDay(day), err)
	}
	return nil
}

func (f *File) ensureDir() error {
	if f.dirReady {
		return nil
	}
	if err := os.MkdirAll(f.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", f.opts.Dir, err)
	}
	f.dirReady = true
	return nil
}

func (f *File) open(path string) (io.WriteCloser, error) {
	if f.opts.Rotation.MaxSize > 0 {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    f.opts.Rotation.MaxSize,
			MaxBackups: f.opts.Rotation.MaxBackups,
			MaxAge:     f.opts.Rotation.MaxAge,
			Compress:   f.opts.Rotation.Compress,
			LocalTime:  true,
		}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return file, nil
}

func (f *File) closeLocked() error {
	if f.out == nil {
		return nil
	}
	err := f.out.Close()
	f.out = nil
	return err
}

// Close closes the current day's file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}
