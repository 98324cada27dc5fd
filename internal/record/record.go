// Package record defines the per-interval metric record and its line encoding.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Identity names the process a record belongs to.
type Identity struct {
	Name     string `json:"name"`
	Instance string `json:"instance"`
	Host     string `json:"host"`
	PID      int    `json:"pid"`
	Run      string `json:"run"`
}

// NewIdentity builds the identity of the current process. An empty name
// defaults to the hostname. Each call gets a fresh run id.
func NewIdentity(name string) Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	if name == "" {
		name = host
	}
	pid := os.Getpid()
	return Identity{
		Name:     name,
		Instance: host + "-" + strconv.Itoa(pid),
		Host:     host,
		PID:      pid,
		Run:      uuid.NewString(),
	}
}

// Traffic holds the request fields of an interval. It is only present on
// a record when the interval saw at least one request.
type Traffic struct {
	Requests        int64   `json:"requests"`
	RequestsElapsed float64 `json:"requests_elapsed"` // milliseconds
	QPS             float64 `json:"qps"`
	Apdex           float64 `json:"apdex"`
	Tolerated       int64   `json:"-"`
}

// Metric is one sampling interval. It is never mutated after the sampler
// hands it off.
type Metric struct {
	Identity

	Time      time.Time `json:"-"`
	Timestamp int64     `json:"timestamp"`

	CPUPercentage  float64 `json:"cpu_percentage"`
	EventDelay     float64 `json:"event_delay"` // milliseconds
	MemRSS         uint64  `json:"mem_rss"`
	MemHeapTotal   uint64  `json:"mem_heap_total"`
	MemHeapUsed    uint64  `json:"mem_heap_used"`
	LoadPercentage float64 `json:"load_percentage"`
	ActiveHandles  int     `json:"active_handles"`
	Goroutines     int     `json:"goroutines"`

	// Nil when there was no traffic; the fields are then left out of the JSON.
	*Traffic
}

// HasTraffic reports whether the interval saw requests.
func (m *Metric) HasTraffic() bool {
	return m.Traffic != nil && m.Traffic.Requests > 0
}

// MarshalLine encodes the record as a single JSON line terminated by '\n'.
func (m *Metric) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("record: marshal: %w", err)
	}
	return append(data, '\n'), nil
}

// Milliseconds converts a duration to fractional milliseconds.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
