package record

import (
	"bytes"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func sample() *Metric {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	return &Metric{
		Identity:       Identity{Name: "orders", Instance: "web-1-42", Host: "web-1", PID: 42, Run: "r1"},
		Time:           ts,
		Timestamp:      ts.Unix(),
		CPUPercentage:  0.25,
		EventDelay:     3,
		MemRSS:         1 << 20,
		LoadPercentage: 0.5,
		ActiveHandles:  12,
		Goroutines:     7,
	}
}

func TestMarshalLine_NoTrafficOmitsRequestFields(t *testing.T) {
	line, err := sample().MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) || bytes.Count(line, []byte("\n")) != 1 {
		t.Fatalf("expected exactly one trailing newline, got %q", line)
	}

	for _, field := range []string{"requests", "requests_elapsed", "qps", "apdex"} {
		if gjson.GetBytes(line, field).Exists() {
			t.Errorf("field %q should be omitted without traffic: %s", field, line)
		}
	}
	for _, field := range []string{"name", "instance", "host", "pid", "run", "timestamp",
		"cpu_percentage", "event_delay", "mem_rss", "mem_heap_total", "mem_heap_used",
		"load_percentage", "active_handles", "goroutines"} {
		if !gjson.GetBytes(line, field).Exists() {
			t.Errorf("field %q missing: %s", field, line)
		}
	}
	if gjson.GetBytes(line, "timestamp").Int() != 1773500966 {
		t.Errorf("unexpected timestamp: %s", line)
	}
}

func TestMarshalLine_WithTraffic(t *testing.T) {
	m := sample()
	m.Traffic = &Traffic{Requests: 10, RequestsElapsed: 700, QPS: 1, Apdex: 0.9}

	line, err := m.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if got := gjson.GetBytes(line, "requests").Int(); got != 10 {
		t.Errorf("expected requests=10, got %d", got)
	}
	if got := gjson.GetBytes(line, "apdex").Float(); got != 0.9 {
		t.Errorf("expected apdex=0.9, got %v", got)
	}
	if got := gjson.GetBytes(line, "requests_elapsed").Float(); got != 700 {
		t.Errorf("expected requests_elapsed=700, got %v", got)
	}
	if !m.HasTraffic() {
		t.Error("expected HasTraffic")
	}
}

func TestNewIdentity(t *testing.T) {
	a := NewIdentity("")
	b := NewIdentity("svc")

	host, _ := os.Hostname()
	if host != "" && a.Name != host {
		t.Errorf("expected hostname as default name, got %q", a.Name)
	}
	if b.Name != "svc" {
		t.Errorf("expected name svc, got %q", b.Name)
	}
	if a.Instance != a.Host+"-"+strconv.Itoa(os.Getpid()) {
		t.Errorf("unexpected instance %q", a.Instance)
	}
	if a.Run == "" || a.Run == b.Run {
		t.Errorf("expected distinct run ids, got %q and %q", a.Run, b.Run)
	}
}

func TestMilliseconds(t *testing.T) {
	if got := Milliseconds(1500 * time.Microsecond); got != 1.5 {
		t.Errorf("expected 1.5, got %v", got)
	}
}
