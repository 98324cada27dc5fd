package sink

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wudi/appmetric/internal/record"
)

// Prometheus mirrors the latest record onto gauges and accumulates request
// totals on counters.
type Prometheus struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	cpu, eventDelay, rss, heapTotal, heapUsed prometheus.Gauge
	load, handles, goroutines                 prometheus.Gauge
	qps, apdex, intervalRequests              prometheus.Gauge
	timestamp                                 prometheus.Gauge

	requests, requestsElapsed, tolerated prometheus.Counter
}

// NewPrometheus registers the metric family on reg. Labels identify the
// process so several probes can share one registry.
func NewPrometheus(reg prometheus.Registerer, namespace string, id record.Identity) (*Prometheus, error) {
	if namespace == "" {
		namespace = "appmetric"
	}
	labels := prometheus.Labels{"name": id.Name, "instance": id.Instance}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}

	p := &Prometheus{
		reg:              reg,
		cpu:              gauge("cpu_ratio", "CPU seconds used per wall second during the last interval."),
		eventDelay:       gauge("event_delay_milliseconds", "Lateness of the last sampling tick."),
		rss:              gauge("memory_rss_bytes", "Resident set size."),
		heapTotal:        gauge("memory_heap_total_bytes", "Heap memory obtained from the OS."),
		heapUsed:         gauge("memory_heap_used_bytes", "Heap memory in use."),
		load:             gauge("load_ratio", "One minute load average divided by CPU count."),
		handles:          gauge("active_handles", "Open file descriptors."),
		goroutines:       gauge("goroutines", "Live goroutines."),
		qps:              gauge("qps", "Requests per second during the last interval."),
		apdex:            gauge("apdex", "Apdex score of the last interval with traffic."),
		intervalRequests: gauge("interval_requests", "Requests completed during the last interval."),
		timestamp:        gauge("last_sample_timestamp_seconds", "Unix time of the last sample."),
		requests:         counter("requests_total", "Completed requests."),
		requestsElapsed:  counter("requests_elapsed_milliseconds_total", "Sum of request durations."),
		tolerated:        counter("requests_tolerated_total", "Requests slower than the apdex threshold."),
	}
	p.collectors = []prometheus.Collector{
		p.cpu, p.eventDelay, p.rss, p.heapTotal, p.heapUsed, p.load, p.handles,
		p.goroutines, p.qps, p.apdex, p.intervalRequests, p.timestamp,
		p.requests, p.requestsElapsed, p.tolerated,
	}

	for i, c := range p.collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range p.collectors[:i] {
				reg.Unregister(done)
			}
			return nil, fmt.Errorf("register prometheus collector: %w", err)
		}
	}
	return p, nil
}

// Append updates the gauges from rec. Without traffic, qps and the interval
// request count drop to zero and apdex keeps its last value.
func (p *Prometheus) Append(_ context.Context, rec *record.Metric) error {
	p.cpu.Set(rec.CPUPercentage)
	p.eventDelay.Set(rec.EventDelay)
	p.rss.Set(float64(rec.MemRSS))
	p.heapTotal.Set(float64(rec.MemHeapTotal))
	p.heapUsed.Set(float64(rec.MemHeapUsed))
	p.load.Set(rec.LoadPercentage)
	p.handles.Set(float64(rec.ActiveHandles))
	p.goroutines.Set(float64(rec.Goroutines))
	p.timestamp.Set(float64(rec.Timestamp))

	if !rec.HasTraffic() {
		p.qps.Set(0)
		p.intervalRequests.Set(0)
		return nil
	}
	p.qps.Set(rec.QPS)
	p.apdex.Set(rec.Apdex)
	p.intervalRequests.Set(float64(rec.Requests))
	p.requests.Add(float64(rec.Requests))
	p.requestsElapsed.Add(rec.RequestsElapsed)
	p.tolerated.Add(float64(rec.Tolerated))
	return nil
}

// Close unregisters the collectors.
func (p *Prometheus) Close() error {
	for _, c := range p.collectors {
		p.reg.Unregister(c)
	}
	return nil
}
