package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/appmetric/internal/procstat"
	"github.com/wudi/appmetric/internal/sink"
)

var fixedSource = procstat.SourceFunc(func(context.Context) (procstat.Snapshot, error) {
	return procstat.Snapshot{MemRSS: 1 << 20, NumCPU: 2, Goroutines: 5}, nil
})

func install(t *testing.T, cfg Config, opts ...Option) *Probe {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop()), WithSource(fixedSource)}, opts...)
	p, err := Install(cfg, opts...)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInstall_WritesDailyFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "metrics")
	p := install(t, Config{
		Name:                  "orders",
		OutputDir:             dir,
		SampleIntervalSeconds: 0.02,
	})

	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("Install should create the output dir: %v", err)
	}

	handler := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 5; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	waitFor(t, "traffic record", func() bool {
		rec, ok := p.Last()
		return ok && rec.HasTraffic()
	})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rec, _ := p.Last()
	path := filepath.Join(dir, "orders-metric."+rec.Time.Local().Format("2006-01-02")+".log")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected metric file %s: %v", path, err)
	}
	defer f.Close()

	var requests int64
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		line := sc.Text()
		if gjson.Get(line, "name").String() != "orders" {
			t.Errorf("unexpected name in %s", line)
		}
		if gjson.Get(line, "mem_rss").Int() != 1<<20 {
			t.Errorf("unexpected mem_rss in %s", line)
		}
		requests += gjson.Get(line, "requests").Int()
	}
	if lines == 0 {
		t.Fatal("expected at least one record")
	}
	if requests != 5 {
		t.Errorf("requests across records = %d, want 5", requests)
	}
}

func TestInstall_WithoutOutputDirKeepsRecordsInMemory(t *testing.T) {
	mem := sink.NewMemory(4)
	p := install(t, Config{SampleIntervalSeconds: 0.02}, WithSink("memory", mem))

	waitFor(t, "record", func() bool { return len(mem.Records()) > 0 })

	rec := mem.Records()[0]
	if rec.HasTraffic() {
		t.Error("idle interval should not carry traffic fields")
	}
	if rec.Name != p.Identity().Name || rec.Run != p.Identity().Run {
		t.Errorf("record identity %+v does not match probe %+v", rec.Identity, p.Identity())
	}
}

func TestInstall_Errors(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative interval", Config{SampleIntervalSeconds: -1}},
		{"negative apdex", Config{ApdexSatisfiedMs: -1}},
		{"output dir under a file", Config{OutputDir: filepath.Join(blocker, "metrics")}},
		{"output dir is a file", Config{OutputDir: blocker}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Install(tt.cfg, WithLogger(zap.NewNop()), WithSource(fixedSource))
			if err == nil {
				p.Shutdown(context.Background())
				t.Fatal("expected Install to fail")
			}
		})
	}
}

func TestInstall_DuplicatePrometheusRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{Name: "dup", SampleIntervalSeconds: 3600}
	cfg.Prometheus.Enabled = true

	install(t, cfg, WithRegisterer(reg))

	// Same name and instance on the same registry collides.
	if p, err := Install(cfg, WithLogger(zap.NewNop()), WithSource(fixedSource), WithRegisterer(reg)); err == nil {
		p.Shutdown(context.Background())
		t.Fatal("expected duplicate registration error")
	}
}

func TestHandler(t *testing.T) {
	cfg := Config{Name: "admin", SampleIntervalSeconds: 3600}
	cfg.Prometheus.Enabled = true
	p := install(t, cfg)

	h := p.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metric/last", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("/metric/last before first tick: expected 204, got %d", rr.Code)
	}

	p.Observe(time.Now().Add(-50 * time.Millisecond))
	p.Observe(time.Now().Add(-time.Second))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metric/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metric/stats: expected 200, got %d", rr.Code)
	}
	var stats StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Totals.Requests != 2 || stats.Totals.Tolerated != 1 {
		t.Errorf("totals = %+v, want 2 requests 1 tolerated", stats.Totals)
	}
	if stats.Totals.Apdex == nil || *stats.Totals.Apdex != 0.75 {
		t.Errorf("apdex = %v, want 0.75", stats.Totals.Apdex)
	}
	if stats.Sampler.State != "running" {
		t.Errorf("sampler state = %q, want running", stats.Sampler.State)
	}
	if stats.Identity.Name != "admin" {
		t.Errorf("identity name = %q, want admin", stats.Identity.Name)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "appmetric_requests_total") {
		t.Error("/metrics should expose the appmetric family")
	}
}

func TestHandler_LastAfterTick(t *testing.T) {
	p := install(t, Config{SampleIntervalSeconds: 0.02})
	waitFor(t, "record", func() bool { _, ok := p.Last(); return ok })

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metric/last", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !gjson.Get(rr.Body.String(), "timestamp").Exists() {
		t.Errorf("expected a record body, got %s", rr.Body.String())
	}
}

func TestHandler_MetricsDisabled(t *testing.T) {
	p := install(t, Config{SampleIntervalSeconds: 3600})

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 without prometheus, got %d", rr.Code)
	}
}

func TestReload(t *testing.T) {
	p := install(t, Config{SampleIntervalSeconds: 3600, ApdexSatisfiedMs: 100})

	if err := p.Reload(Config{SampleIntervalSeconds: 3600, ApdexSatisfiedMs: 500}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	p.Observe(time.Now().Add(-300 * time.Millisecond))
	if got := p.Totals().Tolerated; got != 0 {
		t.Errorf("300ms should be satisfied after raising the threshold, tolerated=%d", got)
	}

	if err := p.Reload(Config{SampleIntervalSeconds: -1}); err == nil {
		t.Error("expected invalid reload to fail")
	}
}

func TestWrap(t *testing.T) {
	p := install(t, Config{SampleIntervalSeconds: 3600})

	if err := p.Wrap(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if got := p.Totals().Requests; got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	p := install(t, Config{SampleIntervalSeconds: 3600})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestMultipleProbes(t *testing.T) {
	a := install(t, Config{Name: "a", SampleIntervalSeconds: 3600})
	b := install(t, Config{Name: "b", SampleIntervalSeconds: 3600})

	a.Observe(time.Now())
	if b.Totals().Requests != 0 {
		t.Error("probes must not share counters")
	}
	if a.Identity().Run == b.Identity().Run {
		t.Error("each probe should get its own run id")
	}
}
