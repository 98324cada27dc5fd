package probe

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/appmetric/internal/record"
	"github.com/wudi/appmetric/internal/sampler"
)

// StatsResponse is the body of GET /metric/stats.
type StatsResponse struct {
	Identity record.Identity `json:"identity"`
	Sampler  sampler.Stats   `json:"sampler"`
	Totals   TotalsResponse  `json:"totals"`
}

// TotalsResponse holds the absolute request totals since Install.
type TotalsResponse struct {
	Requests        int64    `json:"requests"`
	RequestsElapsed float64  `json:"requests_elapsed"`
	Tolerated       int64    `json:"tolerated"`
	Apdex           *float64 `json:"apdex,omitempty"`
}

// Handler returns the admin handler:
//
//	GET /metric/last   latest record, 204 before the first tick
//	GET /metric/stats  sampler and request counters
//	GET /metrics       Prometheus exposition, when enabled
func (p *Probe) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metric/last", p.handleLast)
	mux.HandleFunc("GET /metric/stats", p.handleStats)
	if p.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (p *Probe) handleLast(w http.ResponseWriter, r *http.Request) {
	rec, ok := p.Last()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	line, err := rec.MarshalLine()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(line)
}

func (p *Probe) handleStats(w http.ResponseWriter, r *http.Request) {
	t := p.Totals()
	resp := StatsResponse{
		Identity: p.identity,
		Sampler:  p.sampler.Stats(),
		Totals: TotalsResponse{
			Requests:        t.Requests,
			RequestsElapsed: record.Milliseconds(t.Elapsed),
			Tolerated:       t.Tolerated,
		},
	}
	if score, ok := t.Apdex(); ok {
		resp.Totals.Apdex = &score
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
