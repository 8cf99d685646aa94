// Package controlapi exposes the dispatcher's runtime control surface as
// plain net/http JSON endpoints: link introspection, weight overrides, the
// spec's property table, a metrics snapshot, Prometheus exposition, and a
// liveness probe. It replaces the teacher's connect-rpc/protobuf service
// with the same "one listener, a handful of routes" shape, since the
// generated protobuf stubs that service depended on are not part of this
// retrieval (see DESIGN.md).
package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
	"github.com/rist-bonding/dispatcherd/internal/metrics"
)

// Dispatcher is the subset of *dispatcher.Dispatcher the control API
// drives, kept as an interface so handler tests can supply a fake instead
// of constructing real output links.
type Dispatcher interface {
	Links() []dispatcher.LinkSnapshot
	SetWeights(weights []float64) error
	SetAutoBalance(v bool)
	Tuning() dispatcher.Tuning
	SetTuning(t dispatcher.Tuning)
}

// MetricsIntervalSetter restarts the metrics-export timer at a new period,
// or stops it when the period is zero (spec.md §4.6: "Changing the
// interval restarts the timer; setting to 0 stops it"). *dispatcher.
// MetricsExporter implements this; tests may supply a fake.
type MetricsIntervalSetter interface {
	SetInterval(d time.Duration)
}

// Server wires an http.ServeMux exposing the routes documented in
// SPEC_FULL.md's "AMBIENT CONTROL SURFACE" section around a Dispatcher, a
// metrics snapshot cache, and a Prometheus gatherer.
type Server struct {
	logger    *slog.Logger
	dispatch  Dispatcher
	snapshots *metrics.SnapshotCache
	exporter  MetricsIntervalSetter
	mux       *http.ServeMux
}

// New builds a Server. snapshots may be nil, in which case
// /v1/metrics/snapshot always reports 503. exporter may be nil, in which
// case POST /v1/config/metrics-export-interval-ms updates Tuning but does
// not restart any timer.
func New(logger *slog.Logger, dispatch Dispatcher, snapshots *metrics.SnapshotCache, exporter MetricsIntervalSetter) *Server {
	s := &Server{logger: logger, dispatch: dispatch, snapshots: snapshots, exporter: exporter, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /v1/links", s.handleListLinks)
	s.mux.HandleFunc("POST /v1/links/weights", s.handleSetWeights)
	s.mux.HandleFunc("POST /v1/config/{property}", s.handleSetConfig)
	s.mux.HandleFunc("GET /v1/metrics/snapshot", s.handleSnapshot)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type linkView struct {
	Index       int     `json:"index"`
	ID          string  `json:"id"`
	Linked      bool    `json:"linked"`
	Weight      float64 `json:"weight"`
	PacketsSent uint64  `json:"packets_sent"`
	BytesSent   uint64  `json:"bytes_sent"`
	EWMAGoodput float64 `json:"ewma_goodput"`
	EWMARtxRate float64 `json:"ewma_rtx_rate"`
	EWMARTT     float64 `json:"ewma_rtt_ms"`
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	links := s.dispatch.Links()
	out := make([]linkView, len(links))
	for i, l := range links {
		out[i] = linkView{
			Index:       l.Index,
			ID:          l.ID,
			Linked:      l.Linked,
			Weight:      l.Weight,
			PacketsSent: l.PacketsSent,
			BytesSent:   l.BytesSent,
			EWMAGoodput: l.EWMAGoodput,
			EWMARtxRate: l.EWMARtxRate,
			EWMARTT:     l.EWMARTT,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type setWeightsRequest struct {
	Weights []float64 `json:"weights"`
}

func (s *Server) handleSetWeights(w http.ResponseWriter, r *http.Request) {
	var req setWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if err := s.dispatch.SetWeights(req.Weights); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Explicit weights imply the caller wants manual control; matches
	// ratectl.Controller.Attach disabling auto-balance on the same grounds.
	s.dispatch.SetAutoBalance(false)

	if s.logger != nil {
		s.logger.Info("controlapi: weights set via control API", slog.Any("weights", req.Weights))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type setConfigRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	property := r.PathValue("property")

	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	t := s.dispatch.Tuning()
	if err := applyProperty(&t, property, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.dispatch.SetTuning(t)

	if property == "metrics-export-interval-ms" && s.exporter != nil {
		s.exporter.SetInterval(t.MetricsInterval)
	}

	if s.logger != nil {
		s.logger.Info("controlapi: config property set", slog.String("property", property))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "property": property})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("controlapi: no metrics snapshot available yet"))
		return
	}

	snap, ok := s.snapshots.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("controlapi: no metrics snapshot available yet"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
