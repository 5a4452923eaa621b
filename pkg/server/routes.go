package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/optimization"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/telemetry/health"
	"mercator-hq/costguard/pkg/telemetry/logging"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, s.recoverer)
	if s.tracer != nil {
		r.Use(s.tracer.Middleware)
	}
	r.Use(s.accessLog, s.limitBody)

	if s.health != nil {
		r.Get("/health", s.health.LivenessHandler())
		r.Get("/ready", s.health.ReadinessHandler())
	}
	if s.version != nil {
		r.Get("/version", health.VersionHandler(*s.version))
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(s.limitIngest).Post("/ingest", s.handleIngest)
		r.Post("/route", s.handleRoute)
		r.Get("/circuits", s.handleCircuits)
		r.Post("/alerts/{id}/ack", s.handleAcknowledge)

		r.Get("/scopes", s.handleScopes)
		r.Route("/scopes/{scope}", func(r chi.Router) {
			r.Use(withScope)
			r.Get("/budget", s.handleBudget)
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/release", s.handleRelease)
			r.Get("/circuit", s.handleCircuit)
			r.Post("/circuit/reset", s.handleCircuitReset)
			r.Get("/forecast", s.handleForecast)
			r.Get("/alerts", s.handleAlerts)
			r.Get("/alerts/summary", s.handleAlertSummary)
			r.Get("/report", s.handleReport)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrorTypeNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrorTypeInvalidRequest, "method not allowed")
	})
	return r
}

func withScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithScope(r.Context(), chi.URLParam(r, "scope"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func scopeParam(r *http.Request) string {
	return chi.URLParam(r, "scope")
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// unless required.
func decodeBody(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case errors.Is(err, io.EOF) && !required:
		return nil
	case errors.Is(err, io.EOF):
		return errors.New("request body is required")
	}
	return err
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		s.writeErr(w, r, err)
		return
	}
	writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, err.Error())
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	batch, err := s.backend.DecodeBatch(bytes.NewReader(body))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.backend.Ingest(r.Context(), batch)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleScopes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"scopes": s.backend.Scopes()})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Spend(scopeParam(r)))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req guard.RequestContext
	if err := decodeBody(r, &req, true); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if req.EstimatedCost < 0 {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "estimatedCost must not be negative")
		return
	}
	d, err := s.backend.Evaluate(r.Context(), scopeParam(r), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type releaseRequest struct {
	RequestID string `json:"requestId"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "requestId is required")
		return
	}
	if !s.backend.Release(scopeParam(r), req.RequestID) {
		writeError(w, http.StatusNotFound, ErrorTypeNotFound,
			fmt.Sprintf("no reservation for request %q", req.RequestID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Circuit(scopeParam(r)))
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"circuits": s.backend.Circuits()})
}

type resetRequest struct {
	Detail string `json:"detail"`
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.badRequest(w, r, err)
		return
	}
	st := s.backend.ResetCircuit(scopeParam(r), req.Detail)
	requestLogger(r, s.logger).Info("circuit reset via api")
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var horizon int
	if v := q.Get("horizon"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "horizon must be a non-negative number of days")
			return
		}
		horizon = n
	}
	view, err := s.backend.Forecast(scopeParam(r), horizon, forecast.Period(q.Get("period")))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.backend.Alerts(scopeParam(r))})
}

func (s *Server) handleAlertSummary(w http.ResponseWriter, r *http.Request) {
	var days int
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "days must be a positive number")
			return
		}
		days = n
	}
	writeJSON(w, http.StatusOK, s.backend.AlertSummary(scopeParam(r), days))
}

type ackRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.badRequest(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if !s.backend.AcknowledgeAlert(id, req.Action) {
		writeError(w, http.StatusNotFound, ErrorTypeNotFound, fmt.Sprintf("no active alert %q", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routing.Request
	if err := decodeBody(r, &req, true); err != nil {
		s.badRequest(w, r, err)
		return
	}
	d, err := s.backend.Route(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts optimization.ReportOptions
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start", &opts.Start}, {"end", &opts.End}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, p.name+" must be an RFC3339 timestamp")
			return
		}
		*p.dst = t
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() && !opts.Start.Before(opts.End) {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "start must be before end")
		return
	}
	opts.SkipRecommendations = q.Get("recommendations") == "false"

	rep, err := s.backend.Report(r.Context(), scopeParam(r), opts)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
