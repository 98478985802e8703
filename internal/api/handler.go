package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/casestore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Default and maximum page sizes for GET /cases.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Pinger is a dependency whose health can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	cases    *casestore.Store
	rules    *rules.Store
	review   *review.Coordinator
	metrics  *metrics.Aggregator
	bus      domain.EventBus
	checks   map[string]Pinger
	async    bool
	version  string
	now      func() time.Time
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SubmitResponse is returned by POST /events in async mode.
type SubmitResponse struct {
	CaseID string `json:"caseId"`
	Status string `json:"status"`
}

// RuleSetResponse is returned by the rule endpoints.
type RuleSetResponse struct {
	Rules     []RuleView `json:"rules"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RuleView is one rule in evaluation order.
type RuleView struct {
	Name      domain.RuleName `json:"name"`
	Threshold float64         `json:"threshold"`
	Enabled   bool            `json:"enabled"`
}

// Submit handles POST /events.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev domain.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid JSON request body",
			Code:  "invalid_event",
		})
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = h.now().UTC()
	}

	if h.async {
		caseID, err := h.pipeline.Enqueue(ctx, ev)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, SubmitResponse{CaseID: caseID, Status: "accepted"})
		return
	}

	caseID, err := h.pipeline.Submit(ctx, ev)
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.cases.Get(ctx, caseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListCases handles GET /cases?classification=&limit=.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	classification := domain.Classification(q.Get("classification"))
	if classification != "" && !classification.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown classification %q", domain.ErrValidation, classification))
		return
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation))
			return
		}
		limit = min(n, maxListLimit)
	}

	cases := h.cases.List(r.Context(), classification, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": cases,
		"count": len(cases),
	})
}

// Summary handles GET /summary?window=.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, r, fmt.Errorf("%w: window must be a non-negative duration", domain.ErrValidation))
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, h.metrics.Snapshot(r.Context(), window))
}

// GetRules handles GET /rules.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ruleSetResponse(h.rules.Snapshot()))
}

// SetRule handles PATCH /rules/{name}.
func (h *Handler) SetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := domain.RuleName(chi.URLParam(r, "name"))

	var upd domain.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid JSON request body",
			Code:  "validation_error",
		})
		return
	}

	rs, err := h.rules.SetRule(ctx, name, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.notifyRuleChange(ctx, rs)
	writeJSON(w, http.StatusOK, ruleSetResponse(rs))
}

// ReloadRules handles POST /rules/reload.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	changed, err := h.rules.Reload(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to reload rules", "error", err)
		writeError(w, r, err)
		return
	}

	rs := h.rules.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"version": rs.Version,
	})
}

// notifyRuleChange tells other instances to reload their snapshot.
func (h *Handler) notifyRuleChange(ctx context.Context, rs domain.RuleSet) {
	if h.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]int64{"version": rs.Version})
	if err := h.bus.Publish(ctx, domain.TopicRuleChanged, payload); err != nil {
		slog.WarnContext(ctx, "failed to publish rule change", "version", rs.Version, "error", err)
	}
}

// Review returns the handler for one review operation on /cases/{id}/....
func (h *Handler) Review(op review.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		c, err := h.review.Apply(ctx, op, chi.URLParam(r, "id"), GetReviewer(ctx))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

// Learning handles GET /learning.
func (h *Handler) Learning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.review.Learning())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, p := range h.checks {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready":  "false",
				"reason": name + ": " + err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func ruleSetResponse(rs domain.RuleSet) RuleSetResponse {
	out := RuleSetResponse{Version: rs.Version, UpdatedAt: rs.UpdatedAt}
	for _, name := range domain.RuleOrder {
		rule, _ := rs.Rule(name)
		out.Rules = append(out.Rules, RuleView{
			Name:      name,
			Threshold: rule.Threshold,
			Enabled:   rule.Enabled,
		})
	}
	return out
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, domain.ErrInvalidEvent):
		status, code = http.StatusBadRequest, "invalid_event"
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyTerminal):
		status, code = http.StatusConflict, "already_terminal"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "cancelled"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
