package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/threatguard/internal/domain/errors"
)

// Handler serves the ops API on top of a SecurityService
type Handler struct {
	svc    SecurityService
	cfg    Config
	logger *zap.Logger
}

// NewHandler creates the ops API handlers
func NewHandler(svc SecurityService, cfg Config) *Handler {
	return &Handler{svc: svc, cfg: cfg, logger: cfg.Logger}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.HealthTimeout)
	defer cancel()

	if err := h.svc.HealthCheck(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetSecurityStatus(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	alert, err := h.svc.SubmitEvent(r.Context(), req.Type, req.Subject, req.Details)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitEventResponse{Alert: alert})
}

func (h *Handler) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	writeJSON(w, http.StatusOK, BlockResponse{
		Subject:         subject,
		Blocked:         h.svc.IsBlocked(r.Context(), subject),
		ModelRestricted: h.svc.IsModelRestricted(r.Context(), subject),
	})
}

func (h *Handler) handleLiftBlock(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]

	lifted, err := h.svc.LiftBlock(r.Context(), subject)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !lifted {
		writeAppError(w, domainErrors.NewNotFoundError("block"))
		return
	}

	h.logger.Info("block lifted by operator",
		zap.String("subject", subject),
		zap.String("request_id", RequestIDFromContext(r.Context())))
	writeJSON(w, http.StatusOK, LiftBlockResponse{Subject: subject, Lifted: true})
}

func (h *Handler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	resolved, err := h.svc.ResolveAlert(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !resolved {
		writeAppError(w, domainErrors.ErrAlertNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ResolveAlertResponse{ID: id, Resolved: true})
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RulesResponse{Rules: h.svc.Rules()})
}

func (h *Handler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req UpdateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	updated, err := h.svc.UpdateDefenseRuleParameters(r.Context(), name, req.Conditions)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !updated {
		writeAppError(w, domainErrors.ErrRuleNotFound)
		return
	}

	for _, rule := range h.svc.Rules() {
		if rule.Name == name {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeAppError(w, domainErrors.ErrRuleNotFound)
}

func (h *Handler) handlePosture(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.CurrentPosture(r.Context()))
}

func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Classify(req.Payload))
}

// decode reads a JSON body into v, writing a 400 when it cannot
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "expected application/json")
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeAppError(w, domainErrors.NewValidationError("INVALID_JSON", "invalid request body: "+err.Error()).WithCause(err))
		return false
	}
	return true
}
