package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"identityresolver/internal/domainerrors"
	"identityresolver/internal/models"
)

const maxBodyBytes = 1 << 20

var (
	errInvalidJSON      = domainerrors.New(domainerrors.CodeInvalidJSON, "Invalid JSON.")
	errOnlyPostAllowed  = domainerrors.New(domainerrors.CodeMethodNotAllowed, "Only POST method allowed.")
	errMethodNotAllowed = domainerrors.New(domainerrors.CodeMethodNotAllowed, "Method not allowed.")
	errRouteNotFound    = domainerrors.New(domainerrors.CodeNotFound, "Not found.")
)

// Resolver is the identity resolution the handler delegates to.
type Resolver interface {
	Resolve(ctx context.Context, req models.IdentifyRequest) (*models.ConsolidatedIdentity, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	resolver Resolver
	logger   *zap.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(resolver Resolver, logger *zap.Logger) *IdentifyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentifyHandler{resolver: resolver, logger: logger}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errOnlyPostAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Debug("read identify body", zap.Error(err))
		writeError(w, errInvalidJSON)
		return
	}

	var req models.IdentifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Debug("decode identify body", zap.Error(err))
		writeError(w, errInvalidJSON)
		return
	}

	response, err := h.resolver.Resolve(r.Context(), req)
	if err != nil {
		if domainerrors.HTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error("identify failed", zap.Error(err))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MethodNotAllowed answers requests whose route exists for other methods.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, errMethodNotAllowed)
}

// NotFound answers requests for unknown routes.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, errRouteNotFound)
}

// WriteError renders err as a JSON error body with its mapped status.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, domainerrors.HTTPStatus(err), ErrorResponse{Error: domainerrors.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("error encoding response", zap.Error(err))
	}
}
