// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/concord/internal/adapters/server/common"
	"github.com/hylla/concord/internal/app"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// Caller identity headers. Body-level actor_id values take precedence.
const (
	HeaderActorID   = "X-Concord-Actor"
	HeaderLockToken = "X-Concord-Lock-Token"
)

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	service common.CoordinationService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter over the coordination service.
func NewHandler(service common.CoordinationService) *Handler {
	return &Handler{service: service}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    common.CodeServiceUnavailable,
			Message: "coordination service is not configured",
		})
		return
	}
	r = r.WithContext(withCallerHeaders(r))
	path := normalizePath(r.URL.Path)
	switch {
	case path == "permissions/check":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleCheckPermission(w, r)
	case path == "locks":
		switch r.Method {
		case http.MethodGet:
			h.handleListLocks(w, r)
		case http.MethodPost:
			h.handleAcquireLock(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case path == "locks/release":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleReleaseLock(w, r)
	case path == "versions":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleListVersions(w, r)
	case path == "conflicts":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleListConflicts(w, r)
	case path == "conflicts/detect":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleDetectConflict(w, r)
	case path == "logs":
		switch r.Method {
		case http.MethodGet:
			h.handleListLogs(w, r)
		case http.MethodPost:
			h.handleWriteLog(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case path == "operations/active":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleActiveOperations(w, r)
	default:
		if ref, ok := resolveDocumentRef(path); ok {
			switch r.Method {
			case http.MethodGet:
				h.handleGetDocument(w, r, ref)
			case http.MethodPut:
				h.handleWriteDocument(w, r, ref)
			case http.MethodDelete:
				h.handleDeleteDocument(w, r, ref)
			default:
				writeMethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
			}
			return
		}
		if conflictID, action, ok := resolveConflictPath(path); ok {
			switch {
			case action == "" && r.Method == http.MethodGet:
				h.handleGetConflict(w, r, conflictID)
			case action == "":
				writeMethodNotAllowed(w, http.MethodGet)
			case r.Method == http.MethodPost:
				h.handleResolveConflict(w, r, conflictID)
			default:
				writeMethodNotAllowed(w, http.MethodPost)
			}
			return
		}
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    common.CodeNotFound,
			Message: "endpoint not found",
		})
	}
}

// handleCheckPermission serves POST `/permissions/check`.
func (h *Handler) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	var req common.PermissionRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.CheckPermission(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListLocks serves GET `/locks`.
func (h *Handler) handleListLocks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	locks, err := h.service.ListLocks(r.Context(), common.ListLocksRequest{
		ResourceType: strings.TrimSpace(query.Get("resource_type")),
		DocumentID:   strings.TrimSpace(query.Get("document_id")),
		Status:       strings.TrimSpace(query.Get("status")),
		Limit:        limit,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locks": locks,
	})
}

// handleAcquireLock serves POST `/locks`.
func (h *Handler) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req common.AcquireLockRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	lock, err := h.service.AcquireLock(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

// handleReleaseLock serves POST `/locks/release`.
func (h *Handler) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req common.ReleaseLockRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.ReleaseLock(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetDocument serves GET `/documents/{resource_type}/{document_id}`.
func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request, ref common.DocumentRef) {
	doc, err := h.service.GetDocument(r.Context(), ref)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleWriteDocument serves PUT `/documents/{resource_type}/{document_id}`.
func (h *Handler) handleWriteDocument(w http.ResponseWriter, r *http.Request, ref common.DocumentRef) {
	var req common.WriteDocumentRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ResourceType = ref.ResourceType
	req.DocumentID = ref.DocumentID
	result, err := h.service.WriteDocument(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDeleteDocument serves DELETE `/documents/{resource_type}/{document_id}`.
func (h *Handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request, ref common.DocumentRef) {
	var payload struct {
		ActorID string `json:"actor_id"`
	}
	if err := decodeOptionalJSONBody(r.Context(), w, r, &payload); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.WriteDocument(r.Context(), common.WriteDocumentRequest{
		ResourceType:  ref.ResourceType,
		DocumentID:    ref.DocumentID,
		ActorID:       strings.TrimSpace(payload.ActorID),
		OperationKind: "delete",
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListVersions serves GET `/versions`.
func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	var since int64
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			writeErrorFrom(w, fmt.Errorf("since must be a non-negative integer: %w", common.ErrInvalidRequest))
			return
		}
	}
	versions, err := h.service.ListVersions(r.Context(), common.ListVersionsRequest{
		ResourceType: strings.TrimSpace(query.Get("resource_type")),
		DocumentID:   strings.TrimSpace(query.Get("document_id")),
		AuthorID:     strings.TrimSpace(query.Get("author_id")),
		SinceVersion: since,
		Limit:        limit,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
	})
}

// handleDetectConflict serves POST `/conflicts/detect`.
func (h *Handler) handleDetectConflict(w http.ResponseWriter, r *http.Request) {
	var req common.DetectConflictRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.DetectConflict(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListConflicts serves GET `/conflicts`.
func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	records, err := h.service.ListConflicts(r.Context(), common.ListConflictsRequest{
		ResourceType: strings.TrimSpace(query.Get("resource_type")),
		DocumentID:   strings.TrimSpace(query.Get("document_id")),
		Status:       strings.TrimSpace(query.Get("status")),
		Limit:        limit,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": records,
	})
}

// handleGetConflict serves GET `/conflicts/{id}`.
func (h *Handler) handleGetConflict(w http.ResponseWriter, r *http.Request, conflictID string) {
	record, err := h.service.GetConflict(r.Context(), conflictID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleResolveConflict serves POST `/conflicts/{id}/resolve`.
func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request, conflictID string) {
	var req common.ResolveConflictRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ConflictID = conflictID
	result, err := h.service.ResolveConflict(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWriteLog serves POST `/logs`.
func (h *Handler) handleWriteLog(w http.ResponseWriter, r *http.Request) {
	var req common.WriteLogRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	entry, err := h.service.WriteLog(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

// handleListLogs serves GET `/logs`.
func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	entries, err := h.service.ListLogs(r.Context(), common.ListLogsRequest{
		ActorID:       strings.TrimSpace(query.Get("actor_id")),
		OperationType: strings.TrimSpace(query.Get("operation_type")),
		Level:         strings.TrimSpace(query.Get("level")),
		Limit:         limit,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs": entries,
	})
}

// handleActiveOperations serves GET `/operations/active`.
func (h *Handler) handleActiveOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.service.ActiveOperations(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
	})
}

// withCallerHeaders attaches header-supplied caller identity to the request context.
func withCallerHeaders(r *http.Request) context.Context {
	actorID := strings.TrimSpace(r.Header.Get(HeaderActorID))
	token := strings.TrimSpace(r.Header.Get(HeaderLockToken))
	if actorID == "" && token == "" {
		return r.Context()
	}
	return app.WithCaller(r.Context(), app.CallerIdentity{ActorID: actorID, LockToken: token})
}

// resolveDocumentRef parses `/documents/{resource_type}/{document_id}`.
func resolveDocumentRef(path string) (common.DocumentRef, bool) {
	const prefix = "documents/"
	if !strings.HasPrefix(path, prefix) {
		return common.DocumentRef{}, false
	}
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(parts) != 2 {
		return common.DocumentRef{}, false
	}
	resourceType := strings.TrimSpace(parts[0])
	documentID := strings.TrimSpace(parts[1])
	if resourceType == "" || documentID == "" {
		return common.DocumentRef{}, false
	}
	return common.DocumentRef{ResourceType: resourceType, DocumentID: documentID}, true
}

// resolveConflictPath parses `/conflicts/{id}` and `/conflicts/{id}/resolve`.
func resolveConflictPath(path string) (string, string, bool) {
	const prefix = "conflicts/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return "", "", false
	}
	switch {
	case len(parts) == 1:
		return id, "", true
	case len(parts) == 2 && parts[1] == "resolve":
		return id, "resolve", true
	default:
		return "", "", false
	}
}

// parseLimit parses an optional positive limit query value.
func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer: %w", common.ErrInvalidRequest)
	}
	return limit, nil
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

// statusByCode maps shared error codes onto HTTP status codes.
var statusByCode = map[string]int{
	common.CodePermissionDenied:      http.StatusForbidden,
	common.CodeLockHeld:              http.StatusConflict,
	common.CodePotentialConflict:     http.StatusConflict,
	common.CodeNotFound:              http.StatusNotFound,
	common.CodeInvalidRequest:        http.StatusBadRequest,
	common.CodeUnsupportedStrategy:   http.StatusBadRequest,
	common.CodeAlreadyResolved:       http.StatusConflict,
	common.CodeResolutionUnavailable: http.StatusConflict,
	common.CodeInfrastructure:        http.StatusServiceUnavailable,
	common.CodeServiceUnavailable:    http.StatusServiceUnavailable,
	common.CodeInternal:              http.StatusInternalServerError,
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	class := common.ClassifyError(err)
	status, ok := statusByCode[class.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	writeJSONError(w, status, APIError{
		Code:    class.Code,
		Message: message,
		Hint:    class.Hint,
		Context: class.Context,
	})
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}
