package common

import (
	"errors"
	"time"

	"github.com/hylla/concord/internal/app"
	"github.com/hylla/concord/internal/domain"
)

// Error codes shared by the REST envelope and MCP tool errors.
const (
	CodePermissionDenied      = "permission_denied"
	CodeLockHeld              = "lock_held"
	CodePotentialConflict     = "potential_conflict"
	CodeNotFound              = "not_found"
	CodeInvalidRequest        = "invalid_request"
	CodeUnsupportedStrategy   = "unsupported_strategy"
	CodeAlreadyResolved       = "already_resolved"
	CodeResolutionUnavailable = "resolution_unavailable"
	CodeInfrastructure        = "infrastructure_error"
	CodeServiceUnavailable    = "service_unavailable"
	CodeInternal              = "internal_error"
)

// ErrorClass is the transport classification of one service error.
type ErrorClass struct {
	Code    string
	Hint    string
	Context map[string]any
}

// ClassifyError maps engine and adapter errors onto one stable error code.
func ClassifyError(err error) ErrorClass {
	var (
		held     *domain.LockHeldError
		conflict *domain.PotentialConflictError
		infra    *domain.InfrastructureError
	)
	switch {
	case err == nil:
		return ErrorClass{Code: CodeInternal}
	case errors.As(err, &held):
		return ErrorClass{
			Code: CodeLockHeld,
			Hint: "Retry after the holder releases the lease or it expires.",
			Context: map[string]any{
				"holder_id":     held.HolderID,
				"resource_type": held.ResourceType,
				"document_id":   held.DocumentID,
				"expires_at":    held.ExpiresAt.UTC().Format(time.RFC3339),
			},
		}
	case errors.As(err, &conflict):
		ctx := map[string]any{
			"kind":           string(conflict.Assessment.Kind),
			"base_version":   conflict.Assessment.BaseVersion,
			"latest_version": conflict.Assessment.LatestVersion,
		}
		if conflict.Assessment.HolderID != "" {
			ctx["holder_id"] = conflict.Assessment.HolderID
		}
		return ErrorClass{
			Code:    CodePotentialConflict,
			Hint:    "Re-read the document and retry from the latest version.",
			Context: ctx,
		}
	case errors.Is(err, domain.ErrLockHeld):
		return ErrorClass{Code: CodeLockHeld}
	case errors.Is(err, domain.ErrPotentialConflict):
		return ErrorClass{Code: CodePotentialConflict}
	case errors.Is(err, domain.ErrPermissionDenied):
		return ErrorClass{Code: CodePermissionDenied}
	case errors.Is(err, domain.ErrUnsupportedStrategy):
		return ErrorClass{
			Code:    CodeUnsupportedStrategy,
			Context: map[string]any{"supported": domain.SupportedStrategies()},
		}
	case errors.Is(err, domain.ErrConflictAlreadyResolved):
		return ErrorClass{Code: CodeAlreadyResolved}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, app.ErrNotFound),
		errors.Is(err, domain.ErrConflictRecordMissing):
		return ErrorClass{Code: CodeNotFound}
	case errors.Is(err, domain.ErrMergeRequiresManual):
		return ErrorClass{Code: CodeResolutionUnavailable, Hint: "Resolve with the manual strategy and a selected snapshot."}
	case errors.Is(err, domain.ErrMergeUnavailable),
		errors.Is(err, domain.ErrMissingAncestor),
		errors.Is(err, domain.ErrNoWinningVersion):
		return ErrorClass{Code: CodeResolutionUnavailable}
	case errors.Is(err, domain.ErrMissingSelection):
		return ErrorClass{Code: CodeInvalidRequest, Hint: "Provide the snapshot to apply."}
	case errors.As(err, &infra):
		return ErrorClass{Code: CodeInfrastructure, Context: map[string]any{"op": infra.Op}}
	case errors.Is(err, domain.ErrInfrastructure):
		return ErrorClass{Code: CodeInfrastructure}
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, app.ErrEngineClosed):
		return ErrorClass{Code: CodeServiceUnavailable}
	case isInvalidInput(err):
		return ErrorClass{Code: CodeInvalidRequest}
	default:
		return ErrorClass{Code: CodeInternal}
	}
}

// isInvalidInput reports whether err is a validation failure.
func isInvalidInput(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		app.ErrUnknownSyncRequest,
		app.ErrBusinessFuncNil,
		domain.ErrInvalidID,
		domain.ErrInvalidActor,
		domain.ErrInvalidResourceType,
		domain.ErrInvalidLease,
		domain.ErrInvalidVersion,
		domain.ErrInvalidOperationKind,
		domain.ErrInvalidLogLevel,
		domain.ErrInvalidSnapshot,
		domain.ErrInvalidRole,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
