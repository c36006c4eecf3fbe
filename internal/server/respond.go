package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/eaglechat/eaglechat-server/internal/tenant"
)

// errorBody is the wire shape for all error responses.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Kind     string `json:"kind,omitempty"`
	Provider string `json:"provider,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: errType, Message: message}})
}

// writeDomainError shapes taxonomy errors into responses. Validation and
// domain errors go back verbatim; signing errors collapse to a generic 401;
// integrity and store errors collapse to a generic 500 with details logged.
func writeDomainError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validationErr *tenant.ValidationError
		dupErr        *tenant.DuplicateError
		callbackErr   *tenant.CallbackError
		pkErr         *tenant.ProviderKeyError
	)

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "validation", validationErr.Error())

	case errors.As(err, &dupErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Type:    "duplicate_tenant",
			Kind:    string(dupErr.Kind),
			Message: dupErr.Error(),
		}})

	case errors.As(err, &callbackErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Type:     "callback_failed",
			Attempts: callbackErr.Attempts,
			Message:  callbackErr.Reason,
		}})

	case errors.As(err, &pkErr):
		writeProviderKeyError(w, pkErr)

	case errors.Is(err, tenant.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid tenant credentials")

	case errors.Is(err, tenant.ErrBadSignature),
		errors.Is(err, tenant.ErrStaleTimestamp),
		errors.Is(err, tenant.ErrHmacNotConfigured):
		// Generic to the caller; the specific reason is only logged.
		AddError(ctx, err)
		writeError(w, http.StatusUnauthorized, "unauthorized", "request authentication failed")

	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid tenant credentials")

	case errors.Is(err, tenant.ErrSealIntegrity):
		logger.Error("seal integrity failure", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")

	case errors.Is(err, tenant.ErrStoreUnavailable):
		logger.Error("tenant store unavailable", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "store_unavailable", "temporary storage outage, retry later")

	default:
		AddError(ctx, err)
		logger.Error("unhandled error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeProviderKeyError(w http.ResponseWriter, pkErr *tenant.ProviderKeyError) {
	detail := errorDetail{Provider: string(pkErr.Provider)}
	switch {
	case errors.Is(pkErr, tenant.ErrInvalidProviderKey):
		detail.Type = "invalid_provider_key"
		detail.Message = "provider rejected the api key"
		writeJSON(w, http.StatusBadRequest, errorBody{Error: detail})
	case errors.Is(pkErr, tenant.ErrNoProviderKey):
		detail.Type = "no_provider_key"
		detail.Message = "no api key configured for provider"
		writeJSON(w, http.StatusBadRequest, errorBody{Error: detail})
	case errors.Is(pkErr, tenant.ErrProbeUnavailable):
		detail.Type = "probe_unavailable"
		detail.Message = "provider unreachable during key validation"
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: detail})
	default:
		detail.Type = "provider_key_error"
		detail.Message = pkErr.Error()
		writeJSON(w, http.StatusBadRequest, errorBody{Error: detail})
	}
}
