package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"opsync/internal/domain"
	"opsync/internal/lock"
	"opsync/internal/platform"
	"opsync/internal/store"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrInvalidPayload   = "invalid payload"
	ErrUnknownPlatform  = "unknown platform"
	ErrConflict         = "conflict"
	ErrBodyTooLarge     = "body too large"
)

// maxBody bounds inbound webhook and command bodies.
const maxBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

// status maps a service error to its HTTP status and public message.
func status(err error) (int, string) {
	var te *domain.TransitionError
	switch {
	case errors.Is(err, platform.ErrInvalidSignature):
		return http.StatusUnauthorized, ErrInvalidSignature
	case errors.Is(err, platform.ErrInvalidPayload), errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrInvalidJobArgs):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.As(err, &te), errors.Is(err, domain.ErrAgentOverCapacity),
		errors.Is(err, domain.ErrTenantSuspended):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrConflict), errors.Is(err, lock.ErrNotAcquired), errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, ErrConflict
	case errors.Is(err, platform.ErrUnknownPlatform):
		return http.StatusNotFound, ErrUnknownPlatform
	}
	var f *platform.Failure
	if errors.As(err, &f) {
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, ErrDependency
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := status(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := jsonBody(w, r, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ErrInvalidJSON})
		return false
	}
	return true
}

func jsonBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
}
