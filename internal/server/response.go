package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ahmethakanbesel/pricefeed/internal/apperror"
	"github.com/ahmethakanbesel/pricefeed/internal/failure"
)

type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	writeJSONMessage(w, status, "ok", data)
}

func writeJSONMessage[T any](w http.ResponseWriter, status int, message string, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: message,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[string]{
		Message: message,
		Data:    "",
	})
}

// writeErr maps an application or price failure to its HTTP status. Anything
// else is logged and reported as an internal error without details.
func writeErr(w http.ResponseWriter, err error) {
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	if kind, ok := failure.KindOf(err); ok {
		ae = fromFailure(kind, err)
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func fromFailure(kind failure.Kind, err error) *apperror.AppError {
	switch kind {
	case failure.NotFound, failure.Inactive:
		return apperror.New(apperror.NotFound, err.Error())
	case failure.RateLimit:
		return apperror.New(apperror.TooManyRequests, "price source rate limit reached, try again shortly")
	case failure.Network, failure.Timeout:
		return apperror.New(apperror.Unavailable, "price source unavailable, try again later")
	default:
		return apperror.New(apperror.Internal, "price source returned an unusable price")
	}
}
