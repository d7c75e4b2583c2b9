// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	"net/http"

	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
)

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a structured error response. Any error is accepted;
// errors that are not *errors.Error are reported as INTERNAL.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	payload := *bridgeerrors.From(err)
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code bridgeerrors.Code, message string) {
	WriteError(w, r, bridgeerrors.NewWithDefault(code, message))
}
