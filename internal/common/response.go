package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the "error" member of every failure response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data wraps v as {"data": v}.
func Data(w http.ResponseWriter, status int, v any) {
	JSON(w, status, map[string]any{"data": v})
}

// JSONError writes {"error": {...}}.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{Code: code, Message: message, Details: details},
	})
}

// WriteError renders err and returns the status used. AppErrors keep their
// code and message; anything else becomes a bare 500 so internal causes never
// reach the client.
func WriteError(w http.ResponseWriter, err error) int {
	appErr, ok := AsAppError(err)
	if !ok {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return http.StatusInternalServerError
	}
	code := appErr.Code
	if code == "" {
		code = "BAD_REQUEST"
	}
	status := appErr.Status()
	JSONError(w, status, code, appErr.Message, appErr.Details)
	return status
}
