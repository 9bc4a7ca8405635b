package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the JSON envelope written by RespondError.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Respond writes data as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("encoding response body", "error", err)
	}
}

// RespondError writes a structured error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}
