package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cdcgateway/autherr"
)

const maxBodyBytes = 64 << 10

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its status and stable code. Internal failures
// never leak their cause to the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := autherr.CodeOf(err)
	status := autherr.StatusOf(err)
	message := "internal server error"

	var ae *autherr.Error
	if errors.As(err, &ae) && code != autherr.Internal {
		message = ae.Message
		if message == "" {
			message = string(ae.Code)
		}
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, "request failed",
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"code", code,
		"status", status,
		"error", err)

	writeJSON(w, status, errorBody{Error: string(code), Message: message})
}

// decodeJSON reads a bounded JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return autherr.Wrap(autherr.InvalidRequest, "request body must be JSON", err)
	}
	return nil
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func okMessage(format string, args ...any) messageResponse {
	return messageResponse{Success: true, Message: fmt.Sprintf(format, args...)}
}
