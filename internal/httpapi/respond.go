// Package httpapi serves the HTTP/JSON surface on chi: search, ingest,
// store administration, ML pass-through, observability, and the WebSocket
// ingest endpoint.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ricelabs/rice/internal/errors"
)

// errorBody is the wire shape of every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the error kind onto a status code. Internal details are
// logged, never sent.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := errors.KindOf(err)
	status := kind.HTTPStatus()
	if status >= 500 && log != nil {
		log.Error("request failed", slog.String("kind", kind.String()), slog.String("error", err.Error()))
	}
	if kind == errors.KindThrottled {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{
		Error:   kind.String(),
		Code:    status,
		Message: errors.ClientMessage(err),
	})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Validation("invalid request body: %v", err)
	}
	return nil
}
