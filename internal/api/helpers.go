package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its HTTP status. Errors without a code are 500s
// and their text is not exposed.
func writeError(w http.ResponseWriter, err error) {
	var ae *schema.AutopilotError
	if !errors.As(err, &ae) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok": false, "error": map[string]string{"code": schema.ErrCodeStore, "message": "internal error"},
		})
		return
	}
	body := map[string]any{"code": ae.Code, "message": ae.Message}
	if len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	writeJSON(w, ae.HTTPStatus(), map[string]any{"ok": false, "error": body})
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "request body too large or unreadable").WithCause(err)
	}
	return b, nil
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err).WithCause(err)
	}
	return nil
}

// queryInt extracts a non-negative integer query param with a default.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}
