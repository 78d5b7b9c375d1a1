package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"hrauth/internal/services/auth"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// decode reads a single JSON object and rejects unknown fields.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, auth.CodeInvalidArgument, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, auth.CodeInvalidArgument, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, auth.CodeInvalidArgument, "malformed JSON body")
		}
		return false
	}
	return true
}
