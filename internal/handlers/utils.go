package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jjudge-oj/authserver/internal/validation"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the error payload. Details carries internal error text and
// is only populated when the server is configured to expose it.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// decodeJSON reads a single JSON object into dst. Unknown fields, wrong value
// types and trailing data are reported as *validation.Error; an empty body
// decodes to the zero value so that required-field checks produce the message.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return &validation.Error{Message: "request body must contain a single JSON object"}
		}
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return &validation.Error{Field: typeErr.Field, Message: fmt.Sprintf("%q must be a %s", typeErr.Field, typeErr.Type.String())}
	case errors.As(err, &maxErr):
		return &validation.Error{Message: "request body too large"}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return &validation.Error{Field: field, Message: fmt.Sprintf("%q is not allowed", field)}
	default:
		return &validation.Error{Message: "request body must be a JSON object"}
	}
}

func requestLogger(logger logrus.FieldLogger, r *http.Request) logrus.FieldLogger {
	return logger.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
	})
}
