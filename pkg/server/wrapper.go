package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HTTPError carries a status code through a handler's error return.
type HTTPError struct {
	Code   int
	Detail string
}

func (e *HTTPError) Error() string {
	return e.Detail
}

func NewHTTPError(code int, format string, args ...any) *HTTPError {
	return &HTTPError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrapper adapts a typed handler to http.HandlerFunc: the result is JSON
// encoded, errors become a JSON {"detail": ...} body with the right status.
func Wrapper[T any](handler func(w http.ResponseWriter, r *http.Request) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := handler(w, r)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				writeError(w, httpErr.Code, httpErr.Detail)
				return
			}
			log.Error().Err(err).Str("path", r.URL.Path).Msg("handler failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("failed to encode response")
		}
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
