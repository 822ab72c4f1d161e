// Package middleware provides HTTP middleware for Enclave.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/Enclave/internal/logger"
)

const headerRequestID = "X-Request-ID"

// RequestID is HTTP middleware that extracts X-Request-ID from the request
// header or mints a new one. Request ids use the same uuid scheme as agent,
// execution, and snapshot ids so every id in a log stream correlates
// uniformly. The ID is stored in the context and set on the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
