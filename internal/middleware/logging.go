package middleware

import (
	"net/http"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logger logs portal API requests
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := GetStartTime(r.Context())
		if start.IsZero() {
			start = time.Now()
		}
		wrapped := newResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		GetLogger(r.Context(), m.log).HTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), m.clientIP(r))
	})
}
