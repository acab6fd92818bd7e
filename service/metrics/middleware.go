package metrics

import (
	"net/http"
	"time"
)

// HTTPMetricsMiddleware records duration and status of every request served
// by next. handlerName should be the route pattern, not the raw path, so
// label cardinality stays bounded.
func HTTPMetricsMiddleware(m *Metrics, handlerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(handlerName, r.Method, wrapped.statusCode, time.Since(start).Seconds())
		})
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps streaming handlers working behind the middleware.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
