package middleware

import (
	"net/http"
	"time"

	"stockroom/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// served runs next and reports what it answered.
func served(next http.Handler, w http.ResponseWriter, r *http.Request) (status, bytes int, took time.Duration) {
	start := time.Now()
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	next.ServeHTTP(ww, r)

	status = ww.Status()
	if status == 0 {
		// nothing written means net/http sends 200
		status = http.StatusOK
	}
	return status, ww.BytesWritten(), time.Since(start)
}

// routePattern is the matched chi pattern, so ids never end up in labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// LoggingMiddleware writes one entry per request once it completes.
// Server errors are logged at warn, everything else at info.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status, bytes, took := served(next, w, r)

			level := zapcore.InfoLevel
			if status >= http.StatusInternalServerError {
				level = zapcore.WarnLevel
			}
			if ce := logger.Check(level, "Request completed"); ce != nil {
				ce.Write(
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("route", routePattern(r)),
					zap.Int("status", status),
					zap.Int("bytes", bytes),
					zap.Duration("duration", took),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}
		})
	}
}

func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status, _, took := served(next, w, r)
			m.ObserveRequest(r.Method, routePattern(r), status, took)
		})
	}
}
