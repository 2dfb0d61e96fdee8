package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const logFieldsKey contextKey = "log_fields"

// logFields collects attributes that inner handlers add to the request's log
// line.
type logFields struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

// AddLogAttrs appends attributes to the request log line written by Logger.
// It is a no-op outside a Logger-wrapped request.
func AddLogAttrs(ctx context.Context, attrs ...slog.Attr) {
	f, ok := ctx.Value(logFieldsKey).(*logFields)
	if !ok {
		return
	}
	f.mu.Lock()
	f.attrs = append(f.attrs, attrs...)
	f.mu.Unlock()
}

// Logger returns an HTTP middleware that logs every request using structured
// logging: method, path, status, size, duration, request ID and any
// attributes added with AddLogAttrs. Probe endpoints log at debug level.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			fields := &logFields{}

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), logFieldsKey, fields)))

			duration := time.Since(start)
			level := slog.LevelInfo
			switch {
			case ww.status >= 500:
				level = slog.LevelError
			case ww.status >= 400:
				level = slog.LevelWarn
			case isProbe(r.URL.Path):
				level = slog.LevelDebug
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Float64("duration_ms", float64(duration.Microseconds())/1000.0),
				slog.Int("bytes", ww.bytes),
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			}
			fields.mu.Lock()
			attrs = append(attrs, fields.attrs...)
			fields.mu.Unlock()

			logger.LogAttrs(r.Context(), level, "request", attrs...)
		})
	}
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter, required for http.Flusher
// and other interface assertions through middleware chains.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
