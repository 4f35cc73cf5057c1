package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// slogFormatter adapts chi's request logger to slog.
type slogFormatter struct {
	logger *slog.Logger
}

type slogEntry struct {
	logger *slog.Logger
	r      *http.Request
}

func (f *slogFormatter) NewLogEntry(r *http.Request) chimw.LogEntry {
	return &slogEntry{
		logger: f.logger.With("request_id", chimw.GetReqID(r.Context())),
		r:      r,
	}
}

func (e *slogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	if status == 0 {
		status = http.StatusOK
	}
	e.logger.InfoContext(e.r.Context(), "request",
		"method", e.r.Method,
		"path", e.r.URL.Path,
		"status", status,
		"bytes", bytes,
		"duration", elapsed,
		"remote", e.r.RemoteAddr,
	)
}

func (e *slogEntry) Panic(v interface{}, stack []byte) {
	e.logger.ErrorContext(e.r.Context(), "panic serving request",
		"panic", v,
		"path", e.r.URL.Path,
		"stack", string(stack),
	)
}

// RequestLogger writes one access log line per request, tagged with the
// request id when RequestID ran first.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return chimw.RequestLogger(&slogFormatter{logger: logger})
}

// RequestID assigns each request an id, reusing a client-sent X-Request-Id.
func RequestID(next http.Handler) http.Handler {
	return chimw.RequestID(next)
}

// Recover turns a handler panic into a 500. The stack goes to the request's
// log entry, so it must run inside RequestLogger.
func Recover(next http.Handler) http.Handler {
	return chimw.Recoverer(next)
}

// Chain wraps h so RequestID runs first and Recover runs closest to h.
// Applied around the whole router, it also logs 404 and 405 responses.
func Chain(h http.Handler, logger *slog.Logger) http.Handler {
	return RequestID(RequestLogger(logger)(Recover(h)))
}
