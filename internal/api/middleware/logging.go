// logging.go — журнал HTTP-запросов Upload Module через slog.
//
// Запись содержит шаблон маршрута и ID ресурса из пути, для чанков —
// Content-Range и объём тела. Запросы /health/* и /metrics пишутся на DEBUG.
package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// responseWriter запоминает статус и число записанных байт ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack нужен для websocket upgrade за middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter не поддерживает Hijack")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger пишет одну запись на запрос после ответа.
// 5xx — ERROR, 4xx — WARN, /health/* и /metrics — DEBUG, остальное — INFO.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			route := routePattern(r)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes_out", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if id := chi.URLParam(r, "id"); id != "" {
				attrs = append(attrs, slog.String(resourceKey(route), id))
			}
			if cr := r.Header.Get("Content-Range"); cr != "" {
				attrs = append(attrs, slog.String("content_range", cr))
			}
			if r.ContentLength > 0 {
				attrs = append(attrs, slog.Int64("bytes_in", r.ContentLength))
			}

			logger.LogAttrs(r.Context(), requestLevel(route, wrapped.statusCode), "HTTP запрос", attrs...)
		})
	}
}

// resourceKey — имя атрибута для {id} маршрута.
func resourceKey(route string) string {
	if strings.HasPrefix(route, "/api/v1/tasks/") {
		return "task_id"
	}
	return "upload_id"
}

func requestLevel(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case strings.HasPrefix(route, "/health/") || route == "/metrics":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
