package app

import (
	"net/http"
	"strings"

	"github.com/cam3ron2/oss-participation/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Routes are the handlers served by the read-only HTTP surface.
type Routes struct {
	Metrics http.Handler
	Summary http.Handler
	// Health must serve /livez, /readyz, and /healthz.
	Health http.Handler
}

// NewHTTPHandler wires metrics, summary, and health endpoints on a single router.
func NewHTTPHandler(routes Routes) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	traceMode := telemetry.TraceMode()
	router.Method(http.MethodGet, "/metrics", wrapHTTPHandler(traceMode, "metrics", routes.Metrics))
	router.Method(http.MethodGet, "/summary.json", wrapHTTPHandler(traceMode, "summary", routes.Summary))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", routes.Health))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", routes.Health))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", routes.Health))
	return router
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("oss-participation/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
