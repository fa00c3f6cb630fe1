package middleware

import (
	"net"
	"net/http"
	"strconv"

	"chatsync/internal/metrics"
	"chatsync/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Observability wraps debug server handlers with a span, request metrics
// and one log line per request. Routes are labelled by their mux template so
// ids in paths do not explode the metric key space.
func Observability(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)

			ctx := tracing.StartOperation(r.Context())
			ctx, span := tracing.StartSpan(ctx, "debug_request",
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", remoteIP(r)),
			)
			defer span.End()
			r = r.WithContext(ctx)

			metrics.IncrementCounter("debug_requests_active", nil, "Currently active debug requests")
			defer metrics.AddToCounter("debug_requests_active", -1, nil, "Currently active debug requests")

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			setStatus(span, wrapper.statusCode)

			labels := map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}
			metrics.IncrementCounter("debug_requests_total", labels, "Debug server requests by status code")
			metrics.RecordTimer("debug_request_duration", duration, labels, "Debug server request duration")

			level := logrus.DebugLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			}
			logger.WithFields(logrus.Fields{
				"operation_id": tracing.GetOperationID(ctx),
				"trace_id":     tracing.GetOtelTraceID(ctx),
				"method":       r.Method,
				"endpoint":     route,
				"status_code":  wrapper.statusCode,
				"duration_ms":  duration.Milliseconds(),
				"size":         wrapper.responseSize,
			}).Log(level, "Debug request completed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// remoteIP is the peer address. The debug server binds to loopback, so
// forwarding headers are not trusted.
func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func setStatus(span oteltrace.Span, statusCode int) {
	if statusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(statusCode))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// responseWrapper captures response metrics
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
