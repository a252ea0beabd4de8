package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutortrack_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutortrack_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutortrack_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutortrack_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutortrack_sync_pushes_total",
		Help: "Calendar push attempts by operation and outcome.",
	}, []string{"op", "outcome"})

	syncPullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutortrack_sync_pulls_total",
		Help: "Calendar pull runs by outcome.",
	}, []string{"outcome"})

	syncEventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutortrack_sync_events_applied_total",
		Help: "Pulled calendar events by action taken.",
	}, []string{"action"})

	webhookNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutortrack_webhook_notifications_total",
		Help: "Calendar webhook notifications by disposition.",
	}, []string{"disposition"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// CountPush records one calendar push attempt (op: create/update/delete).
func CountPush(op, outcome string) {
	syncPushesTotal.WithLabelValues(op, outcome).Inc()
}

// CountPull records one pull run.
func CountPull(outcome string) {
	syncPullsTotal.WithLabelValues(outcome).Inc()
}

// CountEventApplied records the action taken for one pulled event
// (created/updated/adopted/deleted/skipped/ignored).
func CountEventApplied(action string) {
	syncEventsAppliedTotal.WithLabelValues(action).Inc()
}

// CountWebhook records a webhook notification disposition
// (accepted/debounced/handshake/unknown-channel/malformed/error).
func CountWebhook(disposition string) {
	webhookNotificationsTotal.WithLabelValues(disposition).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
