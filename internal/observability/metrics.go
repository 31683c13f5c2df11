package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the conversation service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_client_handled_total",
			Help: "Total number of outbound gRPC calls completed.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	wsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_dropped_total",
			Help: "Channels closed because they could not keep up with fan-out.",
		},
		[]string{"reason"},
	)
	pipelineOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_pipeline_outcomes_total",
			Help: "Message pipeline operations by operation, final stage and error kind.",
		},
		[]string{"operation", "stage", "kind"},
	)
	pipelinePersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_pipeline_persist_duration_seconds",
			Help:    "Time spent persisting messages.",
			Buckets: prometheus.DefBuckets,
		},
	)
	typingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_typing_entries",
			Help: "Typing states currently held by the presence coordinator.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		wsDroppedTotal,
		pipelineOutcomesTotal,
		pipelinePersistDuration,
		typingEntries,
		amqpPublishErrorsTotal,
	)
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		statusInfo := status.Convert(err)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, statusInfo.Code().String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncWSDropped(reason string) {
	wsDroppedTotal.WithLabelValues(reason).Inc()
}

func IncPipelineOutcome(operation, stage, kind string) {
	pipelineOutcomesTotal.WithLabelValues(operation, stage, kind).Inc()
}

func ObservePersist(d time.Duration) {
	pipelinePersistDuration.Observe(d.Seconds())
}

func SetTypingEntries(n int) {
	typingEntries.Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
