package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCCollector bundles Prometheus metrics for the meshrpc server and provides
// helpers to wire them into gRPC servers and HTTP handlers.
type RPCCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests   *prometheus.CounterVec
	RPCDurations  *prometheus.HistogramVec
	StreamsActive prometheus.Gauge
	Frames        *prometheus.CounterVec

	MeshRouters    prometheus.Gauge
	MeshConnectors prometheus.Gauge
}

// NewRPCCollector registers meshrpc metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewRPCCollector(reg prometheus.Registerer) (*RPCCollector, error) {
	reg, gatherer := gathererFor(reg)

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrpc_requests_total",
		Help: "Total number of handled meshrpc calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "meshrpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshrpc_request_duration_seconds",
		Help:    "meshrpc call duration in seconds; for streams, the stream lifetime.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"service", "method"}), "meshrpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	streams, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshrpc_streams_active",
		Help: "Number of attached meshrpc streams.",
	}), "meshrpc_streams_active")
	if err != nil {
		return nil, err
	}

	frames, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshrpc_frames_total",
		Help: "Frames exchanged on meshrpc streams, labeled by direction and op.",
	}, []string{"direction", "op"}), "meshrpc_frames_total")
	if err != nil {
		return nil, err
	}

	routers, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_routers",
		Help: "Routers served by the simulated mesh.",
	}), "mesh_routers")
	if err != nil {
		return nil, err
	}
	connectors, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connectors",
		Help: "Live connectors in the simulated mesh.",
	}), "mesh_connectors")
	if err != nil {
		return nil, err
	}

	return &RPCCollector{
		gatherer:       gatherer,
		RPCRequests:    requests,
		RPCDurations:   durations,
		StreamsActive:  streams,
		Frames:         frames,
		MeshRouters:    routers,
		MeshConnectors: connectors,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RPCCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observe(fullMethod, start, err)
		return resp, err
	}
}

// StreamServerInterceptor records stream counts, lifetimes and the number of
// currently attached streams.
func (c *RPCCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		if c != nil && c.StreamsActive != nil {
			c.StreamsActive.Inc()
			defer c.StreamsActive.Dec()
		}
		err := handler(srv, ss)

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observe(fullMethod, start, err)
		return err
	}
}

func (c *RPCCollector) observe(fullMethod string, start time.Time, err error) {
	if c == nil {
		return
	}
	service, method := SplitMethod(fullMethod)
	if c.RPCRequests != nil {
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
	}
	if c.RPCDurations != nil {
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
	}
}

// ObserveFrame counts one frame; direction is "in" or "out".
func (c *RPCCollector) ObserveFrame(direction, op string) {
	if c == nil || c.Frames == nil {
		return
	}
	c.Frames.WithLabelValues(direction, op).Inc()
}

// SetMeshCounts updates the mesh size gauges.
func (c *RPCCollector) SetMeshCounts(routers, connectors int) {
	if c == nil {
		return
	}
	if c.MeshRouters != nil {
		c.MeshRouters.Set(float64(routers))
	}
	if c.MeshConnectors != nil {
		c.MeshConnectors.Set(float64(connectors))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RPCCollector) Handler() http.Handler {
	if c == nil {
		return handlerFor(nil)
	}
	return handlerFor(c.gatherer)
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
