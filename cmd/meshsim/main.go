package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/disposition-checker/internal/config"
	"github.com/signalsfoundry/disposition-checker/internal/eventloop"
	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/netsim"
	"github.com/signalsfoundry/disposition-checker/internal/observability"
	"github.com/signalsfoundry/disposition-checker/internal/transport/meshrpc"
)

// Config holds the settings of one mesh server.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	ConfigPath     string
	Scenario       string
	Strand         bool
}

func main() {
	grpcAddr := flag.String("grpc-addr", ":7070", "TCP address the mesh gRPC server listens on")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	configPath := flag.String("config", "", "Path to a YAML run config whose topology and mesh settings are served")
	scenario := flag.String("scenario", config.ScenarioChurn, "Built-in scenario whose topology is served when -config is empty")
	strand := flag.Bool("strand", false, "Drop deliveries crossing a removed connector instead of returning them modified")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg := Config{
		ListenAddress:  *grpcAddr,
		MetricsAddress: *metricsAddr,
		ConfigPath:     *configPath,
		Scenario:       *scenario,
		Strand:         *strand,
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv("meshsim"), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(stopCtx, cfg, log, lis); err != nil {
		log.Error(ctx, "mesh server failed", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the mesh on lis until ctx is cancelled.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	opts, err := meshOptions(cfg)
	if err != nil {
		return err
	}

	collector, err := observability.NewRPCCollector(nil)
	if err != nil {
		return fmt.Errorf("initialise metrics collector: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)

	loop := eventloop.New(log)
	mesh, err := netsim.New(loop.Scheduler(), opts, log)
	if err != nil {
		return err
	}
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go func() { _ = loop.Run(loopCtx) }()
	defer loop.Stop()

	server := meshrpc.NewServer(mesh, loop, log, collector).NewGRPCServer()
	serveErr := make(chan error, 1)
	log.Info(ctx, "starting mesh gRPC server",
		logging.String("addr", lis.Addr().String()),
		logging.Int("connectors", len(opts.Topology.Connectors)),
		logging.Bool("strand", opts.StrandOnRemoval),
	)
	go func() { serveErr <- server.Serve(lis) }()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err == grpc.ErrServerStopped {
			err = nil
		}
	}

	log.Info(context.Background(), "shutting down mesh server")
	stopGracefully(server, 5*time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}

// stopGracefully waits for open Attach streams to end, then forces them.
func stopGracefully(server *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		server.Stop()
	}
}

func meshOptions(cfg Config) (netsim.Options, error) {
	var c *config.Config
	if cfg.ConfigPath != "" {
		loaded, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return netsim.Options{}, err
		}
		c = loaded
	} else {
		preset, ok := config.Preset(cfg.Scenario)
		if !ok {
			return netsim.Options{}, fmt.Errorf("%w: unknown scenario %q", config.ErrInvalidConfig, cfg.Scenario)
		}
		c = preset
	}
	if err := c.ApplyEnv(); err != nil {
		return netsim.Options{}, err
	}
	r, err := c.Run()
	if err != nil {
		return netsim.Options{}, err
	}
	return netsim.Options{
		Topology:         r.Topology,
		LinkCapacity:     c.Mesh.LinkCapacity,
		HopLatency:       c.Mesh.HopLatency,
		ConvergenceDelay: c.Mesh.ConvergenceDelay,
		StrandOnRemoval:  c.Mesh.StrandOnRemoval || cfg.Strand,
	}, nil
}

func serveMetrics(addr string, collector *observability.RPCCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
