package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/disposition-checker/internal/config"
	"github.com/signalsfoundry/disposition-checker/internal/eventloop"
	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/netsim"
	"github.com/signalsfoundry/disposition-checker/internal/observability"
	"github.com/signalsfoundry/disposition-checker/internal/orchestrator"
	"github.com/signalsfoundry/disposition-checker/internal/sched"
	"github.com/signalsfoundry/disposition-checker/internal/transport"
	"github.com/signalsfoundry/disposition-checker/internal/transport/amqp"
	"github.com/signalsfoundry/disposition-checker/internal/transport/meshrpc"
	"github.com/signalsfoundry/disposition-checker/timectrl"
)

// Transport names accepted by -transport.
const (
	transportSim  = "sim"
	transportGRPC = "grpc"
	transportAMQP = "amqp"
)

var errInterrupted = errors.New("run interrupted")

// Options is the command line of one check.
type Options struct {
	ConfigPath    string
	Scenario      string
	Transport     string
	AddressPrefix string
	Accelerated   bool
	Tick          time.Duration
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML run config; overrides -scenario")
	scenario := flag.String("scenario", config.ScenarioChurn, "Built-in scenario: churn or spurious")
	transportName := flag.String("transport", transportSim, "Transport to the routers: sim, grpc or amqp")
	addressPrefix := flag.String("address-prefix", "", "Rewrite every router address to <prefix><node>, e.g. grpc://localhost:7070/")
	accelerated := flag.Bool("accelerated", true, "With -transport=sim, advance simulated time as fast as possible")
	tick := flag.Duration("tick", 10*time.Millisecond, "With -transport=sim, simulated time step")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv("dispocheck"), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}

	collector, err := observability.NewRunCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(2)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	res, err := run(ctx, Options{
		ConfigPath:    *configPath,
		Scenario:      *scenario,
		Transport:     *transportName,
		AddressPrefix: *addressPrefix,
		Accelerated:   *accelerated,
		Tick:          *tick,
	}, log, collector)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	cancel()
	if shutdownTracing != nil {
		observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	}

	code := 0
	switch {
	case err != nil:
		log.Error(ctx, "check did not complete", logging.Err(err))
		code = 2
	case !res.Passed:
		code = 1
	}
	if err == nil {
		fmt.Println(res.String())
	}
	stop()
	os.Exit(code)
}

// run executes one check and returns its verdict. An error means no verdict
// was reached.
func run(ctx context.Context, opts Options, log logging.Logger, metrics *observability.RunCollector) (orchestrator.Result, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return orchestrator.Result{}, err
	}
	r, err := cfg.Run()
	if err != nil {
		return orchestrator.Result{}, err
	}
	log.Info(ctx, "starting check",
		logging.String("run", r.Name),
		logging.String("transport", opts.Transport),
		logging.Int("messages", r.TotalMessages),
		logging.Int("removals", len(r.Steps)),
	)

	switch opts.Transport {
	case transportSim, "":
		return runSimulated(ctx, cfg, r, opts, log, metrics)
	case transportGRPC, transportAMQP:
		return runLive(ctx, r, opts.Transport, log, metrics)
	default:
		return orchestrator.Result{}, fmt.Errorf("unknown transport %q", opts.Transport)
	}
}

func loadConfig(opts Options) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		preset, ok := config.Preset(opts.Scenario)
		if !ok {
			return nil, fmt.Errorf("%w: unknown scenario %q", config.ErrInvalidConfig, opts.Scenario)
		}
		cfg = preset
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if opts.AddressPrefix != "" {
		cfg.WithAddressPrefix(opts.AddressPrefix)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runSimulated checks an in-process mesh. Simulated time is stepped by a
// TimeController whose listener drives the scheduler, so every callback runs
// on the controller goroutine.
func runSimulated(ctx context.Context, cfg *config.Config, r config.Run, opts Options, log logging.Logger, metrics *observability.RunCollector) (orchestrator.Result, error) {
	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), tick, mode)
	s := sched.NewEventScheduler(tc)

	mesh, err := netsim.New(s, netsim.Options{
		Topology:         r.Topology,
		LinkCapacity:     cfg.Mesh.LinkCapacity,
		HopLatency:       cfg.Mesh.HopLatency,
		ConvergenceDelay: cfg.Mesh.ConvergenceDelay,
		StrandOnRemoval:  cfg.Mesh.StrandOnRemoval,
	}, log)
	if err != nil {
		return orchestrator.Result{}, err
	}
	o, err := orchestrator.New(r, mesh, s, log, metrics)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if err := o.Start(ctx); err != nil {
		return orchestrator.Result{}, err
	}

	tc.AddListener(func(time.Time) {
		s.RunDue()
		if o.Finished() {
			tc.Stop()
		}
	})
	finished := tc.Start(0)

	select {
	case <-finished:
		return o.Result(), nil
	case <-ctx.Done():
		tc.Stop()
		<-finished
		if o.Finished() {
			return o.Result(), nil
		}
		return orchestrator.Result{}, errInterrupted
	}
}

// runLive checks routers reached over the network. Callbacks run on an
// event loop fed by the transport's goroutines.
func runLive(ctx context.Context, r config.Run, name string, log logging.Logger, metrics *observability.RunCollector) (orchestrator.Result, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop := eventloop.New(log)
	go func() { _ = loop.Run(loopCtx) }()
	defer loop.Stop()

	var network transport.Network
	switch name {
	case transportGRPC:
		n := meshrpc.NewNetwork(loopCtx, loop, log)
		defer n.Close()
		network = n
	default:
		network = amqp.NewNetwork(loopCtx, loop, log, r.LinkCapacity)
	}

	o, err := orchestrator.New(r, network, loop.Scheduler(), log, metrics)
	if err != nil {
		return orchestrator.Result{}, err
	}
	started := make(chan error, 1)
	loop.Post(func() { started <- o.Start(loopCtx) })
	select {
	case err := <-started:
		if err != nil {
			return orchestrator.Result{}, err
		}
	case <-ctx.Done():
		return orchestrator.Result{}, errInterrupted
	}

	select {
	case <-o.Done():
		return o.Result(), nil
	case <-ctx.Done():
		return orchestrator.Result{}, errInterrupted
	}
}

func serveMetrics(addr string, collector *observability.RunCollector, log logging.Logger) *http.Server {
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
