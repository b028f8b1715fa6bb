// Package env assembles a running fabric from a scenario configuration:
// the topology, one router agent per vertex, the leaf nodes, the monitor
// and response agents, scripted attackers, background traffic, and the
// telemetry surface.
package env

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/netfabric/meshguard/internal/attack"
	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/internal/config"
	"github.com/netfabric/meshguard/internal/detect"
	"github.com/netfabric/meshguard/internal/firewall"
	"github.com/netfabric/meshguard/internal/monitor"
	"github.com/netfabric/meshguard/internal/node"
	"github.com/netfabric/meshguard/internal/response"
	"github.com/netfabric/meshguard/internal/router"
	"github.com/netfabric/meshguard/internal/secrets"
	"github.com/netfabric/meshguard/internal/telemetry"
	"github.com/netfabric/meshguard/internal/topology"
	"github.com/netfabric/meshguard/pkg/types"
)

// MonitorName returns the canonical identity of monitor i.
func MonitorName(i int) types.Identity {
	return types.Identity(fmt.Sprintf("monitor%d", i))
}

// ResponderName returns the canonical identity of response agent i.
func ResponderName(i int) types.Identity {
	return types.Identity(fmt.Sprintf("response%d", i))
}

// AttackerName returns the canonical identity of attacker i.
func AttackerName(i int) types.Identity {
	return types.Identity(fmt.Sprintf("attacker%d", i))
}

// Env is one assembled simulation.
type Env struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *bus.Bus
	graph      *topology.Graph
	routers    map[types.Identity]*router.Router
	nodes      map[types.Identity]*node.Node
	monitors   []*monitor.Monitor
	responders []*response.Responder
	attackers  []*attack.Attacker
	traffic    []*trafficSource

	collector *telemetry.Collector
	stream    *telemetry.Stream
	server    *http.Server
	closers   []func()
}

// New assembles the fabric described by cfg. Telemetry sink credentials are
// resolved through the secrets provider.
func New(cfg *config.Config, provider secrets.Provider, logger *slog.Logger) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	shape, _ := topology.ParseShape(cfg.Topology.Shape)
	graph, err := topology.New(shape, cfg.Topology.Routers, cfg.Topology.NodesPerRouter, nil)
	if err != nil {
		return nil, fmt.Errorf("building topology: %w", err)
	}

	e := &Env{
		cfg:     cfg,
		logger:  logger,
		bus:     bus.New(logger),
		graph:   graph,
		routers: make(map[types.Identity]*router.Router),
		nodes:   make(map[types.Identity]*node.Node),
	}
	scanner := detect.NewScanner()

	var monitorIDs []types.Identity
	for i := 0; i < cfg.Monitor.Count; i++ {
		monitorIDs = append(monitorIDs, MonitorName(i))
	}
	var responderIDs []types.Identity
	for i := 0; i < cfg.Response.Count; i++ {
		responderIDs = append(responderIDs, ResponderName(i))
	}
	routerIDs := graph.Routers()

	// usage feeds path costing from every router's live ledger.
	usage := func(id types.Identity) (cpu, bw float64) {
		r, ok := e.routers[id]
		if !ok {
			return 0, 0
		}
		u := r.Ledger().Usage()
		return u.CPU, u.BW
	}

	for _, id := range routerIDs {
		fw := firewall.New(id, scanner, firewall.Hooks{}, logger)
		e.routers[id] = router.New(id, e.bus, graph, fw, usage, monitorIDs,
			router.DefaultConfig(), logger)
	}

	for _, id := range graph.AllLeaves() {
		e.nodes[id] = node.New(id, e.bus, graph.Home(id), scanner,
			node.DefaultConfig(), logger)
	}

	// Monitors and responders are trusted control senders everywhere.
	trusted := append(append([]types.Identity{}, monitorIDs...), responderIDs...)
	for _, id := range routerIDs {
		for _, t := range trusted {
			if err := e.routers[id].Firewall().Trust(t); err != nil {
				return nil, err
			}
		}
	}
	for _, n := range e.nodes {
		for _, t := range trusted {
			if err := n.Firewall().Trust(t); err != nil {
				return nil, err
			}
		}
	}

	sinks, err := e.buildSinks(cfg, provider)
	if err != nil {
		return nil, err
	}

	monCfg := monitor.DefaultConfig()
	monCfg.BidWindow = cfg.Monitor.BidWindow
	monCfg.MitigationTimeout = cfg.Monitor.MitigationTimeout
	monCfg.MaxRetries = cfg.Monitor.MaxRetries
	monCfg.RetryBackoff = cfg.Monitor.RetryBackoff
	monCfg.GracePeriod = cfg.Monitor.GracePeriod
	monCfg.RateWindow = cfg.Monitor.RateWindow
	monCfg.RateThreshold = cfg.Monitor.RateThreshold
	for _, id := range monitorIDs {
		e.monitors = append(e.monitors,
			monitor.New(id, e.bus, responderIDs, scanner, sinks, monCfg, logger))
	}

	respCfg := response.DefaultConfig()
	if cfg.Response.MaxConcurrent > 0 {
		respCfg.MaxConcurrent = cfg.Response.MaxConcurrent
	}
	for _, id := range responderIDs {
		e.responders = append(e.responders,
			response.New(id, e.bus, routerIDs, respCfg, logger))
	}

	for i, spec := range cfg.Attackers {
		kind, _ := attack.ParseKind(spec.Kind)
		e.attackers = append(e.attackers, attack.New(AttackerName(i), e.bus, attack.Config{
			Kind:              kind,
			Home:              topology.RouterName(spec.Router),
			Target:            types.Identity(spec.Target),
			StartDelay:        spec.StartDelay,
			Strain:            spec.Strain,
			MessagesPerSecond: spec.MessagesPerSecond,
			Burst:             spec.Burst,
			Interval:          spec.Interval,
			Count:             spec.Count,
		}, logger))
	}

	for i, spec := range cfg.Traffic {
		src, ok := e.nodes[types.Identity(spec.From)]
		if !ok {
			return nil, fmt.Errorf("traffic[%d]: unknown source node %s", i, spec.From)
		}
		e.traffic = append(e.traffic, newTrafficSource(src, spec))
	}

	e.buildTelemetry(cfg)
	return e, nil
}

// buildSinks resolves and connects the enabled incident-event sinks.
func (e *Env) buildSinks(cfg *config.Config, provider secrets.Provider) ([]monitor.EventSink, error) {
	var sinks []monitor.EventSink
	if !cfg.Telemetry.RedisEvents && !cfg.Telemetry.PostgresAudit {
		return nil, nil
	}
	if provider == nil {
		return nil, fmt.Errorf("telemetry sinks enabled but no secrets provider configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Telemetry.RedisEvents {
		url, err := provider.Get(cfg.Telemetry.RedisSecret)
		if err != nil {
			return nil, fmt.Errorf("resolving redis secret: %w", err)
		}
		sink, err := telemetry.NewRedisSink(ctx, url, telemetry.DefaultEventKey, 0)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		e.closers = append(e.closers, func() { sink.Close() })
		e.logger.Info("incident events mirrored to redis")
	}
	if cfg.Telemetry.PostgresAudit {
		dsn, err := provider.Get(cfg.Telemetry.PostgresSecret)
		if err != nil {
			return nil, fmt.Errorf("resolving postgres secret: %w", err)
		}
		sink, err := telemetry.NewPostgresSink(ctx, dsn)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		e.closers = append(e.closers, func() { sink.Close() })
		e.logger.Info("incident audit table enabled")
	}
	return sinks, nil
}

// buildTelemetry wires the snapshot collector and the websocket stream.
func (e *Env) buildTelemetry(cfg *config.Config) {
	e.collector = telemetry.NewCollector(e.bus.DroppedCounts, time.Second/2)
	for _, r := range e.routers {
		e.collector.Register(r)
	}
	for _, n := range e.nodes {
		e.collector.Register(n)
	}
	for _, m := range e.monitors {
		e.collector.Register(m)
	}
	for _, r := range e.responders {
		e.collector.Register(r)
	}

	e.stream = telemetry.NewStream(e.collector, cfg.Telemetry.StreamInterval, e.logger)

	mux := http.NewServeMux()
	mux.Handle("/telemetry", e.stream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	e.server = &http.Server{
		Addr:         cfg.Telemetry.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Node returns the leaf with the given identity.
func (e *Env) Node(id types.Identity) (*node.Node, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// Monitors returns the assembled monitor agents.
func (e *Env) Monitors() []*monitor.Monitor { return e.monitors }

// Run starts every agent and the telemetry server, blocks until ctx is
// cancelled, then stops everything in dependency order.
func (e *Env) Run(ctx context.Context) error {
	e.logger.Info("starting fabric",
		"shape", e.cfg.Topology.Shape,
		"routers", len(e.routers),
		"nodes", len(e.nodes),
		"monitors", len(e.monitors),
		"responders", len(e.responders),
		"attackers", len(e.attackers))

	for _, r := range e.responders {
		r.Start()
	}
	for _, m := range e.monitors {
		m.Start()
	}
	for _, r := range e.routers {
		r.Start()
	}
	for _, n := range e.nodes {
		n.Start()
	}
	for _, t := range e.traffic {
		t.Start()
	}
	for _, a := range e.attackers {
		a.Start()
	}

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go e.stream.Run(streamCtx)

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("telemetry listening", "addr", e.server.Addr)
		if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		e.logger.Error("telemetry server failed", "error", err)
	}

	e.logger.Info("stopping fabric")
	e.shutdown()
	return err
}

// shutdown stops agents attacker-first so the fabric quiesces before the
// infrastructure goes away.
func (e *Env) shutdown() {
	for _, a := range e.attackers {
		a.Stop()
	}
	for _, t := range e.traffic {
		t.Stop()
	}
	for _, n := range e.nodes {
		n.Stop()
	}
	for _, r := range e.routers {
		r.Stop()
	}
	for _, m := range e.monitors {
		m.Stop()
	}
	for _, r := range e.responders {
		r.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("telemetry shutdown error", "error", err)
	}
	for _, closeFn := range e.closers {
		closeFn()
	}
}
