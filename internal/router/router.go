// Package router implements the resource-aware forwarding agent.
//
// # Forwarding
//
// A router accepts traffic from its leaf nodes and neighbor routers,
// filters it through its firewall, copies admitted traffic to its monitors,
// and forwards along the lowest-cost minimum-hop path. Forwarding charges
// the router's ledger; denied messages are dropped without charge.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/internal/firewall"
	"github.com/netfabric/meshguard/internal/resource"
	"github.com/netfabric/meshguard/internal/topology"
	"github.com/netfabric/meshguard/pkg/types"
)

// Config tunes a router's load model.
type Config struct {
	// BaseCPU/BaseBW are the idle loads.
	BaseCPU float64
	BaseBW  float64

	// Per-forward task charge and how long it lingers.
	ForwardCPULoad  float64
	ForwardBWLoad   float64
	ForwardDuration time.Duration

	// ReceiveTimeout paces the main loop.
	ReceiveTimeout time.Duration
}

// DefaultConfig returns the reference load model: 15%/8% idle, +2%/+1.5%
// per forwarded message for two seconds.
func DefaultConfig() Config {
	return Config{
		BaseCPU:         15.0,
		BaseBW:          8.0,
		ForwardCPULoad:  2.0,
		ForwardBWLoad:   1.5,
		ForwardDuration: 2 * time.Second,
		ReceiveTimeout:  250 * time.Millisecond,
	}
}

// Router is one forwarding agent in the fabric.
type Router struct {
	agent  *bus.Agent
	cfg    Config
	graph  *topology.Graph
	ledger *resource.Ledger
	fw     *firewall.Firewall
	usage  topology.UsageFunc
	logger *slog.Logger

	monitors []types.Identity
}

// New creates a router agent for id. usage reads other routers' utilization
// for path costing; monitors receive traffic copies and threat alerts.
func New(id types.Identity, b *bus.Bus, graph *topology.Graph, fw *firewall.Firewall,
	usage topology.UsageFunc, monitors []types.Identity, cfg Config, logger *slog.Logger) *Router {

	agent := bus.NewAgent(id, b, logger)
	return &Router{
		agent:    agent,
		cfg:      cfg,
		graph:    graph,
		ledger:   resource.NewLedger(cfg.BaseCPU, cfg.BaseBW),
		fw:       fw,
		usage:    usage,
		monitors: monitors,
		logger:   agent.Logger(),
	}
}

// ID returns the router's identity.
func (r *Router) ID() types.Identity { return r.agent.ID() }

// Ledger exposes the router's resource ledger for path costing.
func (r *Router) Ledger() *resource.Ledger { return r.ledger }

// Firewall exposes the router's rule set for trust seeding at startup.
func (r *Router) Firewall() *firewall.Firewall { return r.fw }

// Start launches the forwarding loop.
func (r *Router) Start() {
	r.agent.Go("forward", r.run)
}

// Stop cancels all behaviours and drops the inbox.
func (r *Router) Stop() { r.agent.Stop() }

func (r *Router) run(ctx context.Context) {
	for ctx.Err() == nil {
		msg, ok := r.agent.Receive(r.cfg.ReceiveTimeout)
		if !ok {
			continue
		}
		r.handle(msg)
	}
}

func (r *Router) handle(msg types.Message) {
	switch msg.Protocol {
	case types.ProtocolControl:
		if msg.Dst == "" || msg.Dst == r.agent.ID() {
			r.handleControl(msg)
			return
		}
	case types.ProtocolThreatAlert:
		// Firewall alerts from leaf nodes relay straight to the monitors.
		r.relayAlert(msg)
		return
	}
	r.forward(msg)
}

// handleControl applies a firewall command addressed to this router.
func (r *Router) handleControl(msg types.Message) {
	cmd, err := types.ParseCommand(msg.Body)
	if err != nil {
		r.logger.Warn("rejected control command", "from", msg.From, "error", err)
		r.reply(msg, types.PerformativeFailure, "ERROR "+err.Error())
		return
	}
	result, err := r.fw.Apply(cmd)
	if err != nil {
		r.reply(msg, types.PerformativeFailure, "ERROR "+err.Error())
		return
	}
	r.reply(msg, types.PerformativeInform, result)
}

func (r *Router) reply(msg types.Message, perf types.Performative, body string) {
	r.agent.Send(types.Message{
		To:           msg.From,
		Performative: perf,
		Protocol:     types.ProtocolControl,
		ConvID:       msg.ConvID,
		Body:         body,
	})
}

// relayAlert forwards a node firewall's threat signal to every monitor.
func (r *Router) relayAlert(msg types.Message) {
	for _, m := range r.monitors {
		r.agent.Send(types.Message{
			To:           m,
			Performative: types.PerformativeInform,
			Protocol:     types.ProtocolThreatAlert,
			Body:         msg.Body,
			Origin:       msg.Sender(),
			Meta:         msg.Meta,
		})
	}
}

// forward routes a data message toward its destination.
func (r *Router) forward(msg types.Message) {
	decision := r.fw.Admit(msg)
	if !decision.Allowed {
		r.logger.Debug("dropped message",
			"from", msg.Sender(), "reason", string(decision.Reason))
		if decision.Signal != nil {
			r.raiseSignal(*decision.Signal)
		}
		// No forwarding charge for a dropped message.
		return
	}

	dst := msg.Dst
	if dst == "" {
		dst = msg.To
	}
	if dst == "" || dst == r.agent.ID() {
		r.logger.Debug("message without destination; dropping", "from", msg.Sender())
		return
	}

	ttl := msg.TTL
	if ttl == 0 {
		ttl = types.DefaultTTL
	}
	ttl--
	if ttl <= 0 {
		r.logger.Debug("TTL expired", "dst", dst)
		return
	}

	out := types.Message{
		To:           dst,
		Dst:          dst,
		Origin:       msg.Sender(),
		Via:          r.agent.ID(),
		TTL:          ttl,
		Performative: msg.Performative,
		Protocol:     msg.Protocol,
		ConvID:       msg.ConvID,
		Body:         msg.Body,
		Meta:         msg.Meta,
		Task:         msg.Task,
	}

	// Local delivery.
	for _, leaf := range r.graph.Leaves(r.agent.ID()) {
		if leaf == dst {
			r.dispatch(out, msg, dst)
			return
		}
	}

	// Remote delivery: route to the destination's home router.
	destRouter := dst
	if !r.graph.IsRouter(destRouter) {
		destRouter = r.graph.Home(dst)
	}
	if destRouter == "" {
		r.logger.Debug("no route", "dst", dst)
		return
	}

	path, err := r.graph.BestPath(r.agent.ID(), destRouter, r.usage)
	if err != nil {
		r.logger.Warn("path computation failed", "dst", dst, "error", err)
		return
	}
	next := path.NextHop()
	if next == "" {
		// Destination router is this router but the leaf is not local.
		r.logger.Debug("destination unreachable", "dst", dst)
		return
	}

	out.To = next
	r.dispatch(out, msg, dst)
	r.logger.Debug("forwarded", "dst", dst, "next_hop", next, "cost", path.Cost)
}

// dispatch charges the forwarding work, mirrors the message to the monitors,
// and sends it on. Messages dropped before a delivery decision never charge
// the ledger.
func (r *Router) dispatch(out, msg types.Message, dst types.Identity) {
	r.ledger.Record(r.cfg.ForwardCPULoad, r.cfg.ForwardBWLoad, r.cfg.ForwardDuration)
	r.copyToMonitors(msg, dst)
	r.agent.Send(out)
}

// copyToMonitors mirrors admitted traffic for inspection.
func (r *Router) copyToMonitors(msg types.Message, dst types.Identity) {
	for _, m := range r.monitors {
		r.agent.Send(types.Message{
			To:           m,
			Performative: types.PerformativeInform,
			Protocol:     types.ProtocolNetworkCopy,
			Body:         msg.Body,
			Origin:       msg.Sender(),
			Dst:          dst,
			Meta:         msg.Meta,
		})
	}
}

// raiseSignal reports a scan hit from the router's own firewall.
func (r *Router) raiseSignal(sig types.ThreatSignal) {
	for _, m := range r.monitors {
		r.agent.Send(types.Message{
			To:           m,
			Performative: types.PerformativeInform,
			Protocol:     types.ProtocolThreatAlert,
			Body:         string(sig.Threat) + ":" + sig.Reason,
			Origin:       sig.Offender,
			Meta: map[string]string{
				"threat":   string(sig.Threat),
				"offender": string(sig.Offender),
				"target":   string(sig.Target),
				"reason":   sig.Reason,
			},
		})
	}
}

// Snapshot returns the router's telemetry view.
func (r *Router) Snapshot() types.AgentSnapshot {
	u := r.ledger.Usage()
	return types.AgentSnapshot{
		ID:          r.agent.ID(),
		Kind:        "router",
		CPUUsage:    u.CPU,
		BWUsage:     u.BW,
		ActiveTasks: u.ActiveTasks,
		RuleCount:   r.fw.RuleCounts().Total(),
		TakenAt:     time.Now(),
	}
}
