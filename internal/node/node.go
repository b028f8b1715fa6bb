// Package node implements the leaf service agent: a message endpoint with
// its own firewall, resource ledger, and infection model.
package node

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/internal/detect"
	"github.com/netfabric/meshguard/internal/firewall"
	"github.com/netfabric/meshguard/internal/resource"
	"github.com/netfabric/meshguard/pkg/types"
)

// Config tunes a node's load model.
type Config struct {
	BaseCPU float64
	BaseBW  float64

	// Per-message processing charge.
	ProcessCPULoad  float64
	ProcessBWLoad   float64
	ProcessDuration time.Duration

	// InfectionSurcharge scales CPU charges while infected (1.2 = +20%).
	InfectionSurcharge float64

	ReceiveTimeout time.Duration
}

// DefaultConfig returns the reference node load model.
func DefaultConfig() Config {
	return Config{
		BaseCPU:            10.0,
		BaseBW:             5.0,
		ProcessCPULoad:     1.0,
		ProcessBWLoad:      0.5,
		ProcessDuration:    2 * time.Second,
		InfectionSurcharge: 1.2,
		ReceiveTimeout:     250 * time.Millisecond,
	}
}

// Node is one leaf endpoint attached to a home router.
type Node struct {
	agent  *bus.Agent
	cfg    Config
	home   types.Identity
	ledger *resource.Ledger
	fw     *firewall.Firewall
	logger *slog.Logger

	mu       sync.Mutex
	infected bool
	strain   string
}

// New creates a node homed on router home.
func New(id types.Identity, b *bus.Bus, home types.Identity, scanner *detect.Scanner,
	cfg Config, logger *slog.Logger) *Node {

	agent := bus.NewAgent(id, b, logger)
	n := &Node{
		agent:  agent,
		cfg:    cfg,
		home:   home,
		ledger: resource.NewLedger(cfg.BaseCPU, cfg.BaseBW),
		logger: agent.Logger(),
	}
	n.fw = firewall.New(id, scanner, firewall.Hooks{
		OnCure: n.cure,
	}, logger)
	return n
}

// ID returns the node's identity.
func (n *Node) ID() types.Identity { return n.agent.ID() }

// Firewall exposes the node's rule set for trust seeding at startup.
func (n *Node) Firewall() *firewall.Firewall { return n.fw }

// Ledger exposes the node's resource ledger for telemetry.
func (n *Node) Ledger() *resource.Ledger { return n.ledger }

// Infected reports the current infection state and strain.
func (n *Node) Infected() (bool, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.infected, n.strain
}

// Start launches the service loop.
func (n *Node) Start() {
	n.agent.Go("serve", n.run)
}

// Stop cancels all behaviours and drops the inbox.
func (n *Node) Stop() { n.agent.Stop() }

func (n *Node) run(ctx context.Context) {
	for ctx.Err() == nil {
		msg, ok := n.agent.Receive(n.cfg.ReceiveTimeout)
		if !ok {
			continue
		}
		n.handle(msg)
	}
}

func (n *Node) handle(msg types.Message) {
	if msg.Protocol == types.ProtocolControl {
		n.handleControl(msg)
		return
	}

	decision := n.fw.Admit(msg)
	if !decision.Allowed {
		n.logger.Debug("denied inbound message",
			"from", msg.Sender(), "reason", string(decision.Reason))
		if decision.Signal != nil {
			n.raiseSignal(*decision.Signal)
		}
		return
	}

	// Admitted traffic is chargeable work.
	n.charge(n.cfg.ProcessCPULoad, n.cfg.ProcessBWLoad, n.cfg.ProcessDuration)
	if msg.Task != nil {
		if err := msg.Task.Validate(); err != nil {
			n.logger.Warn("rejected task spec", "from", msg.Sender(), "error", err)
		} else {
			n.charge(msg.Task.CPULoad, msg.Task.BWLoad, msg.Task.Duration)
		}
	}

	body := strings.TrimSpace(msg.Body)
	switch {
	case strings.HasPrefix(body, "INFECT:"):
		n.infect(strings.TrimPrefix(body, "INFECT:"), msg.Sender())

	case body == "PING":
		n.replyData(msg, "PONG")

	case strings.HasPrefix(body, "REQUEST:"):
		n.replyData(msg, "RESPONSE:"+strings.TrimPrefix(body, "REQUEST:"))

	default:
		n.logger.Debug("received data", "from", msg.Sender(), "bytes", len(msg.Body))
	}
}

// handleControl applies a firewall command and replies with the result.
func (n *Node) handleControl(msg types.Message) {
	cmd, err := types.ParseCommand(msg.Body)
	if err == nil {
		var result string
		result, err = n.fw.Apply(cmd)
		if err == nil {
			n.reply(msg, types.PerformativeInform, types.ProtocolControl, result)
			return
		}
	}
	n.logger.Warn("control command failed", "from", msg.From, "error", err)
	n.reply(msg, types.PerformativeFailure, types.ProtocolControl, "ERROR "+err.Error())
}

// charge records a task on the ledger, applying the infection surcharge to
// CPU while infected.
func (n *Node) charge(cpu, bw float64, d time.Duration) {
	n.mu.Lock()
	if n.infected && n.cfg.InfectionSurcharge > 0 {
		cpu *= n.cfg.InfectionSurcharge
	}
	n.mu.Unlock()
	n.ledger.Record(cpu, bw, d)
}

// infect sets the infection flag. The payload itself normally never reaches
// this point because the signature scanner denies it; a whitelisted or
// unscanned sender can still land one.
func (n *Node) infect(strain string, from types.Identity) {
	n.mu.Lock()
	already := n.infected
	n.infected = true
	n.strain = strain
	n.mu.Unlock()

	if !already {
		n.logger.Warn("node infected", "strain", strain, "from", from)
	}
}

// cure clears the infection flag; wired as the firewall's CURE_INFECTION hook.
func (n *Node) cure(strain string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.infected {
		return nil
	}
	n.infected = false
	n.strain = ""
	n.logger.Info("infection cured", "strain", strain)
	return nil
}

// raiseSignal reports a scan hit to the home router, which relays it to the
// monitors.
func (n *Node) raiseSignal(sig types.ThreatSignal) {
	n.agent.Send(types.Message{
		To:           n.home,
		Performative: types.PerformativeInform,
		Protocol:     types.ProtocolThreatAlert,
		Body:         string(sig.Threat) + ":" + sig.Reason,
		Meta: map[string]string{
			"threat":   string(sig.Threat),
			"offender": string(sig.Offender),
			"target":   string(sig.Target),
			"reason":   sig.Reason,
		},
	})
}

// replyData answers service traffic through the home router.
func (n *Node) replyData(msg types.Message, body string) {
	n.agent.Send(types.Message{
		To:           n.home,
		Dst:          msg.Sender(),
		Performative: types.PerformativeInform,
		Protocol:     types.ProtocolData,
		ConvID:       msg.ConvID,
		Body:         body,
	})
}

func (n *Node) reply(msg types.Message, perf types.Performative, proto types.Protocol, body string) {
	n.agent.Send(types.Message{
		To:           msg.From,
		Performative: perf,
		Protocol:     proto,
		ConvID:       msg.ConvID,
		Body:         body,
	})
}

// SendData originates service traffic toward dst through the home router.
func (n *Node) SendData(dst types.Identity, body string, task *types.TaskSpec) {
	n.agent.Send(types.Message{
		To:           n.home,
		Dst:          dst,
		Performative: types.PerformativeInform,
		Protocol:     types.ProtocolData,
		Body:         body,
		Task:         task,
	})
}

// Snapshot returns the node's telemetry view.
func (n *Node) Snapshot() types.AgentSnapshot {
	u := n.ledger.Usage()
	infected, _ := n.Infected()
	return types.AgentSnapshot{
		ID:          n.agent.ID(),
		Kind:        "node",
		CPUUsage:    u.CPU,
		BWUsage:     u.BW,
		ActiveTasks: u.ActiveTasks,
		RuleCount:   n.fw.RuleCounts().Total(),
		Infected:    infected,
		TakenAt:     time.Now(),
	}
}
