// Package attack provides the scripted adversary agents used to drive the
// fabric: a malware spreader, a DDoS flooder, and an insider probing for
// access. Attackers are ordinary leaf endpoints; everything they send goes
// through their home router and its firewall like any other traffic.
package attack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/pkg/types"
)

// Kind selects the attack script.
type Kind string

const (
	KindMalware Kind = "malware"
	KindDDoS    Kind = "ddos"
	KindInsider Kind = "insider"
)

// ParseKind validates a configured attack kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMalware, KindDDoS, KindInsider:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown attack kind: %q", s)
}

// Config describes one scripted attacker.
type Config struct {
	Kind   Kind
	Home   types.Identity // home router
	Target types.Identity // victim leaf

	// StartDelay holds the attacker idle before the script begins.
	StartDelay time.Duration

	// Strain names the malware payload (malware only).
	Strain string

	// MessagesPerSecond and Burst pace the flood (ddos only).
	MessagesPerSecond float64
	Burst             int

	// Interval spaces the probes (malware and insider).
	Interval time.Duration

	// Count bounds the number of messages sent; zero means until stopped.
	Count int
}

// Attacker is one scripted adversary agent.
type Attacker struct {
	agent  *bus.Agent
	cfg    Config
	logger *slog.Logger
}

// New creates an attacker with the given identity and script.
func New(id types.Identity, b *bus.Bus, cfg Config, logger *slog.Logger) *Attacker {
	agent := bus.NewAgent(id, b, logger)
	return &Attacker{agent: agent, cfg: cfg, logger: agent.Logger()}
}

// ID returns the attacker's identity.
func (a *Attacker) ID() types.Identity { return a.agent.ID() }

// Start launches the attack script.
func (a *Attacker) Start() {
	switch a.cfg.Kind {
	case KindMalware:
		a.agent.Go("malware", a.runMalware)
	case KindDDoS:
		a.agent.Go("ddos", a.runDDoS)
	case KindInsider:
		a.agent.Go("insider", a.runInsider)
	}
}

// Stop cancels the script.
func (a *Attacker) Stop() { a.agent.Stop() }

func (a *Attacker) send(body string) {
	a.agent.Send(types.Message{
		To:           a.cfg.Home,
		Dst:          a.cfg.Target,
		Performative: types.PerformativeInform,
		Protocol:     types.ProtocolData,
		Body:         body,
	})
}

// runMalware alternates infection payloads with signature-bearing chatter.
func (a *Attacker) runMalware(ctx context.Context) {
	if !a.agent.Sleep(a.cfg.StartDelay) {
		return
	}
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	payloads := []string{
		"INFECT:" + a.cfg.Strain,
		"download this trojan update now",
		"INFECT:" + a.cfg.Strain,
	}
	for i := 0; ctx.Err() == nil; i++ {
		if a.cfg.Count > 0 && i >= a.cfg.Count {
			return
		}
		a.send(payloads[i%len(payloads)])
		if !a.agent.Sleep(interval) {
			return
		}
	}
}

// runDDoS floods the target at the configured rate. The limiter paces the
// send loop so the configured messages-per-second is an upper bound.
func (a *Attacker) runDDoS(ctx context.Context) {
	if !a.agent.Sleep(a.cfg.StartDelay) {
		return
	}
	perSec := a.cfg.MessagesPerSecond
	if perSec <= 0 {
		perSec = 50
	}
	burst := a.cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	limiter := rate.NewLimiter(rate.Limit(perSec), burst)

	for i := 0; ctx.Err() == nil; i++ {
		if a.cfg.Count > 0 && i >= a.cfg.Count {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		a.send(fmt.Sprintf("FLOOD packet %d", i))
	}
}

// runInsider probes with the access-abuse phrases the signature set knows.
func (a *Attacker) runInsider(ctx context.Context) {
	if !a.agent.Sleep(a.cfg.StartDelay) {
		return
	}
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	probes := []string{
		"failed login for account admin",
		"unauthorized access to records share",
		"failed login for account root",
	}
	for i := 0; ctx.Err() == nil; i++ {
		if a.cfg.Count > 0 && i >= a.cfg.Count {
			return
		}
		a.send(probes[i%len(probes)])
		if !a.agent.Sleep(interval) {
			return
		}
	}
}
