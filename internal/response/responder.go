// Package response implements the mitigation executor and auction bidder.
//
// # Bidding
//
// A responder answers every call for proposals with an availability score:
// its base CPU load plus a fixed surcharge per mitigation already in flight.
// Lower scores win, so the least-loaded responder takes the work. At the
// concurrency cap it refuses instead of bidding.
//
// # Mitigation
//
// Each threat class maps to a fixed command sequence executed with a fixed
// pause between phases. Commands travel as firewall-control messages to the
// enforcement points (routers) and, where relevant, to the victim node. The
// monitor hears STARTED when execution begins and DONE or FAILED when it
// ends.
package response

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/pkg/types"
)

// Config tunes bidding and mitigation execution.
type Config struct {
	// BaseCPU anchors the availability score.
	BaseCPU float64
	// MitigationLoad is the score surcharge per in-flight mitigation.
	MitigationLoad float64
	// MaxConcurrent caps in-flight mitigations; beyond it the responder
	// refuses CFPs.
	MaxConcurrent int

	// Phase pacing per threat class.
	MalwareStepDelay time.Duration
	DDoSStepDelay    time.Duration
	InsiderStepDelay time.Duration

	// DDoS enforcement parameters.
	RateLimitPerSecond int
	TempBlockFor       time.Duration

	// CompletedRetention bounds the local record of finished mitigations.
	CompletedRetention time.Duration
	CleanupInterval    time.Duration

	ReceiveTimeout time.Duration
}

// DefaultConfig returns the reference mitigation profile: malware phases at
// 0.3s, DDoS at 0.5s, insider at 0.7s.
func DefaultConfig() Config {
	return Config{
		BaseCPU:            10.0,
		MitigationLoad:     15.0,
		MaxConcurrent:      3,
		MalwareStepDelay:   300 * time.Millisecond,
		DDoSStepDelay:      500 * time.Millisecond,
		InsiderStepDelay:   700 * time.Millisecond,
		RateLimitPerSecond: 10,
		TempBlockFor:       15 * time.Second,
		CompletedRetention: 30 * time.Second,
		CleanupInterval:    5 * time.Second,
		ReceiveTimeout:     250 * time.Millisecond,
	}
}

// assignment is one accepted incident while its mitigation runs.
type assignment struct {
	incidentID string
	threat     types.ThreatType
	offender   types.Identity
	target     types.Identity
	monitor    types.Identity
	strain     string

	audited    bool
	done       bool
	resolved   bool
	finishedAt time.Time
}

// Responder is one mitigation-executor agent.
type Responder struct {
	agent     *bus.Agent
	cfg       Config
	enforcers []types.Identity
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*assignment
}

// New creates a responder that enforces through the given router identities.
func New(id types.Identity, b *bus.Bus, enforcers []types.Identity,
	cfg Config, logger *slog.Logger) *Responder {

	agent := bus.NewAgent(id, b, logger)
	return &Responder{
		agent:     agent,
		cfg:       cfg,
		enforcers: enforcers,
		logger:    agent.Logger(),
		active:    make(map[string]*assignment),
	}
}

// ID returns the responder's identity.
func (r *Responder) ID() types.Identity { return r.agent.ID() }

// Start launches the receive and cleanup behaviours.
func (r *Responder) Start() {
	r.agent.Go("receive", r.run)
	r.agent.Every("cleanup", r.cfg.CleanupInterval, func(context.Context) {
		r.cleanup(time.Now())
	})
}

// Stop cancels all behaviours and drops the inbox.
func (r *Responder) Stop() { r.agent.Stop() }

func (r *Responder) run(ctx context.Context) {
	for ctx.Err() == nil {
		msg, ok := r.agent.Receive(r.cfg.ReceiveTimeout)
		if !ok {
			continue
		}
		if msg.Protocol != types.ProtocolCNP {
			continue
		}
		switch msg.Performative {
		case types.PerformativeCFP:
			r.onCFP(msg)
		case types.PerformativeAccept:
			r.onAccept(msg)
		case types.PerformativeReject:
			// Nothing reserved at bid time, so nothing to release.
		}
	}
}

// Score returns the current availability score. Lower is better.
func (r *Responder) Score() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.BaseCPU + r.cfg.MitigationLoad*float64(r.inFlightLocked())
}

func (r *Responder) inFlightLocked() int {
	n := 0
	for _, a := range r.active {
		if !a.done {
			n++
		}
	}
	return n
}

// onCFP bids on an auction round, or refuses at the concurrency cap.
func (r *Responder) onCFP(msg types.Message) {
	r.mu.Lock()
	inFlight := r.inFlightLocked()
	score := r.cfg.BaseCPU + r.cfg.MitigationLoad*float64(inFlight)
	r.mu.Unlock()

	if inFlight >= r.cfg.MaxConcurrent {
		r.agent.Send(types.Message{
			To:           msg.From,
			Performative: types.PerformativeRefuse,
			Protocol:     types.ProtocolCNP,
			ConvID:       msg.ConvID,
			Body:         "REFUSE:at-capacity",
		})
		return
	}

	r.agent.Send(types.Message{
		To:           msg.From,
		Performative: types.PerformativePropose,
		Protocol:     types.ProtocolCNP,
		ConvID:       msg.ConvID,
		Body:         fmt.Sprintf("PROPOSE:%.1f", score),
		Meta:         map[string]string{"score": fmt.Sprintf("%g", score)},
	})
}

// onAccept takes ownership of an awarded incident and starts its mitigation
// as a dedicated behaviour.
func (r *Responder) onAccept(msg types.Message) {
	threat := types.ThreatType(msg.MetaValue("threat"))
	offender := types.Identity(msg.MetaValue("offender"))
	if !threat.Valid() || offender == "" {
		r.logger.Warn("award missing threat descriptor", "incident", msg.ConvID)
		r.report(msg.From, msg.ConvID, "FAILED:malformed-award")
		return
	}

	a := &assignment{
		incidentID: msg.ConvID,
		threat:     threat,
		offender:   offender,
		target:     types.Identity(msg.MetaValue("target")),
		monitor:    msg.From,
		strain:     msg.MetaValue("strain"),
	}
	if a.strain == "" {
		a.strain = string(offender)
	}

	r.mu.Lock()
	if _, dup := r.active[a.incidentID]; dup {
		r.mu.Unlock()
		return
	}
	r.active[a.incidentID] = a
	r.mu.Unlock()

	r.agent.Go("mitigate:"+a.incidentID, func(ctx context.Context) {
		r.mitigate(a)
	})
}

// mitigate runs the phase sequence for one assignment and reports back.
func (r *Responder) mitigate(a *assignment) {
	r.report(a.monitor, a.incidentID, "STARTED:"+a.incidentID)
	r.logger.Info("mitigation started",
		"incident", a.incidentID, "threat", string(a.threat), "offender", string(a.offender))

	var ok bool
	switch a.threat {
	case types.ThreatMalware:
		ok = r.mitigateMalware(a)
	case types.ThreatDDoS:
		ok = r.mitigateDDoS(a)
	case types.ThreatInsider:
		ok = r.mitigateInsider(a)
	}

	r.finish(a, ok)
	if ok {
		r.report(a.monitor, a.incidentID, "DONE:"+a.incidentID)
	} else {
		r.report(a.monitor, a.incidentID, "FAILED:"+a.incidentID)
	}
}

// mitigateMalware blocks the source, advises quarantine, then attempts the
// cure. Strains whose digest parity is odd resist the cure and fail the
// mitigation.
func (r *Responder) mitigateMalware(a *assignment) bool {
	r.enforce(types.Command{Kind: types.CmdBlock, Subject: a.offender})
	if !r.agent.Sleep(r.cfg.MalwareStepDelay) {
		return false
	}

	r.enforce(types.Command{Kind: types.CmdQuarantine, IncidentID: a.incidentID})
	if a.target != "" {
		r.command(a.target, types.Command{Kind: types.CmdQuarantine, IncidentID: a.incidentID})
	}
	if !r.agent.Sleep(r.cfg.MalwareStepDelay) {
		return false
	}

	if !CureSucceeds(a.strain) {
		r.logger.Warn("strain resisted cure", "incident", a.incidentID, "strain", a.strain)
		return false
	}
	if a.target != "" {
		r.command(a.target, types.Command{Kind: types.CmdCureInfection, Strain: a.strain})
	}
	return true
}

// mitigateDDoS throttles the source, temp-blocks it while the throttle
// takes effect, then re-checks for a sustained attack: the rate limit is
// re-asserted so an offender still flooding when the temp block expires
// meets the throttle instead of an open gate.
func (r *Responder) mitigateDDoS(a *assignment) bool {
	limit := types.Command{
		Kind:         types.CmdRateLimit,
		Subject:      a.offender,
		MaxPerSecond: r.cfg.RateLimitPerSecond,
	}
	r.enforce(limit)
	if !r.agent.Sleep(r.cfg.DDoSStepDelay) {
		return false
	}

	r.enforce(types.Command{
		Kind:     types.CmdTempBlock,
		Subject:  a.offender,
		BlockFor: r.cfg.TempBlockFor,
	})
	if !r.agent.Sleep(r.cfg.DDoSStepDelay) {
		return false
	}

	// Sustained-attack re-check.
	r.enforce(limit)
	r.logger.Info("sustained-attack re-check",
		"incident", a.incidentID, "offender", string(a.offender))
	return true
}

// mitigateInsider suspends the account, audits its access, alerts the
// administrators, then blocks permanently. The audit phase is log-only and
// produces no enforcement command.
func (r *Responder) mitigateInsider(a *assignment) bool {
	r.enforce(types.Command{Kind: types.CmdSuspend, Subject: a.offender})
	if !r.agent.Sleep(r.cfg.InsiderStepDelay) {
		return false
	}

	r.auditAccess(a)
	if !r.agent.Sleep(r.cfg.InsiderStepDelay) {
		return false
	}

	r.enforce(types.Command{
		Kind:       types.CmdAdminAlert,
		Threat:     types.ThreatInsider,
		IncidentID: a.incidentID,
		Subject:    a.offender,
	})
	if !r.agent.Sleep(r.cfg.InsiderStepDelay) {
		return false
	}

	r.enforce(types.Command{Kind: types.CmdBlock, Subject: a.offender})
	return true
}

// auditAccess records the access review for the incident record.
func (r *Responder) auditAccess(a *assignment) {
	r.mu.Lock()
	a.audited = true
	r.mu.Unlock()
	r.logger.Info("access audit",
		"incident", a.incidentID, "offender", string(a.offender))
}

// enforce sends a command to every enforcement point.
func (r *Responder) enforce(cmd types.Command) {
	for _, e := range r.enforcers {
		r.command(e, cmd)
	}
}

func (r *Responder) command(to types.Identity, cmd types.Command) {
	r.agent.Send(types.Message{
		To:           to,
		Performative: types.PerformativeInform,
		Protocol:     types.ProtocolControl,
		Body:         cmd.Encode(),
	})
}

func (r *Responder) report(monitor types.Identity, incidentID, body string) {
	perf := types.PerformativeInform
	if len(body) >= 6 && body[:6] == "FAILED" {
		perf = types.PerformativeFailure
	}
	r.agent.Send(types.Message{
		To:           monitor,
		Performative: perf,
		Protocol:     types.ProtocolReport,
		ConvID:       incidentID,
		Body:         body,
	})
}

// finish marks the assignment complete.
func (r *Responder) finish(a *assignment, resolved bool) {
	r.mu.Lock()
	a.done = true
	a.resolved = resolved
	a.finishedAt = time.Now()
	r.mu.Unlock()
}

// cleanup drops finished assignments past the retention period.
func (r *Responder) cleanup(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.active {
		if a.done && now.Sub(a.finishedAt) >= r.cfg.CompletedRetention {
			delete(r.active, id)
		}
	}
}

// InFlight returns the number of running mitigations.
func (r *Responder) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlightLocked()
}

// CureSucceeds decides whether a strain responds to the cure. The decision
// is a pure function of the strain name: even digest parity cures, odd
// resists. Every agent observing the same strain reaches the same verdict.
func CureSucceeds(strain string) bool {
	sum := blake2b.Sum256([]byte(strain))
	return sum[0]%2 == 0
}

// Snapshot returns the responder's telemetry view.
func (r *Responder) Snapshot() types.AgentSnapshot {
	r.mu.Lock()
	inFlight := r.inFlightLocked()
	score := r.cfg.BaseCPU + r.cfg.MitigationLoad*float64(inFlight)
	r.mu.Unlock()
	return types.AgentSnapshot{
		ID:          r.agent.ID(),
		Kind:        "response",
		CPUUsage:    score,
		ActiveTasks: inFlight,
		TakenAt:     time.Now(),
	}
}
