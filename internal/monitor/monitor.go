// Package monitor implements the detection and auction-initiator agent.
//
// # Detection
//
// A monitor inspects two feeds from its routers: threat alerts raised by
// firewalls, and copies of admitted traffic. Copies run through the same
// signature scanner the firewalls use, plus a sliding-window rate tracker
// that escalates high-volume senders as DDoS even when no keyword matches.
//
// # Auctions
//
// Each confirmed threat opens an incident and starts a contract net round:
// the monitor broadcasts a call for proposals to every response agent,
// collects bids until the bid window closes, and awards the incident to the
// lowest-score bid (earliest received wins a tie). Losing bidders are
// rejected explicitly. A mitigation that never completes times out, fails
// the incident, and a fresh incident is opened for the same offender until
// the retry budget is spent.
package monitor

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/internal/detect"
	"github.com/netfabric/meshguard/pkg/types"
)

// EventSink receives incident lifecycle transitions. Implementations must
// tolerate being called from the monitor's event-drain goroutine.
type EventSink interface {
	Publish(ctx context.Context, ev types.IncidentEvent) error
}

// Config tunes detection and auction timing.
type Config struct {
	// BidWindow is how long a CFP round collects proposals.
	BidWindow time.Duration
	// MitigationTimeout bounds an awarded mitigation before it is failed.
	MitigationTimeout time.Duration
	// MaxRetries is the number of fresh incidents opened after failures.
	MaxRetries int
	// RetryBackoff delays each re-auction.
	RetryBackoff time.Duration

	// GracePeriod keeps terminal incidents visible before the purge.
	GracePeriod   time.Duration
	PurgeInterval time.Duration

	// RateWindow/RateThreshold tune the volume-based DDoS escalation.
	RateWindow    time.Duration
	RateThreshold int

	ReceiveTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the reference timing profile.
func DefaultConfig() Config {
	return Config{
		BidWindow:         time.Second,
		MitigationTimeout: 10 * time.Second,
		MaxRetries:        2,
		RetryBackoff:      2 * time.Second,
		GracePeriod:       30 * time.Second,
		PurgeInterval:     5 * time.Second,
		RateWindow:        5 * time.Second,
		RateThreshold:     20,
		ReceiveTimeout:    250 * time.Millisecond,
		SweepInterval:     100 * time.Millisecond,
	}
}

// incidentState is the monitor-private auction bookkeeping around an incident.
type incidentState struct {
	incident types.Incident

	bidDeadline time.Time
	bids        []types.Bid
	winner      types.Identity

	mitigationDeadline time.Time

	retries int
	retryAt time.Time
}

// Monitor is the detection and CNP-initiator agent.
type Monitor struct {
	agent      *bus.Agent
	cfg        Config
	scanner    *detect.Scanner
	tracker    *detect.RateTracker
	responders []types.Identity
	logger     *slog.Logger

	mu        sync.Mutex
	incidents map[string]*incidentState

	events chan types.IncidentEvent
	sinks  []EventSink
}

// New creates a monitor auctioning incidents to the given response agents.
func New(id types.Identity, b *bus.Bus, responders []types.Identity,
	scanner *detect.Scanner, sinks []EventSink, cfg Config, logger *slog.Logger) *Monitor {

	agent := bus.NewAgent(id, b, logger)
	return &Monitor{
		agent:      agent,
		cfg:        cfg,
		scanner:    scanner,
		tracker:    detect.NewRateTracker(cfg.RateWindow, cfg.RateThreshold),
		responders: responders,
		logger:     agent.Logger(),
		incidents:  make(map[string]*incidentState),
		events:     make(chan types.IncidentEvent, 256),
		sinks:      sinks,
	}
}

// ID returns the monitor's identity.
func (m *Monitor) ID() types.Identity { return m.agent.ID() }

// Start launches the receive, sweep, purge and event-drain behaviours.
func (m *Monitor) Start() {
	m.agent.Go("receive", m.run)
	m.agent.Every("sweep", m.cfg.SweepInterval, func(context.Context) {
		m.sweep(time.Now())
	})
	m.agent.Every("purge", m.cfg.PurgeInterval, func(context.Context) {
		m.purge(time.Now())
	})
	if len(m.sinks) > 0 {
		m.agent.Go("events", m.drainEvents)
	}
}

// Stop cancels all behaviours and drops the inbox.
func (m *Monitor) Stop() { m.agent.Stop() }

func (m *Monitor) run(ctx context.Context) {
	for ctx.Err() == nil {
		msg, ok := m.agent.Receive(m.cfg.ReceiveTimeout)
		if !ok {
			continue
		}
		m.process(msg, time.Now())
	}
}

func (m *Monitor) process(msg types.Message, now time.Time) {
	switch msg.Protocol {
	case types.ProtocolThreatAlert:
		m.onAlert(msg, now)
	case types.ProtocolNetworkCopy:
		m.onCopy(msg, now)
	case types.ProtocolCNP:
		if msg.Performative == types.PerformativePropose ||
			msg.Performative == types.PerformativeRefuse {
			m.onBid(msg, now)
		}
	case types.ProtocolReport:
		m.onReport(msg, now)
	}
}

// onAlert handles a firewall's explicit threat signal.
func (m *Monitor) onAlert(msg types.Message, now time.Time) {
	threat := types.ThreatType(msg.MetaValue("threat"))
	offender := types.Identity(msg.MetaValue("offender"))
	target := types.Identity(msg.MetaValue("target"))
	if !threat.Valid() || offender == "" {
		m.logger.Debug("malformed threat alert", "from", msg.From, "body", msg.Body)
		return
	}
	m.openIncident(threat, offender, target, now)
}

// onCopy inspects one forwarded-traffic copy: signature scan first, volume
// escalation second.
func (m *Monitor) onCopy(msg types.Message, now time.Time) {
	origin := msg.Sender()
	if origin == "" {
		return
	}

	if m.scanner != nil {
		if threat, _, hit := m.scanner.Scan(msg.Body); hit {
			m.openIncident(threat, origin, msg.Dst, now)
			return
		}
	}

	if m.tracker.Observe(origin, now) {
		m.openIncident(types.ThreatDDoS, origin, msg.Dst, now)
	}
}

// openIncident creates and auctions an incident unless the offender already
// has an active one.
func (m *Monitor) openIncident(threat types.ThreatType, offender, target types.Identity, now time.Time) {
	m.mu.Lock()
	for _, st := range m.incidents {
		if st.incident.Offender == offender && !st.incident.Status.Terminal() {
			m.mu.Unlock()
			return
		}
		// A failed incident awaiting its re-auction also claims the offender.
		if st.incident.Offender == offender && !st.retryAt.IsZero() && st.retryAt.After(now) {
			m.mu.Unlock()
			return
		}
	}
	st := m.newIncidentLocked(threat, offender, target, 0, now)
	m.mu.Unlock()

	m.tracker.Forget(offender)
	m.logger.Info("incident opened",
		"incident", st.incident.ID, "threat", string(threat), "offender", string(offender))
	m.broadcastCFP(st.incident)
}

// newIncidentLocked registers a fresh incident already in the auctioning
// state. Caller holds m.mu.
func (m *Monitor) newIncidentLocked(threat types.ThreatType, offender, target types.Identity,
	retries int, now time.Time) *incidentState {

	inc := types.Incident{
		ID:        uuid.New().String(),
		Threat:    threat,
		Offender:  offender,
		Target:    target,
		Status:    types.IncidentOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.emit(inc, "", types.IncidentOpen, now)
	inc.Status = types.IncidentAuctioning
	st := &incidentState{
		incident:    inc,
		bidDeadline: now.Add(m.cfg.BidWindow),
		retries:     retries,
	}
	m.incidents[inc.ID] = st
	m.emit(inc, types.IncidentOpen, types.IncidentAuctioning, now)
	return st
}

// broadcastCFP sends the call for proposals to every response agent.
func (m *Monitor) broadcastCFP(inc types.Incident) {
	for _, r := range m.responders {
		m.agent.Send(types.Message{
			To:           r,
			Performative: types.PerformativeCFP,
			Protocol:     types.ProtocolCNP,
			ConvID:       inc.ID,
			Body:         "CFP:" + string(inc.Threat) + ":" + string(inc.Offender),
			Meta: map[string]string{
				"threat":   string(inc.Threat),
				"offender": string(inc.Offender),
				"target":   string(inc.Target),
			},
		})
	}
}

// onBid records one proposal. Refusals are ignored beyond logging; they
// simply never enter the bid table.
func (m *Monitor) onBid(msg types.Message, now time.Time) {
	if msg.Performative == types.PerformativeRefuse {
		m.logger.Debug("bid refused", "incident", msg.ConvID, "responder", msg.From)
		return
	}
	score, err := strconv.ParseFloat(msg.MetaValue("score"), 64)
	if err != nil {
		m.logger.Warn("unparseable bid", "incident", msg.ConvID, "responder", msg.From)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.incidents[msg.ConvID]
	if !ok || st.incident.Status != types.IncidentAuctioning {
		return
	}
	if now.After(st.bidDeadline) {
		// Late bids lose by arrival, not by score.
		return
	}
	st.bids = append(st.bids, types.Bid{
		IncidentID: msg.ConvID,
		Responder:  msg.From,
		Score:      score,
		ReceivedAt: now,
	})
}

// sweep advances auctions past their deadlines, times out stuck mitigations,
// and fires scheduled re-auctions.
func (m *Monitor) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.incidents {
		switch st.incident.Status {
		case types.IncidentAuctioning:
			if now.After(st.bidDeadline) {
				m.closeAuctionLocked(st, now)
			}
		case types.IncidentAwarded, types.IncidentMitigating:
			if now.After(st.mitigationDeadline) {
				m.logger.Warn("mitigation timed out",
					"incident", st.incident.ID, "responder", string(st.winner))
				m.failLocked(st, now)
			}
		case types.IncidentFailed:
			if !st.retryAt.IsZero() && now.After(st.retryAt) {
				st.retryAt = time.Time{}
				next := m.newIncidentLocked(st.incident.Threat, st.incident.Offender,
					st.incident.Target, st.retries+1, now)
				m.logger.Info("re-auctioning incident",
					"incident", next.incident.ID, "attempt", next.retries+1)
				m.broadcastCFP(next.incident)
			}
		}
	}
}

// closeAuctionLocked picks the winner once the bid window closes. Caller
// holds m.mu.
func (m *Monitor) closeAuctionLocked(st *incidentState, now time.Time) {
	if len(st.bids) == 0 {
		m.logger.Warn("auction received no bids", "incident", st.incident.ID)
		m.failLocked(st, now)
		return
	}

	best := st.bids[0]
	for _, b := range st.bids[1:] {
		if b.Better(best) {
			best = b
		}
	}

	st.winner = best.Responder
	st.mitigationDeadline = now.Add(m.cfg.MitigationTimeout)
	from := st.incident.Status
	st.incident.Transition(types.IncidentAwarded, now)
	m.emit(st.incident, from, types.IncidentAwarded, now)
	m.logger.Info("incident awarded",
		"incident", st.incident.ID, "responder", string(best.Responder), "score", best.Score)

	for _, b := range st.bids {
		perf := types.PerformativeReject
		if b.Responder == best.Responder {
			perf = types.PerformativeAccept
		}
		m.agent.Send(types.Message{
			To:           b.Responder,
			Performative: perf,
			Protocol:     types.ProtocolCNP,
			ConvID:       st.incident.ID,
			Body:         string(perf) + ":" + st.incident.ID,
			Meta: map[string]string{
				"threat":   string(st.incident.Threat),
				"offender": string(st.incident.Offender),
				"target":   string(st.incident.Target),
			},
		})
	}
	st.bids = nil
}

// failLocked marks the incident failed and schedules a re-auction if the
// retry budget allows. Caller holds m.mu.
func (m *Monitor) failLocked(st *incidentState, now time.Time) {
	from := st.incident.Status
	st.incident.Transition(types.IncidentFailed, now)
	m.emit(st.incident, from, types.IncidentFailed, now)
	if st.retries < m.cfg.MaxRetries {
		st.retryAt = now.Add(m.cfg.RetryBackoff)
	} else {
		m.logger.Error("incident abandoned after retries",
			"incident", st.incident.ID, "offender", string(st.incident.Offender))
	}
}

// onReport handles the winner's mitigation progress reports.
func (m *Monitor) onReport(msg types.Message, now time.Time) {
	verb, _, _ := strings.Cut(strings.TrimSpace(msg.Body), ":")

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.incidents[msg.ConvID]
	if !ok || msg.From != st.winner {
		return
	}

	switch verb {
	case "STARTED":
		if st.incident.Status == types.IncidentAwarded {
			st.incident.Transition(types.IncidentMitigating, now)
			m.emit(st.incident, types.IncidentAwarded, types.IncidentMitigating, now)
		}
	case "DONE":
		if st.incident.Status == types.IncidentMitigating {
			st.incident.Transition(types.IncidentResolved, now)
			m.emit(st.incident, types.IncidentMitigating, types.IncidentResolved, now)
			m.logger.Info("incident resolved",
				"incident", st.incident.ID, "responder", string(msg.From))
		}
	case "FAILED":
		if !st.incident.Status.Terminal() {
			m.logger.Warn("mitigation reported failure",
				"incident", st.incident.ID, "responder", string(msg.From))
			m.failLocked(st, now)
		}
	}
}

// purge drops terminal incidents past the grace period, keeping any still
// waiting on a re-auction.
func (m *Monitor) purge(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.incidents {
		if !st.incident.Status.Terminal() {
			continue
		}
		if !st.retryAt.IsZero() {
			continue
		}
		if now.Sub(st.incident.UpdatedAt) >= m.cfg.GracePeriod {
			delete(m.incidents, id)
		}
	}
}

// emit queues a lifecycle event for the sinks. The from state is passed
// explicitly because the incident has already moved by the time the event is
// built; a freshly opened incident carries an empty from. Never blocks the
// caller.
func (m *Monitor) emit(inc types.Incident, from, to types.IncidentStatus, now time.Time) {
	if len(m.sinks) == 0 {
		return
	}
	ev := types.IncidentEvent{
		IncidentID: inc.ID,
		Threat:     inc.Threat,
		Offender:   inc.Offender,
		From:       from,
		To:         to,
		Monitor:    m.agent.ID(),
		At:         now,
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event buffer full; dropping", "incident", inc.ID)
	}
}

// drainEvents pushes queued lifecycle events to every sink.
func (m *Monitor) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			for _, sink := range m.sinks {
				if err := sink.Publish(ctx, ev); err != nil {
					m.logger.Warn("event sink publish failed",
						"incident", ev.IncidentID, "error", err)
				}
			}
		}
	}
}

// Incident returns a copy of the tracked incident, if present.
func (m *Monitor) Incident(id string) (types.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.incidents[id]
	if !ok {
		return types.Incident{}, false
	}
	return st.incident, true
}

// Incidents returns copies of all tracked incidents.
func (m *Monitor) Incidents() []types.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Incident, 0, len(m.incidents))
	for _, st := range m.incidents {
		out = append(out, st.incident)
	}
	return out
}

// Snapshot returns the monitor's telemetry view.
func (m *Monitor) Snapshot() types.AgentSnapshot {
	m.mu.Lock()
	open := 0
	for _, st := range m.incidents {
		if !st.incident.Status.Terminal() {
			open++
		}
	}
	m.mu.Unlock()
	return types.AgentSnapshot{
		ID:            m.agent.ID(),
		Kind:          "monitor",
		OpenIncidents: open,
		TakenAt:       time.Now(),
	}
}
