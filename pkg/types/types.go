// Package types defines the core domain types shared across the fabric.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no framework abstractions
// 2. Ownership: Mutable state (ledgers, rule sets, incident tables) lives with its
//    owning agent; these types carry data between agents, never shared references
// 3. Determinism: Nothing in this package consults a random source; every decision
//    derivable from these types is a pure function of their fields and a clock reading
// 4. Validation: Types include Validate() methods for protocol rule enforcement
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is the opaque address of a messaging endpoint (a JID in the wire
// protocol). Stable for an agent's lifetime and used as a map key everywhere:
// blocklists, bid tables, routing endpoints.
type Identity string

func (id Identity) String() string { return string(id) }

// =============================================================================
// MESSAGE
// =============================================================================

// Performative tags the speech act of a message, following the contract net
// vocabulary plus plain inform.
type Performative string

const (
	PerformativeInform  Performative = "inform"
	PerformativeCFP     Performative = "cfp"
	PerformativePropose Performative = "propose"
	PerformativeAccept  Performative = "accept-proposal"
	PerformativeReject  Performative = "reject-proposal"
	PerformativeRefuse  Performative = "refuse"
	PerformativeFailure Performative = "failure"
)

// Protocol identifies the conversation family a message belongs to. Routers
// and firewalls dispatch on it before looking at the body.
type Protocol string

const (
	// ProtocolData is ordinary service traffic between nodes.
	ProtocolData Protocol = "data"
	// ProtocolControl addresses a firewall's command sink directly; it is
	// not subject to the admission pipeline.
	ProtocolControl Protocol = "firewall-control"
	// ProtocolThreatAlert carries a threat signal from a firewall toward a monitor.
	ProtocolThreatAlert Protocol = "threat-alert"
	// ProtocolNetworkCopy is a router's copy of forwarded traffic for monitor inspection.
	ProtocolNetworkCopy Protocol = "network-copy"
	// ProtocolCNP frames contract net auction rounds.
	ProtocolCNP Protocol = "cnp"
	// ProtocolReport carries mitigation completion reports back to a monitor.
	ProtocolReport Protocol = "mitigation-report"
)

// Message is a single addressed unit of communication. Immutable once sent;
// forwarding agents build a new message rather than mutating one in flight.
type Message struct {
	ID           string       `json:"id"`
	From         Identity     `json:"from"`
	To           Identity     `json:"to"`
	Performative Performative `json:"performative,omitempty"`
	Protocol     Protocol     `json:"protocol,omitempty"`
	ConvID       string       `json:"conv_id,omitempty"`
	Body         string       `json:"body"`

	// Routing headers. Dst is the final destination when To is an
	// intermediate router; Origin survives multi-hop forwarding.
	Dst    Identity `json:"dst,omitempty"`
	Origin Identity `json:"origin,omitempty"`
	Via    Identity `json:"via,omitempty"`
	TTL    int      `json:"ttl,omitempty"`

	// Meta carries conversation attributes (scores, threat descriptors).
	Meta map[string]string `json:"meta,omitempty"`

	// Task, when present, is the resource charge the recipient records on
	// accepting this message.
	Task *TaskSpec `json:"task,omitempty"`

	SentAt time.Time `json:"sent_at"`
}

// MetaValue returns the named meta attribute or empty string.
func (m *Message) MetaValue(key string) string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta[key]
}

// Sender returns the effective originator: Origin when the message has been
// forwarded, From otherwise.
func (m *Message) Sender() Identity {
	if m.Origin != "" {
		return m.Origin
	}
	return m.From
}

// DefaultTTL bounds forwarding hops to break routing loops.
const DefaultTTL = 64

// =============================================================================
// TASK
// =============================================================================

// TaskSpec describes a temporary resource charge: a fixed CPU and bandwidth
// load held for Duration, then dropped. Loads are percentage points.
type TaskSpec struct {
	CPULoad  float64       `json:"cpu_load"`
	BWLoad   float64       `json:"bw_load"`
	Duration time.Duration `json:"duration"`
}

// Validate checks the task charge is well-formed.
func (t *TaskSpec) Validate() error {
	if t.CPULoad < 0 || t.BWLoad < 0 {
		return fmt.Errorf("task loads must be non-negative")
	}
	if t.Duration <= 0 {
		return fmt.Errorf("task duration must be positive")
	}
	return nil
}

// =============================================================================
// THREAT
// =============================================================================

// ThreatType classifies a detected threat. It selects the mitigation phase
// sequence a response agent executes.
type ThreatType string

const (
	ThreatMalware ThreatType = "malware"
	ThreatDDoS    ThreatType = "ddos"
	ThreatInsider ThreatType = "insider_threat"
)

// Valid reports whether the threat type is one of the known classes.
func (t ThreatType) Valid() bool {
	switch t {
	case ThreatMalware, ThreatDDoS, ThreatInsider:
		return true
	}
	return false
}

// ThreatSignal is a firewall's report of suspicious traffic, routed through
// the local router to a monitor.
type ThreatSignal struct {
	Threat   ThreatType `json:"threat"`
	Offender Identity   `json:"offender"`
	Target   Identity   `json:"target"`
	Reason   string     `json:"reason"`
	At       time.Time  `json:"at"`
}

// =============================================================================
// INCIDENT
// =============================================================================

// IncidentStatus is the lifecycle state of a tracked threat-response case.
type IncidentStatus string

const (
	// IncidentOpen - detected, auction not yet started
	IncidentOpen IncidentStatus = "open"
	// IncidentAuctioning - CFP broadcast, collecting bids
	IncidentAuctioning IncidentStatus = "auctioning"
	// IncidentAwarded - winner selected, mitigation not yet confirmed running
	IncidentAwarded IncidentStatus = "awarded"
	// IncidentMitigating - winner executing its phase sequence
	IncidentMitigating IncidentStatus = "mitigating"
	// IncidentResolved - mitigation completed successfully (terminal)
	IncidentResolved IncidentStatus = "resolved"
	// IncidentFailed - no bids, mitigation failure, or timeout (terminal)
	IncidentFailed IncidentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentFailed
}

// legalTransitions encodes the only path incidents may move along:
// open → auctioning → {awarded → mitigating → {resolved|failed}} | failed.
var legalTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentOpen:       {IncidentAuctioning},
	IncidentAuctioning: {IncidentAwarded, IncidentFailed},
	IncidentAwarded:    {IncidentMitigating, IncidentFailed},
	IncidentMitigating: {IncidentResolved, IncidentFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s IncidentStatus) CanTransition(next IncidentStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Incident is a tracked threat-response case. Created by a monitor on
// detection; status driven by CNP outcome and mitigation reports.
type Incident struct {
	ID        string         `json:"id"`
	Threat    ThreatType     `json:"threat"`
	Offender  Identity       `json:"offender"`
	Target    Identity       `json:"target"`
	Status    IncidentStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks required fields and a known threat class.
func (i *Incident) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("incident ID is required")
	}
	if !i.Threat.Valid() {
		return fmt.Errorf("unknown threat type: %s", i.Threat)
	}
	if i.Offender == "" {
		return fmt.Errorf("incident offender is required")
	}
	return nil
}

// Transition moves the incident to next, enforcing the legal path.
func (i *Incident) Transition(next IncidentStatus, now time.Time) error {
	if !i.Status.CanTransition(next) {
		return fmt.Errorf("illegal incident transition %s -> %s", i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now
	return nil
}

// =============================================================================
// BID
// =============================================================================

// Bid is a response agent's offer in one auction round. Ephemeral: discarded
// after the award. Lower Score means more available capacity and wins.
type Bid struct {
	IncidentID string    `json:"incident_id"`
	Responder  Identity  `json:"responder"`
	Score      float64   `json:"score"`
	ReceivedAt time.Time `json:"received_at"`
}

// Better reports whether b should beat other: strictly lower score, or equal
// score received earlier. This tie-break is the only determinism guarantee
// for simultaneous bids.
func (b Bid) Better(other Bid) bool {
	if b.Score != other.Score {
		return b.Score < other.Score
	}
	return b.ReceivedAt.Before(other.ReceivedAt)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// AgentSnapshot is a read-only view of one agent's state for the telemetry
// surface. Producing it must never block agent progress.
type AgentSnapshot struct {
	ID            Identity  `json:"id"`
	Kind          string    `json:"kind"`
	CPUUsage      float64   `json:"cpu_usage"`
	BWUsage       float64   `json:"bw_usage"`
	ActiveTasks   int       `json:"active_tasks"`
	RuleCount     int       `json:"rule_count,omitempty"`
	OpenIncidents int       `json:"open_incidents,omitempty"`
	Infected      bool      `json:"infected,omitempty"`
	TakenAt       time.Time `json:"taken_at"`
}

// IncidentEvent is one lifecycle transition, emitted to the optional audit
// sinks (Redis list, Postgres table).
type IncidentEvent struct {
	IncidentID string         `json:"incident_id"`
	Threat     ThreatType     `json:"threat"`
	Offender   Identity       `json:"offender"`
	From       IncidentStatus `json:"from"`
	To         IncidentStatus `json:"to"`
	Monitor    Identity       `json:"monitor"`
	At         time.Time      `json:"at"`
}
