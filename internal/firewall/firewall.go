// Package firewall implements the per-node admission pipeline and the
// control-command executor.
//
// # Admission Pipeline
//
// Every inbound data message runs the checks in this fixed precedence order:
//
//	1. whitelist            -> admit unconditionally
//	2. suspended            -> deny
//	3. temp block           -> deny until expiry, then remove and continue
//	4. rate limiter         -> deny beyond max_per_second in a 1s window
//	5. permanent blocklist  -> deny
//	6. signature scan       -> deny and raise a threat signal on match
//
// The decision for a given sender at a given instant is a pure function of
// the rule set and the clock; AdmitAt takes the instant explicitly so the
// property is directly testable.
//
// # Command Protocol
//
// Control messages address the firewall itself and bypass the pipeline.
// Every command application is idempotent; unknown commands return an error
// the caller reports back to the sender. A permanently blocked identity is
// never re-admitted by any other rule: installing a permanent block evicts
// the subject from the whitelist, and whitelisting a blocked subject is
// rejected.
package firewall

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netfabric/meshguard/internal/detect"
	"github.com/netfabric/meshguard/pkg/types"
)

// rateWindow is one sender's fixed-window rate limiter state.
type rateWindow struct {
	maxPerSecond int
	windowStart  time.Time
	count        int
}

// windowLength is the rolling accounting period for rate limits.
const windowLength = time.Second

// DenyReason explains an admission denial.
type DenyReason string

const (
	DenySuspended   DenyReason = "suspended"
	DenyTempBlocked DenyReason = "temp_blocked"
	DenyRateLimited DenyReason = "rate_limited"
	DenyBlocklisted DenyReason = "blocklisted"
	DenySignature   DenyReason = "signature"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Reason  DenyReason

	// Signal is set when the signature scan matched; the owner routes it
	// toward its monitor.
	Signal *types.ThreatSignal
}

// Hooks are the owner-supplied callbacks for commands whose effect lives
// outside the rule set.
type Hooks struct {
	// OnAdvisory handles QUARANTINE_ADVISORY broadcasts (informational).
	OnAdvisory func(incidentID string)
	// OnAdminAlert handles ADMIN_ALERT (informational, human-review hook).
	OnAdminAlert func(cmd types.Command)
	// OnCure handles CURE_INFECTION, clearing the owning node's infection
	// flag. Nil on agents without an infection model.
	OnCure func(strain string) error
}

// Firewall is one node's (or router's) rule set and admission gate. Owned
// exclusively by that agent; all mutation goes through Apply.
type Firewall struct {
	owner   types.Identity
	scanner *detect.Scanner
	hooks   Hooks
	logger  *slog.Logger

	mu        sync.Mutex
	whitelist map[types.Identity]struct{}
	suspended map[types.Identity]struct{}
	temp      map[types.Identity]time.Time
	limits    map[types.Identity]*rateWindow
	permanent map[types.Identity]struct{}
}

// New creates an empty firewall for owner.
func New(owner types.Identity, scanner *detect.Scanner, hooks Hooks, logger *slog.Logger) *Firewall {
	if logger == nil {
		logger = slog.Default()
	}
	return &Firewall{
		owner:     owner,
		scanner:   scanner,
		hooks:     hooks,
		logger:    logger.With("component", "firewall", "owner", string(owner)),
		whitelist: make(map[types.Identity]struct{}),
		suspended: make(map[types.Identity]struct{}),
		temp:      make(map[types.Identity]time.Time),
		limits:    make(map[types.Identity]*rateWindow),
		permanent: make(map[types.Identity]struct{}),
	}
}

// Trust whitelists id as a control sender (monitor/response identities).
// Rejected for permanently blocked identities: the blocklist dominates.
func (f *Firewall) Trust(id types.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, blocked := f.permanent[id]; blocked {
		return fmt.Errorf("refusing to whitelist permanently blocked %s", id)
	}
	f.whitelist[id] = struct{}{}
	return nil
}

// Admit checks msg against the pipeline at the current instant.
func (f *Firewall) Admit(msg types.Message) Decision {
	return f.AdmitAt(msg, time.Now())
}

// AdmitAt checks msg against the pipeline at the given instant.
func (f *Firewall) AdmitAt(msg types.Message, now time.Time) Decision {
	sender := msg.Sender()

	f.mu.Lock()

	// 1. Whitelisted control senders pass unconditionally.
	if _, ok := f.whitelist[sender]; ok {
		f.mu.Unlock()
		return Decision{Allowed: true}
	}

	// 2. Suspension.
	if _, ok := f.suspended[sender]; ok {
		f.mu.Unlock()
		return Decision{Allowed: false, Reason: DenySuspended}
	}

	// 3. Temporary block, self-clearing on expiry.
	if expiry, ok := f.temp[sender]; ok {
		if now.Before(expiry) {
			f.mu.Unlock()
			return Decision{Allowed: false, Reason: DenyTempBlocked}
		}
		delete(f.temp, sender)
	}

	// 4. Rate limiter, fixed 1s window.
	if lim, ok := f.limits[sender]; ok {
		if now.Sub(lim.windowStart) >= windowLength {
			lim.windowStart = now
			lim.count = 0
		}
		lim.count++
		if lim.count > lim.maxPerSecond {
			f.mu.Unlock()
			return Decision{Allowed: false, Reason: DenyRateLimited}
		}
	}

	// 5. Permanent blocklist.
	if _, ok := f.permanent[sender]; ok {
		f.mu.Unlock()
		return Decision{Allowed: false, Reason: DenyBlocklisted}
	}
	f.mu.Unlock()

	// 6. Signature scan, outside the lock: the scanner is stateless.
	if f.scanner != nil {
		if threat, reason, hit := f.scanner.Scan(msg.Body); hit {
			sig := &types.ThreatSignal{
				Threat:   threat,
				Offender: sender,
				Target:   f.owner,
				Reason:   reason,
				At:       now,
			}
			return Decision{Allowed: false, Reason: DenySignature, Signal: sig}
		}
	}

	return Decision{Allowed: true}
}

// Apply executes a control command at the current instant.
func (f *Firewall) Apply(cmd types.Command) (string, error) {
	return f.ApplyAt(cmd, time.Now())
}

// ApplyAt executes a control command at the given instant. Re-applying a
// command the rule set already reflects is a no-op, not an error.
func (f *Firewall) ApplyAt(cmd types.Command, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Kind {
	case types.CmdBlock:
		f.permanent[cmd.Subject] = struct{}{}
		// Blocklist dominates every admitting rule.
		delete(f.whitelist, cmd.Subject)
		return fmt.Sprintf("OK BLOCKED %s", cmd.Subject), nil

	case types.CmdUnblock:
		delete(f.permanent, cmd.Subject)
		return fmt.Sprintf("OK UNBLOCKED %s", cmd.Subject), nil

	case types.CmdRateLimit:
		if lim, ok := f.limits[cmd.Subject]; ok && lim.maxPerSecond == cmd.MaxPerSecond {
			return fmt.Sprintf("OK RATE_LIMITED %s", cmd.Subject), nil
		}
		f.limits[cmd.Subject] = &rateWindow{
			maxPerSecond: cmd.MaxPerSecond,
			windowStart:  now,
		}
		return fmt.Sprintf("OK RATE_LIMITED %s max=%d/s", cmd.Subject, cmd.MaxPerSecond), nil

	case types.CmdTempBlock:
		f.temp[cmd.Subject] = now.Add(cmd.BlockFor)
		return fmt.Sprintf("OK TEMP_BLOCKED %s for %s", cmd.Subject, cmd.BlockFor), nil

	case types.CmdSuspend:
		f.suspended[cmd.Subject] = struct{}{}
		return fmt.Sprintf("OK SUSPENDED %s", cmd.Subject), nil

	case types.CmdUnsuspend:
		delete(f.suspended, cmd.Subject)
		return fmt.Sprintf("OK UNSUSPENDED %s", cmd.Subject), nil

	case types.CmdQuarantine:
		// Informational broadcast; no rule change.
		if f.hooks.OnAdvisory != nil {
			f.hooks.OnAdvisory(cmd.IncidentID)
		}
		return fmt.Sprintf("OK ADVISORY %s", cmd.IncidentID), nil

	case types.CmdAdminAlert:
		if f.hooks.OnAdminAlert != nil {
			f.hooks.OnAdminAlert(cmd)
		}
		return fmt.Sprintf("OK ALERTED %s", cmd.IncidentID), nil

	case types.CmdCureInfection:
		if f.hooks.OnCure == nil {
			return "", fmt.Errorf("CURE_INFECTION: %s has no infection model", f.owner)
		}
		if err := f.hooks.OnCure(cmd.Strain); err != nil {
			return "", fmt.Errorf("CURE_INFECTION: %w", err)
		}
		return fmt.Sprintf("OK CURED %s", cmd.Strain), nil
	}

	return "", &types.ErrUnknownCommand{Body: cmd.Encode()}
}

// Counts summarizes the rule set for telemetry.
type Counts struct {
	Whitelisted int `json:"whitelisted"`
	Suspended   int `json:"suspended"`
	TempBlocks  int `json:"temp_blocks"`
	RateLimits  int `json:"rate_limits"`
	Permanent   int `json:"permanent"`
}

// Total returns the number of installed rules across all classes.
func (c Counts) Total() int {
	return c.Whitelisted + c.Suspended + c.TempBlocks + c.RateLimits + c.Permanent
}

// RuleCounts returns the current rule-set sizes.
func (f *Firewall) RuleCounts() Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Counts{
		Whitelisted: len(f.whitelist),
		Suspended:   len(f.suspended),
		TempBlocks:  len(f.temp),
		RateLimits:  len(f.limits),
		Permanent:   len(f.permanent),
	}
}
