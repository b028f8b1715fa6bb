package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// FIREWALL CONTROL COMMANDS
// =============================================================================
//
// The wire grammar is colon-delimited text for compatibility with the
// external command surface:
//
//	BLOCK_JID:<id>
//	UNBLOCK_JID:<id>
//	RATE_LIMIT:<id>:<max_per_second>
//	TEMP_BLOCK:<id>:<seconds>
//	SUSPEND_ACCESS:<id>
//	UNSUSPEND_ACCESS:<id>
//	QUARANTINE_ADVISORY:<incident_id>
//	ADMIN_ALERT:<threat>:<incident_id>:<offender>
//	CURE_INFECTION:<strain>
//
// Commands are decoded exactly once at the message boundary into a Command
// value; everything past the boundary dispatches on CommandKind.

// CommandKind discriminates firewall control commands.
type CommandKind string

const (
	CmdBlock         CommandKind = "BLOCK_JID"
	CmdUnblock       CommandKind = "UNBLOCK_JID"
	CmdRateLimit     CommandKind = "RATE_LIMIT"
	CmdTempBlock     CommandKind = "TEMP_BLOCK"
	CmdSuspend       CommandKind = "SUSPEND_ACCESS"
	CmdUnsuspend     CommandKind = "UNSUSPEND_ACCESS"
	CmdQuarantine    CommandKind = "QUARANTINE_ADVISORY"
	CmdAdminAlert    CommandKind = "ADMIN_ALERT"
	CmdCureInfection CommandKind = "CURE_INFECTION"
)

// Command is a decoded firewall control command.
type Command struct {
	Kind CommandKind

	// Subject is the identity the command targets (block, rate limit,
	// suspend commands).
	Subject Identity

	// MaxPerSecond applies to CmdRateLimit.
	MaxPerSecond int

	// BlockFor applies to CmdTempBlock.
	BlockFor time.Duration

	// IncidentID applies to CmdQuarantine and CmdAdminAlert.
	IncidentID string

	// Threat applies to CmdAdminAlert.
	Threat ThreatType

	// Strain applies to CmdCureInfection.
	Strain string
}

// ErrUnknownCommand is returned for command bodies outside the grammar.
// Firewalls reply to the sender with an explicit error, never drop silently.
type ErrUnknownCommand struct {
	Body string
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("unknown firewall command: %q", e.Body)
}

// ParseCommand decodes a colon-delimited control body.
func ParseCommand(body string) (Command, error) {
	body = strings.TrimSpace(body)
	verb, rest, _ := strings.Cut(body, ":")

	switch CommandKind(verb) {
	case CmdBlock, CmdUnblock, CmdSuspend, CmdUnsuspend:
		if rest == "" {
			return Command{}, fmt.Errorf("%s: missing subject", verb)
		}
		return Command{Kind: CommandKind(verb), Subject: Identity(rest)}, nil

	case CmdRateLimit:
		subject, arg, ok := strings.Cut(rest, ":")
		if !ok || subject == "" {
			return Command{}, fmt.Errorf("RATE_LIMIT: want <id>:<max_per_second>, got %q", rest)
		}
		// Tolerate the legacy "10msg/s" suffix from older response agents.
		arg = strings.TrimSuffix(arg, "msg/s")
		maxPerSec, err := strconv.Atoi(arg)
		if err != nil || maxPerSec <= 0 {
			return Command{}, fmt.Errorf("RATE_LIMIT: bad rate %q", arg)
		}
		return Command{Kind: CmdRateLimit, Subject: Identity(subject), MaxPerSecond: maxPerSec}, nil

	case CmdTempBlock:
		subject, arg, ok := strings.Cut(rest, ":")
		if !ok || subject == "" {
			return Command{}, fmt.Errorf("TEMP_BLOCK: want <id>:<seconds>, got %q", rest)
		}
		arg = strings.TrimSuffix(arg, "s")
		secs, err := strconv.ParseFloat(arg, 64)
		if err != nil || secs <= 0 {
			return Command{}, fmt.Errorf("TEMP_BLOCK: bad duration %q", arg)
		}
		return Command{
			Kind:     CmdTempBlock,
			Subject:  Identity(subject),
			BlockFor: time.Duration(secs * float64(time.Second)),
		}, nil

	case CmdQuarantine:
		if rest == "" {
			return Command{}, fmt.Errorf("QUARANTINE_ADVISORY: missing incident id")
		}
		return Command{Kind: CmdQuarantine, IncidentID: rest}, nil

	case CmdAdminAlert:
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return Command{}, fmt.Errorf("ADMIN_ALERT: want <threat>:<incident_id>:<offender>, got %q", rest)
		}
		threat := ThreatType(parts[0])
		if !threat.Valid() {
			return Command{}, fmt.Errorf("ADMIN_ALERT: unknown threat type %q", parts[0])
		}
		return Command{
			Kind:       CmdAdminAlert,
			Threat:     threat,
			IncidentID: parts[1],
			Subject:    Identity(parts[2]),
		}, nil

	case CmdCureInfection:
		if rest == "" {
			return Command{}, fmt.Errorf("CURE_INFECTION: missing strain")
		}
		return Command{Kind: CmdCureInfection, Strain: rest}, nil
	}

	return Command{}, &ErrUnknownCommand{Body: body}
}

// Encode renders the command back to the wire grammar.
func (c Command) Encode() string {
	switch c.Kind {
	case CmdBlock, CmdUnblock, CmdSuspend, CmdUnsuspend:
		return fmt.Sprintf("%s:%s", c.Kind, c.Subject)
	case CmdRateLimit:
		return fmt.Sprintf("%s:%s:%d", c.Kind, c.Subject, c.MaxPerSecond)
	case CmdTempBlock:
		return fmt.Sprintf("%s:%s:%g", c.Kind, c.Subject, c.BlockFor.Seconds())
	case CmdQuarantine:
		return fmt.Sprintf("%s:%s", c.Kind, c.IncidentID)
	case CmdAdminAlert:
		return fmt.Sprintf("%s:%s:%s:%s", c.Kind, c.Threat, c.IncidentID, c.Subject)
	case CmdCureInfection:
		return fmt.Sprintf("%s:%s", c.Kind, c.Strain)
	}
	return string(c.Kind)
}
