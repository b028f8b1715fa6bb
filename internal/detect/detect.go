// Package detect provides the content heuristics shared by firewalls and
// monitors: a signature scanner classifying message bodies into threat
// classes, and a sliding-window rate tracker for repeat-offender escalation.
package detect

import (
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/netfabric/meshguard/pkg/types"
)

// signatures maps body keywords to the threat class they indicate. The
// insider keywords are phrases, matched as substrings of the lowered body.
var signatures = map[string]types.ThreatType{
	"trojan":     types.ThreatMalware,
	"virus":      types.ThreatMalware,
	"ransomware": types.ThreatMalware,
	"backdoor":   types.ThreatMalware,
	"worm":       types.ThreatMalware,
	"exploit":    types.ThreatMalware,

	"failed login": types.ThreatInsider,
	"unauthorized": types.ThreatInsider,
}

// infectPrefix marks a malware payload attempting to set a node's infection
// flag.
const infectPrefix = "INFECT:"

// Scanner classifies message bodies against the signature set. A Bloom
// filter over the individual signature words gates the exact substring pass
// so clean traffic pays one membership probe per word.
type Scanner struct {
	filter *bloom.BloomFilter
}

// NewScanner builds a scanner over the built-in signature set.
func NewScanner() *Scanner {
	filter := bloom.NewWithEstimates(uint(len(signatures)*4), 0.01)
	for sig := range signatures {
		for _, word := range strings.Fields(sig) {
			filter.AddString(word)
		}
	}
	return &Scanner{filter: filter}
}

// Scan reports the threat class of body, if any. INFECT payloads classify as
// malware regardless of the signature set.
func (s *Scanner) Scan(body string) (types.ThreatType, string, bool) {
	if strings.HasPrefix(strings.TrimSpace(body), infectPrefix) {
		return types.ThreatMalware, "infect-payload", true
	}

	lowered := strings.ToLower(body)

	hit := false
	for _, word := range strings.Fields(lowered) {
		if s.filter.TestString(strings.Trim(word, ".,;:!?")) {
			hit = true
			break
		}
	}
	if !hit {
		return "", "", false
	}

	// Confirm against the exact signature set; the filter admits false
	// positives by construction.
	for sig, threat := range signatures {
		if strings.Contains(lowered, sig) {
			return threat, "keyword:" + sig, true
		}
	}
	return "", "", false
}

// =============================================================================
// RATE TRACKER
// =============================================================================

// RateTracker counts suspicious signals per offender over a sliding window.
// K or more signals inside the window escalate even without a keyword hit.
type RateTracker struct {
	window    time.Duration
	threshold int

	mu     sync.Mutex
	events map[types.Identity][]time.Time
}

// NewRateTracker creates a tracker with the given window and threshold.
func NewRateTracker(window time.Duration, threshold int) *RateTracker {
	return &RateTracker{
		window:    window,
		threshold: threshold,
		events:    make(map[types.Identity][]time.Time),
	}
}

// Observe records one signal from offender at now and reports whether the
// offender has reached the escalation threshold within the window.
func (r *RateTracker) Observe(offender types.Identity, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.events[offender][:0]
	for _, at := range r.events[offender] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	r.events[offender] = kept

	return len(kept) >= r.threshold
}

// Count returns the offender's current in-window signal count.
func (r *RateTracker) Count(offender types.Identity, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	n := 0
	for _, at := range r.events[offender] {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// Forget drops an offender's history, used once an incident is opened so the
// same burst does not open a second one.
func (r *RateTracker) Forget(offender types.Identity) {
	r.mu.Lock()
	delete(r.events, offender)
	r.mu.Unlock()
}
