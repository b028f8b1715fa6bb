package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/internal/detect"
	"github.com/netfabric/meshguard/pkg/types"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHarness drives a monitor directly, without running its behaviours.
type testHarness struct {
	bus     *bus.Bus
	mon     *Monitor
	inboxes map[types.Identity]*bus.Mailbox
}

func newHarness(t *testing.T, responders ...types.Identity) *testHarness {
	t.Helper()
	b := bus.New(testLogger())
	h := &testHarness{bus: b, inboxes: make(map[types.Identity]*bus.Mailbox)}
	for _, r := range responders {
		h.inboxes[r] = b.Register(r)
	}
	cfg := DefaultConfig()
	cfg.BidWindow = time.Second
	cfg.MitigationTimeout = 10 * time.Second
	cfg.MaxRetries = 1
	cfg.RetryBackoff = 2 * time.Second
	h.mon = New("monitor0", b, responders, detect.NewScanner(), nil, cfg, testLogger())
	t.Cleanup(h.mon.Stop)
	return h
}

// drain empties a responder's mailbox.
func (h *testHarness) drain(r types.Identity) []types.Message {
	var out []types.Message
	for {
		msg, ok := h.inboxes[r].TryReceive()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func alert(threat types.ThreatType, offender string) types.Message {
	return types.Message{
		From:     "router0",
		To:       "monitor0",
		Protocol: types.ProtocolThreatAlert,
		Meta: map[string]string{
			"threat":   string(threat),
			"offender": offender,
			"target":   "router0-node0",
		},
	}
}

func proposal(incidentID string, responder types.Identity, score float64) types.Message {
	return types.Message{
		From:         responder,
		To:           "monitor0",
		Performative: types.PerformativePropose,
		Protocol:     types.ProtocolCNP,
		ConvID:       incidentID,
		Meta:         map[string]string{"score": fmt.Sprintf("%g", score)},
	}
}

// openOne raises one alert and returns the resulting incident.
func (h *testHarness) openOne(t *testing.T, now time.Time) types.Incident {
	t.Helper()
	h.mon.process(alert(types.ThreatMalware, "attacker0"), now)
	incs := h.mon.Incidents()
	if len(incs) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incs))
	}
	return incs[0]
}

func TestAlertOpensAuction(t *testing.T) {
	h := newHarness(t, "response0", "response1")
	now := time.Now()

	inc := h.openOne(t, now)
	if inc.Status != types.IncidentAuctioning {
		t.Errorf("status = %s, want auctioning", inc.Status)
	}
	if inc.Threat != types.ThreatMalware || inc.Offender != "attacker0" {
		t.Errorf("incident = %+v", inc)
	}

	for _, r := range []types.Identity{"response0", "response1"} {
		msgs := h.drain(r)
		if len(msgs) != 1 || msgs[0].Performative != types.PerformativeCFP {
			t.Errorf("%s received %+v, want one CFP", r, msgs)
		}
		if msgs[0].ConvID != inc.ID {
			t.Errorf("CFP conversation = %s, want %s", msgs[0].ConvID, inc.ID)
		}
	}
}

func TestDuplicateOffenderIgnored(t *testing.T) {
	h := newHarness(t, "response0")
	now := time.Now()

	h.mon.process(alert(types.ThreatMalware, "attacker0"), now)
	h.mon.process(alert(types.ThreatDDoS, "attacker0"), now.Add(time.Millisecond))

	if n := len(h.mon.Incidents()); n != 1 {
		t.Errorf("incidents = %d, want 1 per active offender", n)
	}
}

func TestAuctionLowestScoreWins(t *testing.T) {
	h := newHarness(t, "respA", "respB", "respC")
	now := time.Now()
	inc := h.openOne(t, now)
	for r := range h.inboxes {
		h.drain(r)
	}

	// Equal lowest scores: the earlier arrival wins.
	h.mon.process(proposal(inc.ID, "respA", 0.3), now.Add(100*time.Millisecond))
	h.mon.process(proposal(inc.ID, "respC", 0.2), now.Add(150*time.Millisecond))
	h.mon.process(proposal(inc.ID, "respB", 0.2), now.Add(200*time.Millisecond))

	h.mon.sweep(now.Add(1100 * time.Millisecond))

	got, _ := h.mon.Incident(inc.ID)
	if got.Status != types.IncidentAwarded {
		t.Fatalf("status = %s, want awarded", got.Status)
	}

	winner := h.drain("respC")
	if len(winner) != 1 || winner[0].Performative != types.PerformativeAccept {
		t.Errorf("respC received %+v, want accept", winner)
	}
	for _, loser := range []types.Identity{"respA", "respB"} {
		msgs := h.drain(loser)
		if len(msgs) != 1 || msgs[0].Performative != types.PerformativeReject {
			t.Errorf("%s received %+v, want reject", loser, msgs)
		}
	}
}

func TestLateBidIgnored(t *testing.T) {
	h := newHarness(t, "respA", "respB")
	now := time.Now()
	inc := h.openOne(t, now)

	h.mon.process(proposal(inc.ID, "respA", 0.9), now.Add(100*time.Millisecond))
	// Better score, but after the deadline.
	h.mon.process(proposal(inc.ID, "respB", 0.1), now.Add(1500*time.Millisecond))

	h.mon.sweep(now.Add(1600 * time.Millisecond))
	h.drain("respA")
	if msgs := h.drain("respB"); len(msgs) != 1 || msgs[0].Performative != types.PerformativeCFP {
		t.Errorf("late bidder must only ever see the CFP, got %+v", msgs)
	}
}

func TestNoBidsFailsAndRetries(t *testing.T) {
	h := newHarness(t, "response0")
	now := time.Now()
	inc := h.openOne(t, now)
	h.drain("response0")

	h.mon.sweep(now.Add(1100 * time.Millisecond))
	got, _ := h.mon.Incident(inc.ID)
	if got.Status != types.IncidentFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	// Backoff elapses: a fresh incident is auctioned for the same offender.
	h.mon.sweep(now.Add(3200 * time.Millisecond))
	incs := h.mon.Incidents()
	if len(incs) != 2 {
		t.Fatalf("incidents = %d, want 2 after re-auction", len(incs))
	}
	if msgs := h.drain("response0"); len(msgs) != 1 || msgs[0].Performative != types.PerformativeCFP {
		t.Errorf("re-auction CFP missing, got %+v", msgs)
	}
}

func TestMitigationReportLifecycle(t *testing.T) {
	h := newHarness(t, "respA")
	now := time.Now()
	inc := h.openOne(t, now)

	h.mon.process(proposal(inc.ID, "respA", 0.2), now.Add(100*time.Millisecond))
	h.mon.sweep(now.Add(1100 * time.Millisecond))

	report := func(verb string, at time.Time) {
		h.mon.process(types.Message{
			From:     "respA",
			To:       "monitor0",
			Protocol: types.ProtocolReport,
			ConvID:   inc.ID,
			Body:     verb + ":" + inc.ID,
		}, at)
	}

	report("STARTED", now.Add(1200*time.Millisecond))
	got, _ := h.mon.Incident(inc.ID)
	if got.Status != types.IncidentMitigating {
		t.Fatalf("status = %s, want mitigating", got.Status)
	}

	report("DONE", now.Add(2*time.Second))
	got, _ = h.mon.Incident(inc.ID)
	if got.Status != types.IncidentResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
}

func TestReportFromNonWinnerIgnored(t *testing.T) {
	h := newHarness(t, "respA", "respB")
	now := time.Now()
	inc := h.openOne(t, now)

	h.mon.process(proposal(inc.ID, "respA", 0.2), now.Add(100*time.Millisecond))
	h.mon.sweep(now.Add(1100 * time.Millisecond))

	h.mon.process(types.Message{
		From:     "respB",
		Protocol: types.ProtocolReport,
		ConvID:   inc.ID,
		Body:     "DONE:" + inc.ID,
	}, now.Add(1200*time.Millisecond))

	got, _ := h.mon.Incident(inc.ID)
	if got.Status != types.IncidentAwarded {
		t.Errorf("status = %s; a non-winner moved the incident", got.Status)
	}
}

func TestMitigationTimeout(t *testing.T) {
	h := newHarness(t, "respA")
	now := time.Now()
	inc := h.openOne(t, now)

	h.mon.process(proposal(inc.ID, "respA", 0.2), now.Add(100*time.Millisecond))
	h.mon.sweep(now.Add(1100 * time.Millisecond))

	// Past the mitigation deadline with no report.
	h.mon.sweep(now.Add(15 * time.Second))
	got, _ := h.mon.Incident(inc.ID)
	if got.Status != types.IncidentFailed {
		t.Errorf("status = %s, want failed after timeout", got.Status)
	}
}

func TestVolumeEscalatesAsDDoS(t *testing.T) {
	h := newHarness(t, "response0")
	now := time.Now()

	copyMsg := types.Message{
		From:     "router0",
		Origin:   "flooder",
		Dst:      "router1-node0",
		Protocol: types.ProtocolNetworkCopy,
		Body:     "FLOOD packet",
	}
	for i := 0; i < DefaultConfig().RateThreshold; i++ {
		h.mon.process(copyMsg, now.Add(time.Duration(i)*10*time.Millisecond))
	}

	incs := h.mon.Incidents()
	if len(incs) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incs))
	}
	if incs[0].Threat != types.ThreatDDoS || incs[0].Offender != "flooder" {
		t.Errorf("incident = %+v", incs[0])
	}
}

func TestCopyKeywordOpensIncident(t *testing.T) {
	h := newHarness(t, "response0")
	now := time.Now()

	h.mon.process(types.Message{
		From:     "router0",
		Origin:   "attacker0",
		Dst:      "router1-node0",
		Protocol: types.ProtocolNetworkCopy,
		Body:     "please run this trojan",
	}, now)

	incs := h.mon.Incidents()
	if len(incs) != 1 || incs[0].Threat != types.ThreatMalware {
		t.Errorf("incidents = %+v", incs)
	}
}

type sinkStub struct{}

func (sinkStub) Publish(context.Context, types.IncidentEvent) error { return nil }

func TestLifecycleEventsRecordTransitions(t *testing.T) {
	b := bus.New(testLogger())
	b.Register("response0")
	m := New("monitor0", b, []types.Identity{"response0"}, detect.NewScanner(),
		[]EventSink{sinkStub{}}, DefaultConfig(), testLogger())
	t.Cleanup(m.Stop)

	now := time.Now()
	m.process(alert(types.ThreatMalware, "attacker0"), now)

	var events []types.IncidentEvent
	for len(m.events) > 0 {
		events = append(events, <-m.events)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want open and auctioning", len(events))
	}
	if events[0].From != "" || events[0].To != types.IncidentOpen {
		t.Errorf("open event = %s -> %s, want <empty> -> %s",
			events[0].From, events[0].To, types.IncidentOpen)
	}
	if events[1].From != types.IncidentOpen || events[1].To != types.IncidentAuctioning {
		t.Errorf("auctioning event = %s -> %s, want %s -> %s",
			events[1].From, events[1].To, types.IncidentOpen, types.IncidentAuctioning)
	}
}

func TestPurgeAfterGracePeriod(t *testing.T) {
	h := newHarness(t, "response0")
	now := time.Now()
	inc := h.openOne(t, now)
	h.drain("response0")

	// Fail it and exhaust the retry budget.
	h.mon.sweep(now.Add(1100 * time.Millisecond))
	h.mon.sweep(now.Add(3200 * time.Millisecond))
	h.mon.sweep(now.Add(4400 * time.Millisecond))

	// Terminal incidents survive the grace period, then disappear.
	h.mon.purge(now.Add(5 * time.Second))
	if _, ok := h.mon.Incident(inc.ID); !ok {
		t.Fatal("incident purged before the grace period")
	}
	h.mon.purge(now.Add(2 * time.Minute))
	if n := len(h.mon.Incidents()); n != 0 {
		t.Errorf("incidents after purge = %d, want 0", n)
	}
}
