package response

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/pkg/types"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig shrinks phase delays so sequences complete quickly under test.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MalwareStepDelay = time.Millisecond
	cfg.DDoSStepDelay = time.Millisecond
	cfg.InsiderStepDelay = time.Millisecond
	return cfg
}

type testRig struct {
	bus     *bus.Bus
	resp    *Responder
	monitor *bus.Mailbox
	routers map[types.Identity]*bus.Mailbox
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	b := bus.New(testLogger())
	rig := &testRig{
		bus:     b,
		monitor: b.Register("monitor0"),
		routers: map[types.Identity]*bus.Mailbox{
			"router0": b.Register("router0"),
			"router1": b.Register("router1"),
		},
	}
	rig.resp = New("response0", b, []types.Identity{"router0", "router1"}, fastConfig(), testLogger())
	t.Cleanup(rig.resp.Stop)
	return rig
}

func (r *testRig) commands(router types.Identity) []string {
	var out []string
	for {
		msg, ok := r.routers[router].TryReceive()
		if !ok {
			return out
		}
		if msg.Protocol == types.ProtocolControl {
			out = append(out, msg.Body)
		}
	}
}

func (r *testRig) reports() []string {
	var out []string
	for {
		msg, ok := r.monitor.TryReceive()
		if !ok {
			return out
		}
		if msg.Protocol == types.ProtocolReport {
			out = append(out, msg.Body)
		}
	}
}

func cfp(incidentID string, threat types.ThreatType, offender string) types.Message {
	return types.Message{
		From:         "monitor0",
		To:           "response0",
		Performative: types.PerformativeCFP,
		Protocol:     types.ProtocolCNP,
		ConvID:       incidentID,
		Meta: map[string]string{
			"threat":   string(threat),
			"offender": offender,
			"target":   "router0-node1",
		},
	}
}

func accept(incidentID string, threat types.ThreatType, offender, strain string) types.Message {
	meta := map[string]string{
		"threat":   string(threat),
		"offender": offender,
		"target":   "router0-node1",
	}
	if strain != "" {
		meta["strain"] = strain
	}
	return types.Message{
		From:         "monitor0",
		To:           "response0",
		Performative: types.PerformativeAccept,
		Protocol:     types.ProtocolCNP,
		ConvID:       incidentID,
		Meta:         meta,
	}
}

// findStrain scans for a strain with the wanted cure outcome. The digest
// decision is deterministic, so the scan always terminates quickly.
func findStrain(t *testing.T, curable bool) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		s := fmt.Sprintf("strain-%d", i)
		if CureSucceeds(s) == curable {
			return s
		}
	}
	t.Fatal("no strain with wanted parity in 1000 candidates")
	return ""
}

func waitReports(t *testing.T, rig *testRig, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var got []string
	for time.Now().Before(deadline) {
		got = append(got, rig.reports()...)
		if len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("reports = %v, want %d", got, want)
	return nil
}

func TestScoreGrowsWithLoad(t *testing.T) {
	rig := newRig(t)
	if got := rig.resp.Score(); got != 10 {
		t.Errorf("idle score = %v, want 10", got)
	}
	rig.resp.active["inc-a"] = &assignment{incidentID: "inc-a"}
	rig.resp.active["inc-b"] = &assignment{incidentID: "inc-b"}
	if got := rig.resp.Score(); got != 40 {
		t.Errorf("loaded score = %v, want 40", got)
	}
	// Finished assignments stop counting.
	rig.resp.active["inc-a"].done = true
	if got := rig.resp.Score(); got != 25 {
		t.Errorf("score after completion = %v, want 25", got)
	}
}

func TestCFPBidsCurrentScore(t *testing.T) {
	rig := newRig(t)
	rig.resp.onCFP(cfp("inc-1", types.ThreatDDoS, "flooder"))

	msg, ok := rig.monitor.TryReceive()
	if !ok {
		t.Fatal("no bid sent")
	}
	if msg.Performative != types.PerformativePropose || msg.ConvID != "inc-1" {
		t.Fatalf("bid = %+v", msg)
	}
	if msg.MetaValue("score") != "10" {
		t.Errorf("score = %s, want 10", msg.MetaValue("score"))
	}
}

func TestCFPRefusesAtCapacity(t *testing.T) {
	rig := newRig(t)
	for i := 0; i < rig.resp.cfg.MaxConcurrent; i++ {
		id := fmt.Sprintf("inc-%d", i)
		rig.resp.active[id] = &assignment{incidentID: id}
	}
	rig.resp.onCFP(cfp("inc-x", types.ThreatDDoS, "flooder"))

	msg, ok := rig.monitor.TryReceive()
	if !ok {
		t.Fatal("no reply sent")
	}
	if msg.Performative != types.PerformativeRefuse {
		t.Errorf("reply = %+v, want refuse", msg)
	}
}

func TestInsiderSequence(t *testing.T) {
	rig := newRig(t)
	rig.resp.onAccept(accept("inc-1", types.ThreatInsider, "insider1", ""))

	reports := waitReports(t, rig, 2)
	if !strings.HasPrefix(reports[0], "STARTED") || !strings.HasPrefix(reports[len(reports)-1], "DONE") {
		t.Fatalf("reports = %v", reports)
	}

	// Four phases: suspend, access audit (log-only), admin alert, block.
	// The audit phase sends no command.
	cmds := rig.commands("router0")
	want := []string{
		"SUSPEND_ACCESS:insider1",
		"ADMIN_ALERT:insider_threat:inc-1:insider1",
		"BLOCK_JID:insider1",
	}
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v", cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command %d = %s, want %s", i, cmds[i], want[i])
		}
	}

	rig.resp.mu.Lock()
	a := rig.resp.active["inc-1"]
	rig.resp.mu.Unlock()
	if a == nil || !a.audited {
		t.Error("access audit phase skipped")
	}
}

func TestDDoSSequence(t *testing.T) {
	rig := newRig(t)
	rig.resp.onAccept(accept("inc-1", types.ThreatDDoS, "flooder", ""))

	reports := waitReports(t, rig, 2)
	if !strings.HasPrefix(reports[len(reports)-1], "DONE") {
		t.Fatalf("reports = %v", reports)
	}

	// Throttle, temp block, then the sustained-attack re-check re-asserting
	// the throttle.
	cmds := rig.commands("router1")
	if len(cmds) != 3 {
		t.Fatalf("commands = %v", cmds)
	}
	if cmds[0] != "RATE_LIMIT:flooder:10" {
		t.Errorf("first command = %s", cmds[0])
	}
	if !strings.HasPrefix(cmds[1], "TEMP_BLOCK:flooder:") {
		t.Errorf("second command = %s", cmds[1])
	}
	if cmds[2] != "RATE_LIMIT:flooder:10" {
		t.Errorf("re-check command = %s", cmds[2])
	}
}

func TestMalwareCurableStrain(t *testing.T) {
	rig := newRig(t)
	strain := findStrain(t, true)
	rig.resp.onAccept(accept("inc-1", types.ThreatMalware, "attacker0", strain))

	reports := waitReports(t, rig, 2)
	if !strings.HasPrefix(reports[len(reports)-1], "DONE") {
		t.Fatalf("reports = %v", reports)
	}

	cmds := rig.commands("router0")
	if len(cmds) < 2 || cmds[0] != "BLOCK_JID:attacker0" {
		t.Fatalf("commands = %v", cmds)
	}
}

func TestMalwareResistantStrainFails(t *testing.T) {
	rig := newRig(t)
	strain := findStrain(t, false)
	rig.resp.onAccept(accept("inc-1", types.ThreatMalware, "attacker0", strain))

	reports := waitReports(t, rig, 2)
	if !strings.HasPrefix(reports[len(reports)-1], "FAILED") {
		t.Fatalf("reports = %v", reports)
	}
}

func TestCureDeterministic(t *testing.T) {
	for _, strain := range []string{"wormA", "wormB", "cryptolock", ""} {
		first := CureSucceeds(strain)
		for i := 0; i < 10; i++ {
			if CureSucceeds(strain) != first {
				t.Fatalf("verdict for %q changed between calls", strain)
			}
		}
	}
}

func TestDuplicateAwardIgnored(t *testing.T) {
	rig := newRig(t)
	rig.resp.onAccept(accept("inc-1", types.ThreatDDoS, "flooder", ""))
	rig.resp.onAccept(accept("inc-1", types.ThreatDDoS, "flooder", ""))

	reports := waitReports(t, rig, 2)
	started := 0
	for _, r := range reports {
		if strings.HasPrefix(r, "STARTED") {
			started++
		}
	}
	if started != 1 {
		t.Errorf("STARTED reports = %d, want 1", started)
	}
}

func TestPhasePacingOrder(t *testing.T) {
	// Malware mitigations pace faster than insider ones.
	cfg := DefaultConfig()
	if cfg.MalwareStepDelay >= cfg.DDoSStepDelay || cfg.DDoSStepDelay >= cfg.InsiderStepDelay {
		t.Errorf("step delays out of order: %s %s %s",
			cfg.MalwareStepDelay, cfg.DDoSStepDelay, cfg.InsiderStepDelay)
	}
}

func TestCleanupDropsFinished(t *testing.T) {
	rig := newRig(t)
	now := time.Now()
	rig.resp.active["old"] = &assignment{done: true, finishedAt: now.Add(-time.Minute)}
	rig.resp.active["fresh"] = &assignment{done: true, finishedAt: now}
	rig.resp.active["running"] = &assignment{}

	rig.resp.cleanup(now)
	if _, ok := rig.resp.active["old"]; ok {
		t.Error("retention-expired assignment kept")
	}
	if _, ok := rig.resp.active["fresh"]; !ok {
		t.Error("fresh assignment dropped")
	}
	if _, ok := rig.resp.active["running"]; !ok {
		t.Error("running assignment dropped")
	}
}
