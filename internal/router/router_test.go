package router

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/netfabric/meshguard/internal/bus"
	"github.com/netfabric/meshguard/internal/detect"
	"github.com/netfabric/meshguard/internal/firewall"
	"github.com/netfabric/meshguard/internal/topology"
	"github.com/netfabric/meshguard/pkg/types"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFabric struct {
	bus     *bus.Bus
	router  *Router
	boxes   map[types.Identity]*bus.Mailbox
	control *bus.Mailbox
}

// newFabric builds a two-router mesh with one leaf each and instantiates
// router0 under test. Peer endpoints are bare mailboxes.
func newFabric(t *testing.T) *testFabric {
	t.Helper()
	b := bus.New(testLogger())
	graph, err := topology.New(topology.ShapeMesh, 2, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &testFabric{
		bus: b,
		boxes: map[types.Identity]*bus.Mailbox{
			"router1":       b.Register("router1"),
			"router0-node0": b.Register("router0-node0"),
			"monitor0":      b.Register("monitor0"),
		},
		control: b.Register("response0"),
	}

	fw := firewall.New("router0", detect.NewScanner(), firewall.Hooks{}, testLogger())
	f.router = New("router0", b, graph, fw, nil, []types.Identity{"monitor0"},
		DefaultConfig(), testLogger())
	t.Cleanup(f.router.Stop)
	return f
}

func (f *testFabric) receive(t *testing.T, id types.Identity) types.Message {
	t.Helper()
	msg, ok := f.boxes[id].TryReceive()
	if !ok {
		t.Fatalf("%s: no message", id)
	}
	return msg
}

func (f *testFabric) empty(id types.Identity) bool {
	return f.boxes[id].Pending() == 0
}

func TestForwardToLocalLeaf(t *testing.T) {
	f := newFabric(t)
	base, _ := f.router.Ledger().Base()

	f.router.handle(types.Message{
		From:     "router1",
		Origin:   "router1-node0",
		To:       "router0",
		Dst:      "router0-node0",
		Protocol: types.ProtocolData,
		Body:     "hello",
	})

	got := f.receive(t, "router0-node0")
	if got.Body != "hello" || got.Origin != "router1-node0" || got.Via != "router0" {
		t.Errorf("delivered = %+v", got)
	}
	if got.TTL != types.DefaultTTL-1 {
		t.Errorf("TTL = %d, want %d", got.TTL, types.DefaultTTL-1)
	}

	// Forwarding charged the ledger above base.
	u := f.router.Ledger().Usage()
	if u.CPU <= base {
		t.Errorf("forwarding not charged: cpu = %v, base = %v", u.CPU, base)
	}
	if u.ActiveTasks != 1 {
		t.Errorf("active tasks = %d, want 1", u.ActiveTasks)
	}
}

func TestForwardCopiesToMonitors(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "router0-node0",
		To:       "router0",
		Dst:      "router1-node0",
		Protocol: types.ProtocolData,
		Body:     "hello",
	})

	cp := f.receive(t, "monitor0")
	if cp.Protocol != types.ProtocolNetworkCopy {
		t.Errorf("copy protocol = %s", cp.Protocol)
	}
	if cp.Origin != "router0-node0" || cp.Dst != "router1-node0" {
		t.Errorf("copy = %+v", cp)
	}
}

func TestForwardRemoteViaNextHop(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "router0-node0",
		To:       "router0",
		Dst:      "router1-node0",
		Protocol: types.ProtocolData,
		Body:     "hello",
	})

	out := f.receive(t, "router1")
	if out.To != "router1" || out.Dst != "router1-node0" {
		t.Errorf("forwarded = %+v", out)
	}
	if out.Origin != "router0-node0" {
		t.Errorf("origin lost: %+v", out)
	}
}

func TestDeniedMessageDroppedWithoutCharge(t *testing.T) {
	f := newFabric(t)
	cmd, _ := types.ParseCommand("BLOCK_JID:attacker0")
	if _, err := f.router.fw.Apply(cmd); err != nil {
		t.Fatal(err)
	}

	f.router.handle(types.Message{
		From:     "router1",
		Origin:   "attacker0",
		To:       "router0",
		Dst:      "router0-node0",
		Protocol: types.ProtocolData,
		Body:     "hello",
	})

	if !f.empty("router0-node0") {
		t.Error("blocked traffic delivered")
	}
	if u := f.router.Ledger().Usage(); u.ActiveTasks != 0 {
		t.Errorf("dropped message charged the ledger: %+v", u)
	}
}

func TestUnroutableDestinationUncharged(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "router0-node0",
		To:       "router0",
		Dst:      "ghost-node",
		Protocol: types.ProtocolData,
		Body:     "hello",
	})

	if u := f.router.Ledger().Usage(); u.ActiveTasks != 0 {
		t.Errorf("unroutable message charged the ledger: %+v", u)
	}
	if !f.empty("monitor0") {
		t.Error("unroutable message copied to monitors")
	}
}

func TestSignatureDenialAlertsMonitor(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "router0-node0",
		To:       "router0",
		Dst:      "router1-node0",
		Protocol: types.ProtocolData,
		Body:     "fresh ransomware build attached",
	})

	alert := f.receive(t, "monitor0")
	if alert.Protocol != types.ProtocolThreatAlert {
		t.Fatalf("expected threat alert, got %+v", alert)
	}
	if alert.MetaValue("offender") != "router0-node0" {
		t.Errorf("offender = %s", alert.MetaValue("offender"))
	}
	if alert.MetaValue("threat") != string(types.ThreatMalware) {
		t.Errorf("threat = %s", alert.MetaValue("threat"))
	}
}

func TestControlCommandApplied(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "response0",
		To:       "router0",
		Protocol: types.ProtocolControl,
		Body:     "BLOCK_JID:attacker0",
	})

	reply, ok := f.control.TryReceive()
	if !ok {
		t.Fatal("no reply to control command")
	}
	if reply.Performative != types.PerformativeInform || !strings.HasPrefix(reply.Body, "OK BLOCKED") {
		t.Errorf("reply = %+v", reply)
	}
	if f.router.fw.RuleCounts().Permanent != 1 {
		t.Error("rule not installed")
	}
}

func TestUnknownControlCommandErrors(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "response0",
		To:       "router0",
		Protocol: types.ProtocolControl,
		Body:     "SELF_DESTRUCT:now",
	})

	reply, ok := f.control.TryReceive()
	if !ok {
		t.Fatal("no reply to bad command")
	}
	if reply.Performative != types.PerformativeFailure || !strings.HasPrefix(reply.Body, "ERROR") {
		t.Errorf("reply = %+v", reply)
	}
}

func TestThreatAlertRelayed(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "router0-node0",
		To:       "router0",
		Protocol: types.ProtocolThreatAlert,
		Body:     "malware:keyword:trojan",
		Meta:     map[string]string{"offender": "attacker0"},
	})

	relayed := f.receive(t, "monitor0")
	if relayed.Protocol != types.ProtocolThreatAlert || relayed.Origin != "router0-node0" {
		t.Errorf("relayed = %+v", relayed)
	}
}

func TestTTLExpiryDrops(t *testing.T) {
	f := newFabric(t)
	f.router.handle(types.Message{
		From:     "router1",
		Origin:   "router1-node0",
		To:       "router0",
		Dst:      "router0-node0",
		TTL:      1,
		Protocol: types.ProtocolData,
		Body:     "spinning",
	})
	if !f.empty("router0-node0") {
		t.Error("expired message delivered")
	}
}
