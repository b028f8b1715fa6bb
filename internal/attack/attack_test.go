package attack

import (
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

func TestParseKind(t *testing.T) {
	for _, k := range []string{"malware", "ddos", "insider"} {
		if _, err := ParseKind(k); err != nil {
			t.Errorf("ParseKind(%q): %v", k, err)
		}
	}
	if _, err := ParseKind("phishing"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// collect drains home's mailbox until count messages arrive or the deadline
// passes.
func collect(t *testing.T, home *bus.Mailbox, count int) []types.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var out []types.Message
	for time.Now().Before(deadline) && len(out) < count {
		if msg, ok := home.TryReceive(); ok {
			out = append(out, msg)
			continue
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(out) < count {
		t.Fatalf("received %d messages, want %d", len(out), count)
	}
	return out
}

func TestMalwareScriptSendsInfectPayloads(t *testing.T) {
	b := bus.New(testLogger())
	home := b.Register("router0")

	a := New("attacker0", b, Config{
		Kind:     KindMalware,
		Home:     "router0",
		Target:   "router1-node0",
		Strain:   "wormA",
		Interval: time.Millisecond,
		Count:    3,
	}, testLogger())
	defer a.Stop()
	a.Start()

	msgs := collect(t, home, 3)
	infects := 0
	for _, m := range msgs {
		if m.Dst != "router1-node0" {
			t.Errorf("dst = %s", m.Dst)
		}
		if strings.HasPrefix(m.Body, "INFECT:wormA") {
			infects++
		}
	}
	if infects == 0 {
		t.Error("no infection payloads sent")
	}
}

func TestDDoSScriptHonorsCount(t *testing.T) {
	b := bus.New(testLogger())
	home := b.Register("router0")

	a := New("attacker0", b, Config{
		Kind:              KindDDoS,
		Home:              "router0",
		Target:            "router1-node0",
		MessagesPerSecond: 1000,
		Burst:             10,
		Count:             5,
	}, testLogger())
	defer a.Stop()
	a.Start()

	msgs := collect(t, home, 5)
	for _, m := range msgs {
		if !strings.HasPrefix(m.Body, "FLOOD") {
			t.Errorf("body = %s", m.Body)
		}
	}

	// The script stops at its budget.
	time.Sleep(50 * time.Millisecond)
	if msg, ok := home.TryReceive(); ok {
		t.Errorf("message beyond count: %+v", msg)
	}
}

func TestInsiderScriptUsesKnownPhrases(t *testing.T) {
	b := bus.New(testLogger())
	home := b.Register("router0")

	a := New("attacker0", b, Config{
		Kind:     KindInsider,
		Home:     "router0",
		Target:   "router1-node0",
		Interval: time.Millisecond,
		Count:    2,
	}, testLogger())
	defer a.Stop()
	a.Start()

	msgs := collect(t, home, 2)
	for _, m := range msgs {
		if !strings.Contains(m.Body, "login") && !strings.Contains(m.Body, "unauthorized") {
			t.Errorf("body = %s", m.Body)
		}
	}
}
