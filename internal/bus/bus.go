// Package bus provides the in-process messaging substrate for the fabric.
//
// # Delivery Contract
//
//  1. Send is fire-and-forget and never blocks the sender
//  2. Messages from one sender to one recipient arrive in send order; no
//     ordering is guaranteed across senders
//  3. Sends to an unregistered or stopped endpoint are silently dropped,
//     matching best-effort network loss semantics
//
// # Receive
//
// Receive suspends the caller until a message arrives or the timeout elapses;
// a timed-out wait is a normal outcome, not an error.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/netfabric/meshguard/pkg/types"
)

// DefaultMailboxDepth bounds each endpoint's inbox. A full inbox drops new
// messages rather than blocking the sender.
const DefaultMailboxDepth = 512

// Bus routes messages between registered endpoints.
type Bus struct {
	logger *slog.Logger

	mu    sync.RWMutex
	boxes map[types.Identity]*Mailbox

	// Drop counters, exposed for telemetry.
	dropMu  sync.Mutex
	dropped map[string]int64
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger.With("component", "bus"),
		boxes:   make(map[types.Identity]*Mailbox),
		dropped: make(map[string]int64),
	}
}

// Mailbox is one endpoint's inbox.
type Mailbox struct {
	id types.Identity
	ch chan types.Message
}

// Register creates a mailbox for id. Registering an already-registered id
// replaces the old mailbox; pending messages in the old one are dropped.
func (b *Bus) Register(id types.Identity) *Mailbox {
	box := &Mailbox{
		id: id,
		ch: make(chan types.Message, DefaultMailboxDepth),
	}

	b.mu.Lock()
	b.boxes[id] = box
	b.mu.Unlock()

	return box
}

// Deregister removes id's mailbox. In-flight sends to id are dropped from
// then on.
func (b *Bus) Deregister(id types.Identity) {
	b.mu.Lock()
	delete(b.boxes, id)
	b.mu.Unlock()
}

// Send delivers msg to its To endpoint. Never blocks; drops when the
// recipient is unknown or its inbox is full.
func (b *Bus) Send(msg types.Message) {
	b.mu.RLock()
	box, ok := b.boxes[msg.To]
	b.mu.RUnlock()

	if !ok {
		b.countDrop("unregistered")
		b.logger.Debug("dropping message to unregistered endpoint",
			"to", msg.To, "from", msg.From)
		return
	}

	select {
	case box.ch <- msg:
	default:
		b.countDrop("overflow")
		b.logger.Debug("dropping message, inbox full",
			"to", msg.To, "from", msg.From)
	}
}

func (b *Bus) countDrop(reason string) {
	b.dropMu.Lock()
	b.dropped[reason]++
	b.dropMu.Unlock()
}

// DroppedCounts returns a copy of the drop counters by reason.
func (b *Bus) DroppedCounts() map[string]int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	out := make(map[string]int64, len(b.dropped))
	for k, v := range b.dropped {
		out[k] = v
	}
	return out
}

// Endpoints returns the identities currently registered.
func (b *Bus) Endpoints() []types.Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]types.Identity, 0, len(b.boxes))
	for id := range b.boxes {
		ids = append(ids, id)
	}
	return ids
}

// Receive waits for the next message, up to timeout. The second return is
// false on timeout or context cancellation.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration) (types.Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-m.ch:
		return msg, true
	case <-timer.C:
		return types.Message{}, false
	case <-ctx.Done():
		return types.Message{}, false
	}
}

// TryReceive returns a queued message without waiting.
func (m *Mailbox) TryReceive() (types.Message, bool) {
	select {
	case msg := <-m.ch:
		return msg, true
	default:
		return types.Message{}, false
	}
}

// Pending returns the number of queued messages.
func (m *Mailbox) Pending() int { return len(m.ch) }
