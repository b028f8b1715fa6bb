package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netfabric/meshguard/pkg/types"
)

// Agent is the concurrent execution core every fabric participant embeds:
// an identity, a mailbox, and a set of behaviours.
//
// # Behaviours
//
// Each behaviour runs in its own goroutine. A panic inside a behaviour is
// recovered and terminates only that behaviour; the agent's other behaviours
// keep running. Stopping the agent cancels every behaviour and drops the
// mailbox.
type Agent struct {
	id     types.Identity
	bus    *Bus
	inbox  *Mailbox
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewAgent registers id on the bus and returns its execution core.
func NewAgent(id types.Identity, b *Bus, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		id:     id,
		bus:    b,
		inbox:  b.Register(id),
		logger: logger.With("agent", string(id)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the agent's identity.
func (a *Agent) ID() types.Identity { return a.id }

// Logger returns the agent-scoped logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Context is cancelled when the agent stops.
func (a *Agent) Context() context.Context { return a.ctx }

// Go starts a named behaviour. The behaviour ends when fn returns or the
// agent stops; a panic is logged and confined to this behaviour.
func (a *Agent) Go(name string, fn func(ctx context.Context)) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("behaviour terminated by panic",
					"behaviour", name, "panic", r)
			}
		}()
		fn(a.ctx)
	}()
}

// Every starts a periodic behaviour firing at the given interval until the
// agent stops.
func (a *Agent) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	a.Go(name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// Receive waits up to timeout for the next inbound message.
func (a *Agent) Receive(timeout time.Duration) (types.Message, bool) {
	return a.inbox.Receive(a.ctx, timeout)
}

// Send dispatches msg on the bus, stamping identity, ID and send time.
// Fire-and-forget: delivery is best effort.
func (a *Agent) Send(msg types.Message) {
	msg.From = a.id
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	a.bus.Send(msg)
}

// Sleep pauses the calling behaviour for d, returning early (false) if the
// agent stops. This is the cooperative delay used between mitigation phases
// and attack bursts.
func (a *Agent) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// Pending returns the number of queued inbound messages.
func (a *Agent) Pending() int { return a.inbox.Pending() }

// Stop cancels all behaviours, waits for them, and drops the mailbox.
// Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	a.bus.Deregister(a.id)
	a.logger.Debug("agent stopped")
}
