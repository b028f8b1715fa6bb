package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Stream pushes telemetry frames to websocket subscribers. Clients are
// read-only; anything they send is discarded. A shared rate limiter bounds
// the frame rate regardless of how aggressively the interval is configured.
type Stream struct {
	collector *Collector
	interval  time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// MaxFrameRate caps outbound telemetry frames per second.
const MaxFrameRate = 20

// NewStream creates a stream publishing a frame every interval.
func NewStream(collector *Collector, interval time.Duration, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Stream{
		collector: collector,
		interval:  interval,
		limiter:   rate.NewLimiter(MaxFrameRate, 1),
		logger:    logger.With("component", "telemetry-stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers the subscriber.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("telemetry subscriber connected", "remote", r.RemoteAddr, "subscribers", n)

	// Drain inbound frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(conn)
				return
			}
		}
	}()
}

// Run broadcasts frames until ctx is cancelled, then closes all subscribers.
func (s *Stream) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			if !s.limiter.Allow() {
				continue
			}
			s.broadcast()
		}
	}
}

func (s *Stream) broadcast() {
	s.mu.Lock()
	if len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	report := s.collector.Report()
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(report); err != nil {
			s.drop(conn)
		}
	}
}

func (s *Stream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *Stream) closeAll() {
	s.mu.Lock()
	for conn := range s.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
}
