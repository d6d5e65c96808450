package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/pkg/config"
)

// SnapshotFunc returns the authoritative active roster, used for targeted
// resyncs when a session asks for one.
type SnapshotFunc func(ctx context.Context) ([]models.ActiveStudent, error)

// Metrics receives hub instrumentation callbacks.
type Metrics interface {
	WSSessionOpened()
	WSSessionClosed()
	RecordBroadcast(event string)
}

// Hub fans roster events out to every connected dashboard session. Delivery is
// best effort: a slow or disconnected session misses the event and recovers
// via its polling fallback or a requested snapshot. The hub holds no roster
// state of its own.
type Hub struct {
	cfg      config.WSConfig
	logger   *zap.Logger
	snapshot SnapshotFunc
	metrics  Metrics
	origins  map[string]struct{}

	register   chan *session
	unregister chan *session
	events     chan frame
	done       chan struct{}

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

type frame struct {
	event string
	data  []byte
}

// NewHub constructs a Hub. allowedOrigins mirrors the HTTP CORS policy; an
// empty list admits any origin.
func NewHub(cfg config.WSConfig, allowedOrigins []string, snapshot SnapshotFunc, metrics Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(o, "/")] = struct{}{}
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		snapshot:   snapshot,
		metrics:    metrics,
		origins:    origins,
		register:   make(chan *session),
		unregister: make(chan *session),
		events:     make(chan frame, buffer),
		done:       make(chan struct{}),
		sessions:   make(map[*session]struct{}),
	}
}

// Run drives the hub loop until ctx is cancelled. All sessions are torn down
// on exit.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.WSSessionOpened()
			}
			h.logger.Debug("ws session registered", zap.String("user_id", s.userID()))
		case s := <-h.unregister:
			h.drop(s)
		case f := <-h.events:
			h.fanOut(f)
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.sessions {
				s.shutdown()
				delete(h.sessions, s)
				if h.metrics != nil {
					h.metrics.WSSessionClosed()
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast pushes an event to all connected sessions. It never blocks the
// caller: when the hub buffer is full the event is dropped and clients catch
// up on the next poll. Broadcast failures must not affect the committed state
// change that triggered them.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Warn("broadcast encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case h.events <- frame{event: event, data: data}:
	default:
		h.logger.Warn("broadcast buffer full, event dropped", zap.String("event", event))
	}
}

// SessionCount reports the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) fanOut(f frame) {
	if h.metrics != nil {
		h.metrics.RecordBroadcast(f.event)
	}
	h.mu.Lock()
	for s := range h.sessions {
		select {
		case s.send <- f.data:
		default:
			// Session cannot keep up; disconnect it and let the client
			// re-establish with a fresh snapshot. The send channel stays
			// open: the read goroutine may still be answering a snapshot
			// request on it.
			s.shutdown()
			delete(h.sessions, s)
			if h.metrics != nil {
				h.metrics.WSSessionClosed()
			}
			h.logger.Warn("ws session dropped, send buffer full", zap.String("user_id", s.userID()))
		}
	}
	h.mu.Unlock()
}

func (h *Hub) drop(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; ok {
		s.shutdown()
		delete(h.sessions, s)
		if h.metrics != nil {
			h.metrics.WSSessionClosed()
		}
		h.logger.Debug("ws session unregistered", zap.String("user_id", s.userID()))
	}
}

func (h *Hub) allowOrigin(origin string) bool {
	if len(h.origins) == 0 || origin == "" {
		return true
	}
	_, ok := h.origins[strings.TrimRight(origin, "/")]
	return ok
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	msg := models.BroadcastMessage{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}
