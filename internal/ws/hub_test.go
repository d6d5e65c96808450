package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/pkg/config"
)

type countingMetrics struct {
	mu         sync.Mutex
	opened     int
	closed     int
	broadcasts []string
}

func (m *countingMetrics) WSSessionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *countingMetrics) WSSessionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *countingMetrics) RecordBroadcast(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, event)
}

func (m *countingMetrics) snapshot() (int, int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed, append([]string(nil), m.broadcasts...)
}

func newTestHub(metrics Metrics) *Hub {
	return NewHub(config.WSConfig{SendBuffer: 8}, nil, nil, metrics, zap.NewNop())
}

func addSession(t *testing.T, h *Hub, buffer int) *session {
	t.Helper()
	s := newSession(h, nil, nil, buffer)
	h.register <- s
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.sessions[s]
		return ok
	}, time.Second, 5*time.Millisecond)
	return s
}

func TestHubBroadcastFanOut(t *testing.T) {
	metrics := &countingMetrics{}
	hub := newTestHub(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	first := addSession(t, hub, 4)
	second := addSession(t, hub, 4)
	assert.Equal(t, 2, hub.SessionCount())

	payload := models.ActiveStudent{StudentID: "student-1", Barcode: "B-100", FullName: "Amira Hassan"}
	hub.Broadcast(models.EventStudentCheckedIn, payload)

	for _, s := range []*session{first, second} {
		select {
		case data := <-s.send:
			var msg models.BroadcastMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			assert.Equal(t, models.EventStudentCheckedIn, msg.Event)

			var got models.ActiveStudent
			require.NoError(t, json.Unmarshal(msg.Payload, &got))
			assert.Equal(t, "B-100", got.Barcode)
		case <-time.After(time.Second):
			t.Fatal("session did not receive broadcast frame")
		}
	}

	opened, _, broadcasts := metrics.snapshot()
	assert.Equal(t, 2, opened)
	assert.Equal(t, []string{models.EventStudentCheckedIn}, broadcasts)
}

func TestHubDropsSlowSession(t *testing.T) {
	metrics := &countingMetrics{}
	hub := newTestHub(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := addSession(t, hub, 1)

	// The first frame fills the session buffer; the second cannot be
	// delivered and forces a disconnect instead of blocking the hub.
	hub.Broadcast(models.EventStudentCheckedOut, models.CheckedOutPayload{Barcode: "B-1"})
	hub.Broadcast(models.EventStudentCheckedOut, models.CheckedOutPayload{Barcode: "B-2"})

	require.Eventually(t, func() bool {
		return hub.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)

	// The done channel signals the teardown; the buffered frame stays
	// readable because the send channel is never closed.
	select {
	case <-slow.done:
	case <-time.After(time.Second):
		t.Fatal("dropped session was not signalled")
	}
	<-slow.send

	_, closed, _ := metrics.snapshot()
	assert.Equal(t, 1, closed)
}

func TestHubUnregisterRemovesSession(t *testing.T) {
	hub := newTestHub(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s := addSession(t, hub, 4)
	hub.unregister <- s

	require.Eventually(t, func() bool {
		return hub.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("unregistered session was not signalled")
	}
}

func TestHubRunTeardownClosesSessions(t *testing.T) {
	metrics := &countingMetrics{}
	hub := newTestHub(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	s := addSession(t, hub, 4)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop on context cancel")
	}

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("session was not signalled on hub teardown")
	}

	_, closed, _ := metrics.snapshot()
	assert.Equal(t, 1, closed)
}

func TestHubSnapshotDuringDropDoesNotPanic(t *testing.T) {
	snapshot := func(ctx context.Context) ([]models.ActiveStudent, error) {
		return []models.ActiveStudent{{StudentID: "student-1", Barcode: "B-1"}}, nil
	}
	hub := NewHub(config.WSConfig{SendBuffer: 8}, nil, snapshot, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// One-slot buffer so broadcasts force the slow-session drop while the
	// read side keeps answering resync requests on the same channel.
	s := addSession(t, hub, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.sendSnapshot()
		}
	}()
	for i := 0; i < 50; i++ {
		hub.Broadcast(models.EventStudentCheckedOut, models.CheckedOutPayload{Barcode: "B-1"})
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return hub.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHubRefusesTrafficAfterShutdown(t *testing.T) {
	hub := newTestHub(nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub done channel not closed after Run exit")
	}

	// Late registrations and unregistrations must not block forever.
	s := newSession(hub, nil, nil, 1)
	finished := make(chan struct{})
	go func() {
		select {
		case hub.register <- s:
		case <-hub.done:
		}
		select {
		case hub.unregister <- s:
		case <-hub.done:
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("register/unregister blocked after hub shutdown")
	}
	assert.Equal(t, 0, hub.SessionCount())
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	// No Run loop draining events: the buffer fills and extra events are
	// dropped rather than stalling the caller.
	hub := NewHub(config.WSConfig{SendBuffer: 1}, nil, nil, nil, zap.NewNop())

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(models.EventActiveStudents, nil)
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full hub buffer")
	}
}

func TestHubBroadcastSkipsUnencodablePayload(t *testing.T) {
	hub := newTestHub(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s := addSession(t, hub, 4)
	hub.Broadcast(models.EventActiveStudents, func() {})

	select {
	case <-s.send:
		t.Fatal("unencodable payload should not produce a frame")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1, hub.SessionCount())
}

func TestAllowOrigin(t *testing.T) {
	open := NewHub(config.WSConfig{}, nil, nil, nil, zap.NewNop())
	assert.True(t, open.allowOrigin("https://anywhere.example"))
	assert.True(t, open.allowOrigin(""))

	restricted := NewHub(config.WSConfig{}, []string{"https://dashboard.school.id/"}, nil, nil, zap.NewNop())
	assert.True(t, restricted.allowOrigin("https://dashboard.school.id"))
	assert.True(t, restricted.allowOrigin("https://dashboard.school.id/"))
	assert.False(t, restricted.allowOrigin("https://evil.example"))
	assert.True(t, restricted.allowOrigin(""))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc123", bearerToken("Bearer abc123"))
	assert.Equal(t, "abc123", bearerToken("bearer abc123"))
	assert.Empty(t, bearerToken("Basic abc123"))
	assert.Empty(t, bearerToken("Bearer"))
	assert.Empty(t, bearerToken(""))
}
