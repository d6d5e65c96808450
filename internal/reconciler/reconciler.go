// Package reconciler maintains a locally-coherent view of the active roster
// for one dashboard session. It merges push-based incremental events (the
// primary, low-latency path) with a periodic full poll (the fallback that
// guarantees eventual consistency when the push channel drops messages).
package reconciler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hbics/dismissal-api/internal/models"
)

// Notifier receives arrival and departure cues for the dashboard UI. Arrived
// fires at most once per student within the cooldown window; PlaybackHalted
// fires when a student leaves the roster so any audio tied to them stops.
type Notifier interface {
	Arrived(student models.ActiveStudent)
	PlaybackHalted(barcode string)
}

// RosterFetch returns the authoritative active roster.
type RosterFetch func(ctx context.Context) ([]models.ActiveStudent, error)

// DirectoryFetch returns the full student directory used for enrichment.
type DirectoryFetch func(ctx context.Context) ([]models.Student, error)

// Options configures a Reconciler.
type Options struct {
	Order          models.RosterSort
	PollInterval   time.Duration
	NotifyCooldown time.Duration
	FetchRoster    RosterFetch
	FetchDirectory DirectoryFetch
	Notifier       Notifier
	Logger         *zap.Logger
}

// Reconciler owns one session's local roster projection. The projection is
// derived and disposable: any full snapshot rebuilds it from scratch.
type Reconciler struct {
	mu           sync.Mutex
	entries      []models.ActiveStudent
	directory    map[string]models.Student
	lastNotified map[string]time.Time

	order          models.RosterSort
	pollInterval   time.Duration
	notifyCooldown time.Duration
	fetchRoster    RosterFetch
	fetchDirectory DirectoryFetch
	notifier       Notifier
	logger         *zap.Logger
	now            func() time.Time
}

// New constructs a Reconciler. PollInterval and NotifyCooldown default to
// 5s and 2.5s respectively when unset.
func New(opts Options) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.NotifyCooldown <= 0 {
		opts.NotifyCooldown = 2500 * time.Millisecond
	}
	if opts.Order != models.RosterSortClass {
		opts.Order = models.RosterSortRecent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		directory:      make(map[string]models.Student),
		lastNotified:   make(map[string]time.Time),
		order:          opts.Order,
		pollInterval:   opts.PollInterval,
		notifyCooldown: opts.NotifyCooldown,
		fetchRoster:    opts.FetchRoster,
		fetchDirectory: opts.FetchDirectory,
		notifier:       opts.Notifier,
		logger:         opts.Logger,
		now:            time.Now,
	}
}

// Run drives the reconciler until ctx is cancelled: it applies push events
// from the events channel and re-fetches directory plus roster on the poll
// interval. The poll loop and the push subscription tear down together.
func (r *Reconciler) Run(ctx context.Context, events <-chan models.BroadcastMessage) error {
	r.poll(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.HandleMessage(msg)
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// HandleMessage applies one push-channel frame to the local projection.
// Unknown events are ignored.
func (r *Reconciler) HandleMessage(msg models.BroadcastMessage) {
	switch msg.Event {
	case models.EventActiveStudents:
		var roster []models.ActiveStudent
		if err := json.Unmarshal(msg.Payload, &roster); err != nil {
			r.logger.Warn("malformed snapshot payload", zap.Error(err))
			return
		}
		r.ApplySnapshot(roster)
	case models.EventStudentCheckedIn:
		var student models.ActiveStudent
		if err := json.Unmarshal(msg.Payload, &student); err != nil {
			r.logger.Warn("malformed check-in payload", zap.Error(err))
			return
		}
		r.ApplyCheckIn(student)
	case models.EventStudentCheckedOut:
		var payload models.CheckedOutPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			r.logger.Warn("malformed check-out payload", zap.Error(err))
			return
		}
		r.ApplyCheckOut(payload.Barcode)
	}
}

// SetDirectory replaces the master student directory used for enrichment.
func (r *Reconciler) SetDirectory(students []models.Student) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directory = make(map[string]models.Student, len(students))
	for _, s := range students {
		r.directory[s.Barcode] = s
	}
}

// ApplySnapshot replaces the local projection with an authoritative roster.
// New arrivals (present now, absent before) trigger one notification each,
// debounced per student; departed entries get their playback halted.
func (r *Reconciler) ApplySnapshot(roster []models.ActiveStudent) {
	r.mu.Lock()

	previous := make(map[string]struct{}, len(r.entries))
	for _, e := range r.entries {
		previous[e.Barcode] = struct{}{}
	}

	next := make([]models.ActiveStudent, 0, len(roster))
	incoming := make(map[string]struct{}, len(roster))
	var arrived []models.ActiveStudent
	for _, e := range roster {
		if _, dup := incoming[e.Barcode]; dup {
			continue
		}
		incoming[e.Barcode] = struct{}{}
		merged := Merge(e, r.lookup(e.Barcode))
		next = append(next, merged)
		if _, existed := previous[merged.Barcode]; !existed && r.shouldNotify(merged.Barcode) {
			arrived = append(arrived, merged)
		}
	}

	var departed []string
	for _, e := range r.entries {
		if _, still := incoming[e.Barcode]; !still {
			departed = append(departed, e.Barcode)
		}
	}

	r.entries = next
	r.sortLocked()
	r.mu.Unlock()

	if r.notifier != nil {
		for _, barcode := range departed {
			r.notifier.PlaybackHalted(barcode)
		}
		for _, s := range arrived {
			r.notifier.Arrived(s)
		}
	}
}

// ApplyCheckIn inserts one arrival. An entry already present is ignored, so
// races between poll and push never duplicate a student.
func (r *Reconciler) ApplyCheckIn(student models.ActiveStudent) {
	r.mu.Lock()
	for _, e := range r.entries {
		if e.Barcode == student.Barcode {
			r.mu.Unlock()
			return
		}
	}
	merged := Merge(student, r.lookup(student.Barcode))
	r.entries = append(r.entries, merged)
	r.sortLocked()
	notify := r.shouldNotify(merged.Barcode)
	r.mu.Unlock()

	if notify && r.notifier != nil {
		r.notifier.Arrived(merged)
	}
}

// ApplyCheckOut removes the entry with the given barcode and halts any
// playback tied to it. Unknown barcodes are a no-op.
func (r *Reconciler) ApplyCheckOut(barcode string) {
	r.mu.Lock()
	removed := false
	for i, e := range r.entries {
		if e.Barcode == barcode {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()

	if removed && r.notifier != nil {
		r.notifier.PlaybackHalted(barcode)
	}
}

// Snapshot returns a copy of the current local projection.
func (r *Reconciler) Snapshot() []models.ActiveStudent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ActiveStudent, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of locally held roster entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Reconciler) poll(ctx context.Context) {
	if r.fetchDirectory != nil {
		directory, err := r.fetchDirectory(ctx)
		if err != nil {
			r.logger.Warn("directory poll failed", zap.Error(err))
		} else {
			r.SetDirectory(directory)
		}
	}
	if r.fetchRoster == nil {
		return
	}
	roster, err := r.fetchRoster(ctx)
	if err != nil {
		r.logger.Warn("roster poll failed", zap.Error(err))
		return
	}
	r.ApplySnapshot(roster)
}

func (r *Reconciler) lookup(barcode string) *models.Student {
	if s, ok := r.directory[barcode]; ok {
		return &s
	}
	return nil
}

// shouldNotify enforces the per-student cooldown that absorbs duplicate
// snapshot deliveries. Caller must hold r.mu.
func (r *Reconciler) shouldNotify(barcode string) bool {
	now := r.now()
	if last, ok := r.lastNotified[barcode]; ok && now.Sub(last) < r.notifyCooldown {
		return false
	}
	r.lastNotified[barcode] = now
	return true
}

func (r *Reconciler) sortLocked() {
	switch r.order {
	case models.RosterSortClass:
		sort.SliceStable(r.entries, func(i, j int) bool {
			if r.entries[i].ClassName != r.entries[j].ClassName {
				return r.entries[i].ClassName < r.entries[j].ClassName
			}
			return r.entries[i].FullName < r.entries[j].FullName
		})
	default:
		sort.SliceStable(r.entries, func(i, j int) bool {
			return r.entries[i].CheckedInAt.After(r.entries[j].CheckedInAt)
		})
	}
}
