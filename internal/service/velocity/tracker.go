package velocity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// Scope is the counting domain of a velocity query.
type Scope string

const (
	ScopeAuction Scope = "auction"
	ScopeGlobal  Scope = "global"
)

// DefaultMaxWindow bounds how long any event is retained.
const DefaultMaxWindow = 30 * time.Minute

// Count is the result of a window query. DistinctAuctions is only filled
// for the global scope.
type Count struct {
	Events           int `json:"events"`
	DistinctAuctions int `json:"distinct_auctions"`
}

// Query selects one window. AuctionID is required for ScopeAuction.
type Query struct {
	Subject   uuid.UUID
	Scope     Scope
	AuctionID uuid.UUID
	Window    time.Duration
	Now       time.Time
}

func (q Query) Validate(maxWindow time.Duration) error {
	if q.Scope != ScopeAuction && q.Scope != ScopeGlobal {
		return errors.NewValidationError("INVALID_SCOPE", "velocity scope must be auction or global")
	}
	if q.Scope == ScopeAuction && q.AuctionID == uuid.Nil {
		return errors.NewValidationError("MISSING_AUCTION", "auction scope requires an auction id")
	}
	if q.Window <= 0 || q.Window > maxWindow {
		return errors.NewValidationError("INVALID_WINDOW", "window must be positive and within the retention window")
	}
	return nil
}

// Tracker is the source of truth for rate-based detectors. Record adds one
// event to both the per-auction and the global window of the subject.
type Tracker interface {
	Record(ctx context.Context, subject, auctionID uuid.UUID, at time.Time) error
	CountSince(ctx context.Context, q Query) (Count, error)
}

type globalEvent struct {
	at        time.Time
	auctionID uuid.UUID
}

// subjectWindows is the arena record for one subject.
type subjectWindows struct {
	mu         sync.Mutex
	global     []globalEvent
	perAuction map[uuid.UUID][]time.Time
	lastSeen   time.Time
	// swept is set once the record has been removed from the arena.
	swept bool
}

func (w *subjectWindows) evict(cutoff time.Time) {
	i := sort.Search(len(w.global), func(i int) bool { return !w.global[i].at.Before(cutoff) })
	if i > 0 {
		w.global = append(w.global[:0], w.global[i:]...)
	}
	for id, times := range w.perAuction {
		times = dropBefore(times, cutoff)
		if len(times) == 0 {
			delete(w.perAuction, id)
			continue
		}
		w.perAuction[id] = times
	}
}

// MemoryTracker keeps windows in process: an arena of per-subject records
// under a read-mostly index lock, each record with its own mutex.
type MemoryTracker struct {
	mu        sync.RWMutex
	subjects  map[uuid.UUID]*subjectWindows
	maxWindow time.Duration
	logger    *zap.Logger
}

func NewMemoryTracker(maxWindow time.Duration, logger *zap.Logger) *MemoryTracker {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTracker{
		subjects:  make(map[uuid.UUID]*subjectWindows),
		maxWindow: maxWindow,
		logger:    logger,
	}
}

func (t *MemoryTracker) MaxWindow() time.Duration { return t.maxWindow }

func (t *MemoryTracker) windows(subject uuid.UUID, create bool) *subjectWindows {
	t.mu.RLock()
	w, ok := t.subjects[subject]
	t.mu.RUnlock()
	if ok || !create {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.subjects[subject]; ok {
		return w
	}
	w = &subjectWindows{perAuction: make(map[uuid.UUID][]time.Time)}
	t.subjects[subject] = w
	return w
}

func (t *MemoryTracker) Record(ctx context.Context, subject, auctionID uuid.UUID, at time.Time) error {
	if subject == uuid.Nil || auctionID == uuid.Nil {
		return errors.NewValidationError("INVALID_VELOCITY_EVENT", "subject and auction are required")
	}
	at = at.UTC()

	w := t.windows(subject, true)
	w.mu.Lock()
	for w.swept {
		w.mu.Unlock()
		w = t.windows(subject, true)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	w.evict(WindowStart(at, t.maxWindow))

	i := sort.Search(len(w.global), func(i int) bool { return w.global[i].at.After(at) })
	w.global = append(w.global, globalEvent{})
	copy(w.global[i+1:], w.global[i:])
	w.global[i] = globalEvent{at: at, auctionID: auctionID}

	w.perAuction[auctionID] = insertSorted(w.perAuction[auctionID], at)
	if at.After(w.lastSeen) {
		w.lastSeen = at
	}
	return nil
}

func (t *MemoryTracker) CountSince(ctx context.Context, q Query) (Count, error) {
	if err := q.Validate(t.maxWindow); err != nil {
		return Count{}, err
	}
	w := t.windows(q.Subject, false)
	if w == nil {
		return Count{}, nil
	}
	now := q.Now.UTC()
	from := WindowStart(now, q.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(WindowStart(now, t.maxWindow))

	if q.Scope == ScopeAuction {
		c := Count{Events: countBetween(w.perAuction[q.AuctionID], from, now)}
		if c.Events > 0 {
			c.DistinctAuctions = 1
		}
		return c, nil
	}

	var c Count
	seen := make(map[uuid.UUID]struct{})
	for _, ev := range w.global {
		if ev.at.Before(from) {
			continue
		}
		if ev.at.After(now) {
			break
		}
		c.Events++
		seen[ev.auctionID] = struct{}{}
	}
	c.DistinctAuctions = len(seen)
	return c, nil
}

// Sweep drops subjects with no event inside the retention window of now
// and returns how many were removed.
func (t *MemoryTracker) Sweep(now time.Time) int {
	cutoff := WindowStart(now.UTC(), t.maxWindow)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, w := range t.subjects {
		w.mu.Lock()
		idle := w.lastSeen.Before(cutoff)
		if idle {
			w.swept = true
		}
		w.mu.Unlock()
		if idle {
			delete(t.subjects, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("velocity windows swept", zap.Int("removed", removed), zap.Int("remaining", len(t.subjects)))
	}
	return removed
}
