package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// subjectLocks is the per-subject critical section around enforcement
// transitions: a one-slot channel per subject, dropped once nobody holds or
// waits on it.
type subjectLocks struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*subjectSlot
}

type subjectSlot struct {
	ch   chan struct{}
	refs int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{slots: make(map[uuid.UUID]*subjectSlot)}
}

// acquire waits at most timeout for the subject's slot.
func (l *subjectLocks) acquire(ctx context.Context, subject uuid.UUID, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[subject]
	if !ok {
		s = &subjectSlot{ch: make(chan struct{}, 1)}
		l.slots[subject] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			l.unref(subject, s)
		}, nil
	case <-timer.C:
		l.unref(subject, s)
		return nil, errors.NewTransientError("enforcement", "timed out waiting for the subject's enforcement state").
			WithDetails(map[string]interface{}{"subject_id": subject.String()})
	case <-ctx.Done():
		l.unref(subject, s)
		return nil, errors.NewTransientError("enforcement", "request cancelled while waiting for enforcement state").WithCause(ctx.Err())
	}
}

func (l *subjectLocks) unref(subject uuid.UUID, s *subjectSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, subject)
	}
}

func (l *subjectLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
