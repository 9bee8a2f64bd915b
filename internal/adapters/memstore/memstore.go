// Package memstore is an in-memory record store with a fan-out change
// feed. It backs the dev store server and the test suites; it applies the
// same row rules a production store enforces with conditional writes.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

const feedBuffer = 64

// Store implements core.RecordStore and core.ProfileResolver.
// One mutex over rows and subscriptions makes every write atomic with its
// feed notification, so the single-guest check cannot race.
type Store struct {
	mu       sync.Mutex
	rows     map[domain.RequestID]domain.StageRequest
	order    []domain.RequestID
	subs     map[*subscription]struct{}
	profiles map[domain.UserID]domain.Profile

	now func() time.Time
}

func New() *Store {
	return &Store{
		rows:     make(map[domain.RequestID]domain.StageRequest),
		subs:     make(map[*subscription]struct{}),
		profiles: make(map[domain.UserID]domain.Profile),
		now:      time.Now,
	}
}

func (s *Store) ReadRequests(_ context.Context, sessionID domain.SessionID, statuses []domain.Status) ([]domain.StageRequest, error) {
	want := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StageRequest
	for _, id := range s.order {
		row, ok := s.rows[id]
		if !ok || row.SessionID != sessionID {
			continue
		}
		if len(want) > 0 && !want[row.Status] {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) InsertRequest(_ context.Context, sessionID domain.SessionID, userID domain.UserID) (domain.StageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.SessionID == sessionID && row.UserID == userID && row.Status.Active() {
			return domain.StageRequest{}, fmt.Errorf("user %s already has an active request: %w", userID, core.ErrPermissionDenied)
		}
	}

	row := domain.StageRequest{
		ID:        domain.RequestID(uuid.NewString()),
		SessionID: sessionID,
		UserID:    userID,
		Status:    domain.StatusPending,
		CreatedAt: s.now().UTC(),
	}
	s.rows[row.ID] = row
	s.order = append(s.order, row.ID)
	s.publishLocked(core.ChangeEvent{Type: core.ChangeInsert, Row: row})
	return row, nil
}

func (s *Store) UpdateRequest(_ context.Context, id domain.RequestID, status domain.Status, stamps core.UpdateStamps) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return core.ErrNotFound
	}
	if !domain.CanTransition(row.Status, status) {
		return fmt.Errorf("illegal transition %s -> %s: %w", row.Status, status, core.ErrPermissionDenied)
	}
	// Conditional write: at most one row per session may be on stage.
	if status == domain.StatusOnStage {
		for _, other := range s.rows {
			if other.SessionID == row.SessionID && other.ID != id && other.Status == domain.StatusOnStage {
				return fmt.Errorf("session %s already has a guest on stage: %w", row.SessionID, core.ErrPermissionDenied)
			}
		}
	}

	row.Status = status
	if stamps.AcceptedAt != nil {
		row.AcceptedAt = stamps.AcceptedAt
	}
	if stamps.EndedAt != nil {
		row.EndedAt = stamps.EndedAt
	}
	s.rows[id] = row
	s.publishLocked(core.ChangeEvent{Type: core.ChangeUpdate, Row: row})
	return nil
}

func (s *Store) DeleteRequest(_ context.Context, id domain.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return core.ErrNotFound
	}
	if row.Status != domain.StatusPending {
		return fmt.Errorf("only pending rows may be deleted: %w", core.ErrPermissionDenied)
	}
	delete(s.rows, id)
	s.publishLocked(core.ChangeEvent{Type: core.ChangeDelete, Row: row})
	return nil
}

func (s *Store) SubscribeChanges(_ context.Context, sessionID domain.SessionID, fn func(core.ChangeEvent)) (core.Subscription, error) {
	sub := &subscription{
		sessionID: sessionID,
		events:    make(chan core.ChangeEvent, feedBuffer),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.events:
				fn(ev)
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// SetProfile registers a display profile served by ResolveProfile.
func (s *Store) SetProfile(p domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *Store) ResolveProfile(_ context.Context, userID domain.UserID) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	// read-time denormalization falls back to a bare identity
	return domain.Profile{UserID: userID, DisplayName: string(userID)}, nil
}

// Disrupt force-closes every live subscription, simulating a feed drop.
// Subscribers are expected to resubscribe with a fresh snapshot.
func (s *Store) Disrupt(err error) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}

func (s *Store) publishLocked(ev core.ChangeEvent) {
	for sub := range s.subs {
		select {
		case <-sub.done:
			delete(s.subs, sub)
			continue
		default:
		}
		if sub.sessionID != ev.Row.SessionID {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// a subscriber that cannot keep up is cut off; it will come
			// back with a fresh snapshot
			go sub.fail(fmt.Errorf("feed buffer overflow"))
		}
	}
}

type subscription struct {
	sessionID domain.SessionID
	events    chan core.ChangeEvent

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() { s.fail(nil) }

func (s *subscription) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
