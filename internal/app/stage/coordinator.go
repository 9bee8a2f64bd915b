// Package stage owns the request/accept/reject/promote/demote state machine
// and keeps the local view of it consistent with the record store.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/cache"
	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

// ErrActiveRequestExists guards against duplicate stage requests, both
// against a confirmed active row and against a write still in flight.
var ErrActiveRequestExists = errors.New("active stage request already exists")

const (
	writeAttempts = 3
	retryBackoff  = 200 * time.Millisecond

	resubscribeMin = 250 * time.Millisecond
	resubscribeMax = 5 * time.Second

	// Profiles are fetched at most once per user per session lifetime.
	profileTTL   = 12 * time.Hour
	profileSweep = time.Hour
)

// snapshotStatuses seeds local state with every row that still matters.
var snapshotStatuses = []domain.Status{
	domain.StatusPending, domain.StatusAccepted, domain.StatusOnStage,
}

// Coordinator maintains the authoritative list of pending requests, the
// at-most-one current guest, and the caller's own request, driven by the
// store's change feed.
//
// Mutating operations never touch the local view; they write to the store
// and wait for the corresponding change event. The reconciliation loop is
// the single writer of the view.
type Coordinator struct {
	store    core.RecordStore
	resolver core.ProfileResolver
	profiles *cache.TTL[domain.UserID, domain.Profile]

	sessionID domain.SessionID
	userID    domain.UserID
	role      domain.Role

	mu    sync.RWMutex
	view  domain.LocalStageView
	seen  map[domain.RequestID]domain.Status
	ready bool
	// inflight guards the window between issuing a request write and
	// observing its insert event on the feed.
	inflight bool

	onChange func(domain.LocalStageView)

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// New wires a coordinator for one broadcast attendance. onChange receives a
// private copy of the view after every reconciliation step; it may be nil.
func New(store core.RecordStore, resolver core.ProfileResolver, sessionID domain.SessionID, userID domain.UserID, role domain.Role, onChange func(domain.LocalStageView)) *Coordinator {
	return &Coordinator{
		store:     store,
		resolver:  resolver,
		profiles:  cache.New[domain.UserID, domain.Profile](profileTTL, profileSweep),
		sessionID: sessionID,
		userID:    userID,
		role:      role,
		seen:      make(map[domain.RequestID]domain.Status),
		onChange:  onChange,
	}
}

// Start seeds the view from a snapshot read, attaches to the change feed
// and keeps the attachment alive until ctx ends or Close is called. A feed
// disruption is treated as a fresh start: new snapshot, no diffing against
// the stale view.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	sub, err := c.attach(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, sub)
	}()
	return nil
}

// attach reads the snapshot and subscribes. The subscription is opened
// before the snapshot read so no event between the two is lost; events are
// idempotent, so re-applying a row the snapshot already carried is safe.
func (c *Coordinator) attach(ctx context.Context) (core.Subscription, error) {
	sub, err := c.store.SubscribeChanges(ctx, c.sessionID, c.apply)
	if err != nil {
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}

	rows, err := c.store.ReadRequests(ctx, c.sessionID, snapshotStatuses)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("snapshot read: %w", err)
	}
	c.seed(rows)
	return sub, nil
}

func (c *Coordinator) run(ctx context.Context, sub core.Subscription) {
	backoff := resubscribeMin
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Done():
			log.Warn().Str("module", "stage").Err(sub.Err()).Msg("change feed disrupted, resubscribing")
		}

		c.reset()

		next, err := c.attach(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Str("module", "stage").Err(err).Msg("resubscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, resubscribeMax)
			// fake a closed subscription to loop again
			sub = closedSubscription{}
			continue
		}
		backoff = resubscribeMin
		sub = next
	}
}

// Close detaches from the feed exactly once and waits for the loop to exit.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.profiles.Close()
	})
}

// Snapshot returns a copy of the latest reconciled view.
func (c *Coordinator) Snapshot() domain.LocalStageView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Clone()
}

// Role returns the role this coordinator was constructed with.
func (c *Coordinator) Role() domain.Role { return c.role }

// Ready reports whether the view has been seeded since the last (re)attach.
func (c *Coordinator) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// RequestStage writes a new pending row for the caller. Viewer only.
// Returns once the write is acknowledged; the local view updates when the
// insert event arrives over the feed.
func (c *Coordinator) RequestStage(ctx context.Context) error {
	if c.role != domain.RoleViewer {
		return core.ErrPermissionDenied
	}

	c.mu.Lock()
	if c.inflight || (c.view.MyRequest != nil && c.view.MyRequest.Status.Active()) {
		c.mu.Unlock()
		return ErrActiveRequestExists
	}
	c.inflight = true
	c.mu.Unlock()

	err := c.withRetry(ctx, func() error {
		_, err := c.store.InsertRequest(ctx, c.sessionID, c.userID)
		return err
	})

	c.mu.Lock()
	c.inflight = false
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("request stage: %w", err)
	}
	return nil
}

// CancelRequest deletes the caller's own still-pending row. Viewer only.
func (c *Coordinator) CancelRequest(ctx context.Context) error {
	if c.role != domain.RoleViewer {
		return core.ErrPermissionDenied
	}

	c.mu.RLock()
	my := c.view.MyRequest
	c.mu.RUnlock()
	if my == nil || my.Status != domain.StatusPending {
		return core.ErrNotFound
	}

	err := c.withRetry(ctx, func() error {
		return c.store.DeleteRequest(ctx, my.ID)
	})
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	return nil
}

// AcceptRequest promotes a pending row to on_stage. Broadcaster only.
// If another row is currently on stage it is ended first, so no snapshot
// ever shows two guests. The store offers no multi-row transaction, so
// these are two sequential conditional writes; the tolerated race is a
// brief window with zero guests, never two.
func (c *Coordinator) AcceptRequest(ctx context.Context, id domain.RequestID) error {
	if c.role != domain.RoleBroadcaster {
		return core.ErrPermissionDenied
	}

	c.mu.RLock()
	_, isPending := c.view.Pending(id)
	guest := c.view.CurrentGuest
	c.mu.RUnlock()
	if !isPending {
		return core.ErrNotFound
	}

	if guest != nil && guest.ID != id {
		if err := c.endRow(ctx, guest.ID); err != nil {
			return fmt.Errorf("demote current guest: %w", err)
		}
	}

	now := time.Now().UTC()
	err := c.withRetry(ctx, func() error {
		return c.store.UpdateRequest(ctx, id, domain.StatusOnStage, core.UpdateStamps{AcceptedAt: &now})
	})
	if err != nil {
		return fmt.Errorf("accept request: %w", err)
	}
	return nil
}

// RejectRequest declines a pending row. Broadcaster only.
func (c *Coordinator) RejectRequest(ctx context.Context, id domain.RequestID) error {
	if c.role != domain.RoleBroadcaster {
		return core.ErrPermissionDenied
	}

	c.mu.RLock()
	_, isPending := c.view.Pending(id)
	c.mu.RUnlock()
	if !isPending {
		return core.ErrNotFound
	}

	err := c.withRetry(ctx, func() error {
		return c.store.UpdateRequest(ctx, id, domain.StatusRejected, core.UpdateStamps{})
	})
	if err != nil {
		return fmt.Errorf("reject request: %w", err)
	}
	return nil
}

// RemoveFromStage ends the current guest's row. Broadcaster only.
// A no-op when nobody is on stage.
func (c *Coordinator) RemoveFromStage(ctx context.Context) error {
	if c.role != domain.RoleBroadcaster {
		return core.ErrPermissionDenied
	}

	c.mu.RLock()
	guest := c.view.CurrentGuest
	c.mu.RUnlock()
	if guest == nil {
		return nil
	}

	if err := c.endRow(ctx, guest.ID); err != nil {
		return fmt.Errorf("remove from stage: %w", err)
	}
	return nil
}

// LeaveStage ends the caller's own on_stage row. Guest only.
func (c *Coordinator) LeaveStage(ctx context.Context) error {
	c.mu.RLock()
	my := c.view.MyRequest
	onStage := c.view.AmOnStage
	c.mu.RUnlock()
	if !onStage || my == nil {
		return core.ErrPermissionDenied
	}

	if err := c.endRow(ctx, my.ID); err != nil {
		return fmt.Errorf("leave stage: %w", err)
	}
	return nil
}

func (c *Coordinator) endRow(ctx context.Context, id domain.RequestID) error {
	now := time.Now().UTC()
	return c.withRetry(ctx, func() error {
		return c.store.UpdateRequest(ctx, id, domain.StatusEnded, core.UpdateStamps{EndedAt: &now})
	})
}

// withRetry retries transient store failures with bounded backoff.
// Permission and not-found errors surface immediately.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, core.ErrTransient) {
			return err
		}
		if attempt == writeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// closedSubscription lets the run loop re-enter its retry path.
type closedSubscription struct{}

func (closedSubscription) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (closedSubscription) Err() error { return nil }
func (closedSubscription) Close()     {}
