package core

import (
	"context"
	"time"

	"github.com/avirel/stagecast/internal/domain"
)

// ChangeType tags a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one row notification off the feed. Delivery is
// at-least-once and not necessarily ordered; consumers must be idempotent.
type ChangeEvent struct {
	Type ChangeType
	Row  domain.StageRequest
}

// UpdateStamps carries the timestamps written alongside a status change.
type UpdateStamps struct {
	AcceptedAt *time.Time
	EndedAt    *time.Time
}

// Subscription is one live attachment to a session's change feed.
// Done closes when the feed is disrupted; the owner resubscribes with a
// fresh snapshot rather than diffing against stale local state.
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Close()
}

// RecordStore is the minimal contract the coordinator needs from the
// durable row store. Implementations map their failures onto
// ErrPermissionDenied / ErrNotFound / ErrTransient.
type RecordStore interface {
	// ReadRequests is the snapshot read used to seed local state.
	ReadRequests(ctx context.Context, sessionID domain.SessionID, statuses []domain.Status) ([]domain.StageRequest, error)
	InsertRequest(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (domain.StageRequest, error)
	UpdateRequest(ctx context.Context, id domain.RequestID, status domain.Status, stamps UpdateStamps) error
	DeleteRequest(ctx context.Context, id domain.RequestID) error
	SubscribeChanges(ctx context.Context, sessionID domain.SessionID, fn func(ChangeEvent)) (Subscription, error)
}

// ProfileResolver fetches the display identity for a user.
// The coordinator caches results so each user is fetched at most once per
// session lifetime.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, userID domain.UserID) (domain.Profile, error)
}
