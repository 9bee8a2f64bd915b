// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"
)

type (
	RequestID string
	SessionID string
	UserID    string
)

// Status of a stage request. Transitions follow a fixed graph, see CanTransition.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusOnStage  Status = "on_stage"
	StatusEnded    Status = "ended"
)

var ErrUnknownStatus = errors.New("unknown status")

// ParseStatus validates a status string coming off the wire.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusAccepted, StatusRejected, StatusOnStage, StatusEnded:
		return Status(s), nil
	}
	return "", ErrUnknownStatus
}

// Active reports whether a row still occupies the user's one request slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusOnStage
}

// CanTransition reports whether from -> to is a legal status move.
// The graph is monotonic: a row never returns to an earlier status.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRejected || to == StatusAccepted || to == StatusOnStage
	case StatusAccepted:
		return to == StatusOnStage || to == StatusEnded
	case StatusOnStage:
		return to == StatusEnded
	}
	return false
}

// StageRequest is one row of the stage-request table: a viewer asking to
// join the stage of one broadcast session. The Profile is denormalized at
// read time and is never part of the authoritative row.
type StageRequest struct {
	ID         RequestID  `json:"id"`
	SessionID  SessionID  `json:"session_id"`
	UserID     UserID     `json:"user_id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	Profile *Profile `json:"profile,omitempty"`
}

// Role of the local participant within one broadcast session.
// Resolved once at facade construction, never re-derived ad hoc.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
	RoleGuest       Role = "guest"
)
