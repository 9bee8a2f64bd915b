package storews

import (
	"fmt"
	"time"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

// WireRow is the row shape on the wire. Validated at the boundary so no
// undefined field reaches the reconciliation loop.
type WireRow struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// WireEvent is the change-feed envelope. Seq lets consumers spot gaps but
// carries no ordering promise.
type WireEvent struct {
	Op  string  `json:"op"`
	Row WireRow `json:"row"`
	Seq int64   `json:"seq,omitempty"`
}

func (r WireRow) Domain() (domain.StageRequest, error) {
	if r.ID == "" || r.SessionID == "" || r.UserID == "" {
		return domain.StageRequest{}, fmt.Errorf("row missing identity fields")
	}
	status, err := domain.ParseStatus(r.Status)
	if err != nil {
		return domain.StageRequest{}, fmt.Errorf("row status %q: %w", r.Status, err)
	}
	return domain.StageRequest{
		ID:         domain.RequestID(r.ID),
		SessionID:  domain.SessionID(r.SessionID),
		UserID:     domain.UserID(r.UserID),
		Status:     status,
		CreatedAt:  r.CreatedAt,
		AcceptedAt: r.AcceptedAt,
		EndedAt:    r.EndedAt,
	}, nil
}

// FromDomain converts a row for serving.
func FromDomain(row domain.StageRequest) WireRow {
	return WireRow{
		ID:         string(row.ID),
		SessionID:  string(row.SessionID),
		UserID:     string(row.UserID),
		Status:     string(row.Status),
		CreatedAt:  row.CreatedAt,
		AcceptedAt: row.AcceptedAt,
		EndedAt:    row.EndedAt,
	}
}

// Domain validates the envelope into the tagged union the core consumes.
func (e WireEvent) Domain() (core.ChangeEvent, error) {
	var typ core.ChangeType
	switch e.Op {
	case string(core.ChangeInsert):
		typ = core.ChangeInsert
	case string(core.ChangeUpdate):
		typ = core.ChangeUpdate
	case string(core.ChangeDelete):
		typ = core.ChangeDelete
	default:
		return core.ChangeEvent{}, fmt.Errorf("unknown change op %q", e.Op)
	}
	row, err := e.Row.Domain()
	if err != nil {
		return core.ChangeEvent{}, err
	}
	return core.ChangeEvent{Type: typ, Row: row}, nil
}
