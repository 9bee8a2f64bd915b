package stage

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

// statusDeleted is a local tombstone so a late insert cannot resurrect a
// row whose delete was already seen.
const statusDeleted domain.Status = "deleted"

// rank orders statuses along the transition graph. The feed is unordered,
// so an event carrying an earlier status than the latest one seen for the
// same row is stale and must not be applied.
func rank(s domain.Status) int {
	switch s {
	case domain.StatusPending:
		return 0
	case domain.StatusAccepted:
		return 1
	case domain.StatusOnStage:
		return 2
	case domain.StatusRejected, domain.StatusEnded:
		return 3
	case statusDeleted:
		return 4
	}
	return -1
}

// apply is the single writer of the local view. It runs on the feed
// goroutine; every other access goes through Snapshot.
func (c *Coordinator) apply(ev core.ChangeEvent) {
	if ev.Row.SessionID != c.sessionID {
		return
	}

	// Profile resolution stays outside the view lock.
	profile := c.resolveProfile(ev.Row.UserID)

	c.mu.Lock()
	changed := c.applyLocked(ev, profile)
	var snap domain.LocalStageView
	if changed {
		snap = c.view.Clone()
	}
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(snap)
	}
}

func (c *Coordinator) applyLocked(ev core.ChangeEvent, profile *domain.Profile) bool {
	row := ev.Row
	if profile != nil {
		row.Profile = profile
	}

	if ev.Type == core.ChangeDelete {
		return c.deleteRowLocked(row.ID)
	}

	// Insert and update collapse into one path: an update for a row we have
	// never seen is an implicit insert-then-apply, defensive against a
	// missed initial snapshot.
	if prev, ok := c.seen[row.ID]; ok && rank(row.Status) < rank(prev) {
		log.Debug().Str("module", "stage").
			Str("request", string(row.ID)).
			Str("status", string(row.Status)).
			Str("seen", string(prev)).
			Msg("stale event dropped")
		return false
	}
	c.seen[row.ID] = row.Status
	c.upsertRowLocked(row)
	return true
}

func (c *Coordinator) upsertRowLocked(row domain.StageRequest) {
	mine := row.UserID == c.userID

	switch row.Status {
	case domain.StatusOnStage:
		c.removePendingLocked(row.ID)
		guest := row
		c.view.CurrentGuest = &guest
		if mine {
			my := row
			c.view.MyRequest = &my
			c.view.AmOnStage = true
		}

	case domain.StatusRejected, domain.StatusEnded:
		c.removePendingLocked(row.ID)
		if c.view.CurrentGuest != nil && c.view.CurrentGuest.ID == row.ID {
			c.view.CurrentGuest = nil
		}
		if mine {
			c.view.MyRequest = nil
			c.view.AmOnStage = false
		}

	default: // pending, accepted: keep arrival order, replace in place
		replaced := false
		for i := range c.view.PendingRequests {
			if c.view.PendingRequests[i].ID == row.ID {
				if row.Profile == nil {
					row.Profile = c.view.PendingRequests[i].Profile
				}
				c.view.PendingRequests[i] = row
				replaced = true
				break
			}
		}
		if !replaced {
			c.view.PendingRequests = append(c.view.PendingRequests, row)
		}
		if mine {
			my := row
			c.view.MyRequest = &my
		}
	}
}

func (c *Coordinator) deleteRowLocked(id domain.RequestID) bool {
	c.seen[id] = statusDeleted
	removed := c.removePendingLocked(id)
	if c.view.CurrentGuest != nil && c.view.CurrentGuest.ID == id {
		c.view.CurrentGuest = nil
		removed = true
	}
	if c.view.MyRequest != nil && c.view.MyRequest.ID == id {
		c.view.MyRequest = nil
		c.view.AmOnStage = false
		removed = true
	}
	return removed
}

func (c *Coordinator) removePendingLocked(id domain.RequestID) bool {
	for i := range c.view.PendingRequests {
		if c.view.PendingRequests[i].ID == id {
			c.view.PendingRequests = append(c.view.PendingRequests[:i], c.view.PendingRequests[i+1:]...)
			return true
		}
	}
	return false
}

// seed merges a snapshot read into the view so a client joining
// mid-session sees correct state before the first live event. The feed is
// attached before the read, so a live event may land first; snapshot rows
// go through the same staleness check as events and never overwrite newer
// truth already applied.
func (c *Coordinator) seed(rows []domain.StageRequest) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	profiles := make([]*domain.Profile, len(rows))
	for i, row := range rows {
		profiles[i] = c.resolveProfile(row.UserID)
	}

	c.mu.Lock()
	for i, row := range rows {
		if row.SessionID != c.sessionID {
			continue
		}
		if prev, ok := c.seen[row.ID]; ok && rank(row.Status) < rank(prev) {
			// a live event already carried a later status for this row
			continue
		}
		if profiles[i] != nil {
			row.Profile = profiles[i]
		}
		c.seen[row.ID] = row.Status
		c.upsertRowLocked(row)
	}
	c.ready = true
	snap := c.view.Clone()
	c.mu.Unlock()

	log.Info().Str("module", "stage").
		Str("session", string(c.sessionID)).
		Int("pending", len(snap.PendingRequests)).
		Bool("has_guest", snap.CurrentGuest != nil).
		Msg("view seeded from snapshot")

	if c.onChange != nil {
		c.onChange(snap)
	}
}

// reset drops local state ahead of a fresh snapshot. No diffing against a
// potentially stale view after a feed disruption.
func (c *Coordinator) reset() {
	c.mu.Lock()
	c.view = domain.LocalStageView{}
	c.seen = make(map[domain.RequestID]domain.Status)
	c.ready = false
	c.mu.Unlock()
}

func (c *Coordinator) resolveProfile(userID domain.UserID) *domain.Profile {
	if p, ok := c.profiles.Get(userID); ok {
		return &p
	}
	if c.resolver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := c.resolver.ResolveProfile(ctx, userID)
	if err != nil {
		log.Debug().Str("module", "stage").Str("user", string(userID)).Err(err).Msg("profile resolve failed")
		return nil
	}
	c.profiles.Set(userID, p)
	return &p
}
