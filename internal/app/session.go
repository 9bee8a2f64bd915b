// Package app composes the stage coordinator, the media controller and the
// quality sampler into one facade per broadcast attendance.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/app/media"
	"github.com/avirel/stagecast/internal/app/quality"
	"github.com/avirel/stagecast/internal/app/stage"
	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

// RoomAuthFunc hands out media-routing credentials for a role. Promotion
// to the stage needs a token with publish grants, so the facade asks again
// whenever the effective role changes.
type RoomAuthFunc func(ctx context.Context, role domain.Role) (url, token string, err error)

// SessionConfig identifies one broadcast attendance.
type SessionConfig struct {
	SessionID domain.SessionID
	UserID    domain.UserID
	// Role is resolved once, here. Nothing downstream re-derives it.
	Role            domain.Role
	QualityInterval time.Duration
}

// Hooks are the read-only notification surface for the UI layer.
// Callbacks receive private copies and may be nil.
type Hooks struct {
	OnViewChange func(domain.LocalStageView)
	OnQuality    func(domain.QualitySample, domain.QualityReading)
	// OnMediaDown fires when the room drops while the stage state is
	// intact; the UI can offer a reconnect without resetting the stage.
	OnMediaDown func(error)
}

// Session is the per-attendance facade. It owns both sub-controllers; the
// UI holds only this handle and its snapshot accessors.
type Session struct {
	cfg   SessionConfig
	auth  RoomAuthFunc
	hooks Hooks

	coord  *stage.Coordinator
	dialer core.RoomDialer

	mu        sync.Mutex
	mediaCtl  *media.Controller
	sampler   *quality.Sampler
	mediaRole domain.Role
	onStage   bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewSession wires the facade. The store, resolver and dialer are the only
// external collaborators.
func NewSession(store core.RecordStore, resolver core.ProfileResolver, dialer core.RoomDialer, auth RoomAuthFunc, cfg SessionConfig, hooks Hooks) *Session {
	s := &Session{
		cfg:       cfg,
		auth:      auth,
		hooks:     hooks,
		dialer:    dialer,
		mediaRole: cfg.Role,
	}
	s.coord = stage.New(store, resolver, cfg.SessionID, cfg.UserID, cfg.Role, s.handleView)
	return s
}

// Start attaches the coordinator and brings up the media session for the
// configured role. Viewer media is subscribe-only until promotion.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.coord.Start(s.ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	if err := s.connectMedia(s.ctx, s.cfg.Role); err != nil {
		// Media and stage state are independent: a failed connect leaves
		// the coordinator running and the caller may retry.
		log.Warn().Str("module", "session").Err(err).Msg("initial media connect failed")
		return err
	}
	return nil
}

// connectMedia replaces the current controller with a fresh one for the
// given role. The controller's disconnected state is terminal, so a role
// change always means a new instance.
func (s *Session) connectMedia(ctx context.Context, role domain.Role) error {
	url, token, err := s.auth(ctx, role)
	if err != nil {
		return fmt.Errorf("room auth: %w", err)
	}

	ctl := media.NewController(s.dialer, role, s.mediaDown)

	s.mu.Lock()
	old := s.mediaCtl
	oldSampler := s.sampler
	s.mediaCtl = ctl
	s.sampler = nil
	s.mediaRole = role
	s.mu.Unlock()

	if oldSampler != nil {
		oldSampler.Stop()
	}
	if old != nil {
		old.Disconnect()
	}

	if err := ctl.Connect(ctx, url, token); err != nil {
		return err
	}

	if role == domain.RoleBroadcaster || role == domain.RoleGuest {
		if err := ctl.Publish(ctx, core.TrackAudio); err != nil {
			log.Error().Str("module", "session").Err(err).Msg("publish audio failed")
		}
		if err := ctl.Publish(ctx, core.TrackVideo); err != nil {
			log.Error().Str("module", "session").Err(err).Msg("publish video failed")
		}
	}

	sampler := quality.NewSampler(ctl, s.cfg.QualityInterval, s.hooks.OnQuality)
	sampler.Start(ctx)

	s.mu.Lock()
	// only install if this controller is still current
	if s.mediaCtl == ctl {
		s.sampler = sampler
	}
	current := s.mediaCtl == ctl
	s.mu.Unlock()
	if !current {
		sampler.Stop()
		ctl.Disconnect()
	}
	return nil
}

// handleView runs on the coordinator's feed goroutine. It forwards the
// snapshot to the UI and reacts to the local promotion/demotion edge.
func (s *Session) handleView(view domain.LocalStageView) {
	if s.hooks.OnViewChange != nil {
		s.hooks.OnViewChange(view)
	}
	if s.cfg.Role != domain.RoleViewer {
		return
	}

	s.mu.Lock()
	was := s.onStage
	s.onStage = view.AmOnStage
	s.mu.Unlock()
	if was == view.AmOnStage {
		return
	}

	// Promotion needs publish grants, demotion drops them; both mean a new
	// room session. Done off the feed goroutine.
	next := domain.RoleViewer
	if view.AmOnStage {
		next = domain.RoleGuest
	}
	go func() {
		if err := s.connectMedia(s.ctx, next); err != nil {
			log.Error().Str("module", "session").Err(err).
				Str("role", string(next)).Msg("media role switch failed")
		}
	}()
}

func (s *Session) mediaDown(err error) {
	// A dropped room while still on stage is recoverable; stage state is
	// untouched and the UI may call ReconnectMedia.
	if s.hooks.OnMediaDown != nil {
		s.hooks.OnMediaDown(err)
	}
}

// ReconnectMedia re-dials the room for the current effective role after a
// media failure. Stage state is not touched.
func (s *Session) ReconnectMedia(ctx context.Context) error {
	s.mu.Lock()
	role := s.mediaRole
	s.mu.Unlock()
	return s.connectMedia(ctx, role)
}

// Stage operations, role-gated by the coordinator.

func (s *Session) RequestStage(ctx context.Context) error  { return s.coord.RequestStage(ctx) }
func (s *Session) CancelRequest(ctx context.Context) error { return s.coord.CancelRequest(ctx) }
func (s *Session) AcceptRequest(ctx context.Context, id domain.RequestID) error {
	return s.coord.AcceptRequest(ctx, id)
}
func (s *Session) RejectRequest(ctx context.Context, id domain.RequestID) error {
	return s.coord.RejectRequest(ctx, id)
}
func (s *Session) RemoveFromStage(ctx context.Context) error { return s.coord.RemoveFromStage(ctx) }
func (s *Session) LeaveStage(ctx context.Context) error      { return s.coord.LeaveStage(ctx) }

// Media operations.

func (s *Session) SetMuted(muted bool)          { s.media().SetMuted(muted) }
func (s *Session) SetVideoEnabled(enabled bool) { s.media().SetVideoEnabled(enabled) }
func (s *Session) SwitchCamera(ctx context.Context) error {
	return s.media().SwitchCamera(ctx)
}

// Snapshots.

func (s *Session) View() domain.LocalStageView { return s.coord.Snapshot() }
func (s *Session) Role() domain.Role           { return s.cfg.Role }
func (s *Session) IsConnected() bool           { return s.media().IsConnected() }
func (s *Session) IsConnecting() bool          { return s.media().IsConnecting() }
func (s *Session) ParticipantCount() int       { return s.media().ParticipantCount() }
func (s *Session) RemoteTracks() []core.RemoteTrack {
	return s.media().RemoteTracks()
}

func (s *Session) media() *media.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaCtl == nil {
		// zero-value controller with no dialer answers snapshots safely
		s.mediaCtl = media.NewController(s.dialer, s.mediaRole, s.mediaDown)
	}
	return s.mediaCtl
}

// Close tears everything down exactly once: feed subscription, sampler,
// media session. Safe when parts are already gone.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.coord.Close()

		s.mu.Lock()
		sampler := s.sampler
		ctl := s.mediaCtl
		s.sampler = nil
		s.mu.Unlock()

		if sampler != nil {
			sampler.Stop()
		}
		if ctl != nil {
			ctl.Disconnect()
		}
		log.Info().Str("module", "session").Str("session", string(s.cfg.SessionID)).Msg("session closed")
	})
}
