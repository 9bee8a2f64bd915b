// Package media owns the lifecycle of one connection to the media-routing
// service for the local participant.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

// State of the controller. Disconnected is terminal: reconnecting takes a
// fresh controller, which avoids re-entrancy on a half-torn-down session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateDisconnected State = "disconnected"
)

var (
	ErrNotConnected   = errors.New("media session not connected")
	ErrControllerDone = errors.New("media controller is disconnected")
	ErrPublishDenied  = errors.New("role may not publish media")
)

// Controller drives exactly one room connection. All state behind one
// mutex; remote participant/track maps are mutated only by room-event
// callbacks, never speculatively by callers.
type Controller struct {
	dialer core.RoomDialer
	role   domain.Role

	mu            sync.RWMutex
	state         State
	room          core.RoomHandle
	cancelConnect context.CancelFunc
	lastErr       error

	tracks   map[core.TrackKind]core.LocalTrack
	facing   core.CameraFacing
	muted    bool
	videoOff bool

	participants map[string]core.RemoteParticipant
	remoteTracks map[string]core.RemoteTrack

	onDisconnected func(error)
}

// NewController builds an idle controller. onDisconnected fires when the
// room drops mid-session; it may be nil.
func NewController(dialer core.RoomDialer, role domain.Role, onDisconnected func(error)) *Controller {
	return &Controller{
		dialer:         dialer,
		role:           role,
		state:          StateIdle,
		facing:         core.FacingFront,
		tracks:         make(map[core.TrackKind]core.LocalTrack),
		participants:   make(map[string]core.RemoteParticipant),
		remoteTracks:   make(map[string]core.RemoteTrack),
		onDisconnected: onDisconnected,
	}
}

// Connect dials the room. Calls while already connecting or connected are
// no-ops; a disconnected controller refuses. Failure classification comes
// from the dialer as *core.ConnectError.
func (c *Controller) Connect(ctx context.Context, url, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateDisconnected:
		c.mu.Unlock()
		return ErrControllerDone
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	room, err := c.dialer.Dial(dialCtx, url, token, c.role)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelConnect = nil

	if c.state == StateDisconnected {
		// Disconnect won the race; drop whatever the dial produced.
		if room != nil {
			room.Disconnect()
		}
		return ErrControllerDone
	}
	if err != nil {
		c.state = StateFailed
		c.lastErr = err
		log.Error().Str("module", "media").Err(err).Msg("connect failed")
		return err
	}

	c.room = room
	c.state = StateConnected
	room.SetEvents(core.RoomEvents{
		OnParticipantJoined: c.participantJoined,
		OnParticipantLeft:   c.participantLeft,
		OnTrackSubscribed:   c.trackSubscribed,
		OnTrackUnsubscribed: c.trackUnsubscribed,
		OnDisconnected:      c.roomDropped,
	})
	log.Info().Str("module", "media").Str("url", url).Msg("room connected")
	return nil
}

// Publish adds a local track of the given kind. Broadcaster and guest
// only; idempotent when the kind is already published.
func (c *Controller) Publish(ctx context.Context, kind core.TrackKind) error {
	if c.role == domain.RoleViewer {
		return ErrPublishDenied
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := c.tracks[kind]; ok {
		c.mu.Unlock()
		return nil
	}
	room := c.room
	facing := c.facing
	c.mu.Unlock()

	track, err := room.PublishTrack(ctx, kind, facing)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		_ = track.Close()
		return ErrNotConnected
	}
	if _, ok := c.tracks[kind]; ok {
		// lost a publish race; keep the first
		_ = track.Close()
		return nil
	}
	c.tracks[kind] = track
	switch kind {
	case core.TrackAudio:
		track.SetEnabled(!c.muted)
	case core.TrackVideo:
		track.SetEnabled(!c.videoOff)
	}
	return nil
}

// SetMuted toggles the local audio track without renegotiating.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	if t, ok := c.tracks[core.TrackAudio]; ok {
		t.SetEnabled(!muted)
	}
}

// SetVideoEnabled toggles the local video track without renegotiating.
func (c *Controller) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOff = !enabled
	if t, ok := c.tracks[core.TrackVideo]; ok {
		t.SetEnabled(enabled)
	}
}

// SwitchCamera republishes the local video track with the opposite facing.
// Best effort: on failure the previous track stays intact.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	old, hasVideo := c.tracks[core.TrackVideo]
	if !hasVideo {
		c.mu.Unlock()
		return ErrNotConnected
	}
	room := c.room
	next := core.FacingBack
	if c.facing == core.FacingBack {
		next = core.FacingFront
	}
	c.mu.Unlock()

	track, err := room.PublishTrack(ctx, core.TrackVideo, next)
	if err != nil {
		log.Warn().Str("module", "media").Err(err).Msg("camera switch failed, keeping current track")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = old.Close()
	c.tracks[core.TrackVideo] = track
	c.facing = next
	track.SetEnabled(!c.videoOff)
	return nil
}

// Disconnect is safe from any state, including before Connect completes:
// it cancels an in-flight dial. Terminal for this controller instance.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	room := c.room
	tracks := c.tracks
	c.room = nil
	c.tracks = make(map[core.TrackKind]core.LocalTrack)
	c.participants = make(map[string]core.RemoteParticipant)
	c.remoteTracks = make(map[string]core.RemoteTrack)
	c.state = StateDisconnected
	c.mu.Unlock()

	for _, t := range tracks {
		_ = t.Close()
	}
	if room != nil {
		room.Disconnect()
	}
	log.Info().Str("module", "media").Msg("controller disconnected")
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) IsConnected() bool  { return c.State() == StateConnected }
func (c *Controller) IsConnecting() bool { return c.State() == StateConnecting }

// LastError returns the failure recorded by the most recent connect attempt.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// ParticipantCount includes the local participant.
func (c *Controller) ParticipantCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected {
		return 0
	}
	return len(c.participants) + 1
}

func (c *Controller) Participants() []core.RemoteParticipant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.RemoteParticipant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

func (c *Controller) RemoteTracks() []core.RemoteTrack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.RemoteTrack, 0, len(c.remoteTracks))
	for _, t := range c.remoteTracks {
		out = append(out, t)
	}
	return out
}

// StatsSource exposes the live room for quality sampling.
// Returns ErrNotConnected when there is no room to poll.
func (c *Controller) Stats(ctx context.Context) (core.TransportStats, error) {
	c.mu.RLock()
	room := c.room
	c.mu.RUnlock()
	if room == nil {
		return core.TransportStats{}, ErrNotConnected
	}
	return room.Stats(ctx)
}

// room-event callbacks: sole writers of the remote maps.

func (c *Controller) participantJoined(p core.RemoteParticipant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[p.ID] = p
}

func (c *Controller) participantLeft(p core.RemoteParticipant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.participants, p.ID)
	for id, t := range c.remoteTracks {
		if t.ParticipantID == p.ID {
			delete(c.remoteTracks, id)
		}
	}
}

func (c *Controller) trackSubscribed(t core.RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteTracks[t.ID] = t
}

func (c *Controller) trackUnsubscribed(t core.RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remoteTracks, t.ID)
}

func (c *Controller) roomDropped(err error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	cb := c.onDisconnected
	c.mu.Unlock()

	log.Warn().Str("module", "media").Err(err).Msg("room dropped")
	if cb != nil {
		cb(err)
	}
}
