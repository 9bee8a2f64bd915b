package core

import (
	"context"
	"time"

	"github.com/avirel/stagecast/internal/domain"
)

// TrackKind distinguishes published media.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// CameraFacing selects the capture device for video tracks.
type CameraFacing string

const (
	FacingFront CameraFacing = "front"
	FacingBack  CameraFacing = "back"
)

// LocalTrack is a published local track handle.
// SetEnabled toggles transmission without renegotiating.
type LocalTrack interface {
	Kind() TrackKind
	SetEnabled(bool)
	Enabled() bool
	Close() error
}

// RemoteParticipant is a read-only view of another room member.
type RemoteParticipant struct {
	ID       string
	Identity string
}

// RemoteTrack is a handle to a subscribed remote track.
type RemoteTrack struct {
	ID            string
	ParticipantID string
	Kind          TrackKind
}

// RoomEvents are the callbacks a room handle delivers. All of them run on
// the handle's own goroutine; the controller is their only consumer.
type RoomEvents struct {
	OnParticipantJoined func(RemoteParticipant)
	OnParticipantLeft   func(RemoteParticipant)
	OnTrackSubscribed   func(RemoteTrack)
	OnTrackUnsubscribed func(RemoteTrack)
	OnDisconnected      func(error)
}

// TransportStats are the raw counters a room handle exposes.
// Cumulative counters; the estimator derives deltas itself.
type TransportStats struct {
	CollectedAt     time.Time
	RoundTripTimeMs *float64
	JitterMs        *float64
	FramesPerSecond *float64
	BytesSent       *uint64
	BytesReceived   *uint64
	PacketsSent     *uint64
	PacketsLost     *uint64
}

// RoomHandle is one live connection to the media-routing service.
// Owned by exactly one media controller; Disconnect must be safe to call
// at any point, including concurrently with a pending operation.
type RoomHandle interface {
	PublishTrack(ctx context.Context, kind TrackKind, facing CameraFacing) (LocalTrack, error)
	SetEvents(RoomEvents)
	Stats(ctx context.Context) (TransportStats, error)
	Disconnect()
}

// RoomDialer establishes room connections. Implementations classify
// failures via *ConnectError.
type RoomDialer interface {
	Dial(ctx context.Context, url, token string, role domain.Role) (RoomHandle, error)
}
