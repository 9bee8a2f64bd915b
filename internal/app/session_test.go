package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avirel/stagecast/internal/adapters/memstore"
	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

const testSession = domain.SessionID("s1")

type fakeTrack struct{ kind core.TrackKind }

func (t *fakeTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeTrack) SetEnabled(bool)      {}
func (t *fakeTrack) Enabled() bool        { return true }
func (t *fakeTrack) Close() error         { return nil }

type fakeRoom struct {
	mu        sync.Mutex
	events    core.RoomEvents
	published []core.TrackKind
}

func (r *fakeRoom) PublishTrack(_ context.Context, kind core.TrackKind, _ core.CameraFacing) (core.LocalTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, kind)
	return &fakeTrack{kind: kind}, nil
}

func (r *fakeRoom) SetEvents(ev core.RoomEvents) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = ev
}

func (r *fakeRoom) Stats(context.Context) (core.TransportStats, error) {
	return core.TransportStats{CollectedAt: time.Now()}, nil
}

func (r *fakeRoom) Disconnect() {}

func (r *fakeRoom) publishedKinds() []core.TrackKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.TrackKind, len(r.published))
	copy(out, r.published)
	return out
}

func (r *fakeRoom) fire() core.RoomEvents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	dials []domain.Role
	rooms []*fakeRoom
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string, role domain.Role) (core.RoomHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials = append(d.dials, role)
	room := &fakeRoom{}
	d.rooms = append(d.rooms, room)
	return room, nil
}

func (d *fakeDialer) roles() []domain.Role {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Role, len(d.dials))
	copy(out, d.dials)
	return out
}

func (d *fakeDialer) lastRoom() *fakeRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rooms) == 0 {
		return nil
	}
	return d.rooms[len(d.rooms)-1]
}

func staticAuth(context.Context, domain.Role) (string, string, error) {
	return "wss://media", "token", nil
}

func newTestSession(t *testing.T, store *memstore.Store, dialer *fakeDialer, user domain.UserID, role domain.Role, hooks Hooks) *Session {
	t.Helper()
	s := NewSession(store, store, dialer, staticAuth, SessionConfig{
		SessionID:       testSession,
		UserID:          user,
		Role:            role,
		QualityInterval: 50 * time.Millisecond,
	}, hooks)
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBroadcasterStartPublishesMedia(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, memstore.New(), dialer, "host", domain.RoleBroadcaster, Hooks{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("media not connected after start")
	}

	kinds := dialer.lastRoom().publishedKinds()
	if len(kinds) != 2 {
		t.Fatalf("published = %v, want audio and video", kinds)
	}
}

func TestViewerStartDoesNotPublish(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, memstore.New(), dialer, "alice", domain.RoleViewer, Hooks{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := dialer.lastRoom().publishedKinds(); len(got) != 0 {
		t.Fatalf("viewer published %v, want nothing", got)
	}
}

func TestMediaFailureLeavesStageRunning(t *testing.T) {
	store := memstore.New()
	dialer := &fakeDialer{err: &core.ConnectError{Reason: core.ReasonNetworkError}}
	s := newTestSession(t, store, dialer, "alice", domain.RoleViewer, Hooks{})

	err := s.Start(context.Background())
	var ce *core.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("start err = %v, want connect error", err)
	}

	// the coordinator must still be live despite the media failure
	if err := s.RequestStage(context.Background()); err != nil {
		t.Fatalf("request stage: %v", err)
	}
	waitFor(t, "own request in view", func() bool {
		return s.View().MyRequest != nil
	})
}

func TestPromotionSwitchesMediaRole(t *testing.T) {
	store := memstore.New()
	dialer := &fakeDialer{}

	var viewMu sync.Mutex
	var lastView domain.LocalStageView
	s := newTestSession(t, store, dialer, "alice", domain.RoleViewer, Hooks{
		OnViewChange: func(v domain.LocalStageView) {
			viewMu.Lock()
			lastView = v
			viewMu.Unlock()
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.RequestStage(context.Background()); err != nil {
		t.Fatalf("request stage: %v", err)
	}
	waitFor(t, "own request visible", func() bool {
		return s.View().MyRequest != nil
	})

	// the broadcaster promotes from their own client; here we poke the store
	row := s.View().MyRequest
	now := time.Now().UTC()
	if err := store.UpdateRequest(context.Background(), row.ID, domain.StatusOnStage, core.UpdateStamps{AcceptedAt: &now}); err != nil {
		t.Fatalf("promote: %v", err)
	}

	waitFor(t, "promotion edge", func() bool {
		return s.View().AmOnStage
	})
	waitFor(t, "guest room dial", func() bool {
		roles := dialer.roles()
		return len(roles) >= 2 && roles[len(roles)-1] == domain.RoleGuest
	})
	waitFor(t, "guest media publishing", func() bool {
		return len(dialer.lastRoom().publishedKinds()) == 2
	})

	viewMu.Lock()
	onStage := lastView.AmOnStage
	viewMu.Unlock()
	if !onStage {
		t.Error("view hook never saw AmOnStage")
	}

	// demotion drops back to a subscribe-only room
	if err := store.UpdateRequest(context.Background(), row.ID, domain.StatusEnded, core.UpdateStamps{EndedAt: &now}); err != nil {
		t.Fatalf("demote: %v", err)
	}
	waitFor(t, "viewer room dial after demotion", func() bool {
		roles := dialer.roles()
		return len(roles) >= 3 && roles[len(roles)-1] == domain.RoleViewer
	})
}

func TestMediaDownHookAndReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	downs := make(chan error, 1)
	s := newTestSession(t, memstore.New(), dialer, "host", domain.RoleBroadcaster, Hooks{
		OnMediaDown: func(err error) { downs <- err },
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	dropErr := errors.New("ice failed")
	dialer.lastRoom().fire().OnDisconnected(dropErr)

	select {
	case err := <-downs:
		if !errors.Is(err, dropErr) {
			t.Fatalf("OnMediaDown got %v, want %v", err, dropErr)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMediaDown never fired")
	}

	if err := s.ReconnectMedia(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("not connected after reconnect")
	}
	if got := dialer.roles(); len(got) != 2 || got[1] != domain.RoleBroadcaster {
		t.Fatalf("dials = %v, want second broadcaster dial", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t, memstore.New(), &fakeDialer{}, "host", domain.RoleBroadcaster, Hooks{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Close()
	s.Close() // second close must be a no-op
}
