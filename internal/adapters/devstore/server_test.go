package devstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avirel/stagecast/internal/adapters/memstore"
	"github.com/avirel/stagecast/internal/adapters/storews"
	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

const session = domain.SessionID("s1")

// newTestServer runs the full stack: storews client against a live gin
// server over a memstore, so the wire protocol is exercised end to end.
func newTestServer(t *testing.T, userID domain.UserID) (*memstore.Store, *storews.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	r := gin.New()
	NewServer(store).Routes(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return store, storews.NewClient(ts.URL, userID)
}

func TestInsertAndReadRoundTrip(t *testing.T) {
	_, client := newTestServer(t, "alice")
	ctx := context.Background()

	row, err := client.InsertRequest(ctx, session, "alice")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row.Status != domain.StatusPending || row.UserID != "alice" {
		t.Fatalf("row = %+v", row)
	}

	rows, err := client.ReadRequests(ctx, session, []domain.Status{domain.StatusPending})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != row.ID {
		t.Fatalf("rows = %+v, want the inserted row", rows)
	}
}

func TestInsertForAnotherUserDenied(t *testing.T) {
	_, client := newTestServer(t, "alice")

	_, err := client.InsertRequest(context.Background(), session, "bob")
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
}

func TestErrorMappingOverTheWire(t *testing.T) {
	_, client := newTestServer(t, "alice")
	ctx := context.Background()

	if err := client.UpdateRequest(ctx, "missing", domain.StatusEnded, core.UpdateStamps{}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing row: err = %v, want not found", err)
	}

	row, err := client.InsertRequest(ctx, session, "alice")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// pending -> ended is not a legal transition
	if err := client.UpdateRequest(ctx, row.ID, domain.StatusEnded, core.UpdateStamps{}); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("illegal transition: err = %v, want permission denied", err)
	}
}

func TestInsertRateLimited(t *testing.T) {
	_, client := newTestServer(t, "alice")
	ctx := context.Background()

	// stay under the one-active-request rule by cancelling between attempts
	for i := 0; i < 5; i++ {
		row, err := client.InsertRequest(ctx, session, "alice")
		if err != nil {
			t.Fatalf("insert %d: %v", i+1, err)
		}
		if err := client.DeleteRequest(ctx, row.ID); err != nil {
			t.Fatalf("delete %d: %v", i+1, err)
		}
	}
	if _, err := client.InsertRequest(ctx, session, "alice"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("rate-limited insert: err = %v, want permission denied", err)
	}
}

func TestResolveProfileOverTheWire(t *testing.T) {
	store, client := newTestServer(t, "alice")
	store.SetProfile(domain.Profile{UserID: "bob", DisplayName: "Bob B."})

	p, err := client.ResolveProfile(context.Background(), "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.DisplayName != "Bob B." {
		t.Fatalf("profile = %+v", p)
	}
}

func TestFeedDeliversInsertEvents(t *testing.T) {
	store, client := newTestServer(t, "alice")
	ctx := context.Background()

	events := make(chan core.ChangeEvent, 8)
	sub, err := client.SubscribeChanges(ctx, session, func(ev core.ChangeEvent) { events <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	row, err := store.InsertRequest(ctx, session, "bob")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != core.ChangeInsert || ev.Row.ID != row.ID {
			t.Fatalf("event = %+v, want insert of %s", ev, row.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no feed event received")
	}
}

func TestFeedRelayOverflow(t *testing.T) {
	relay := newFeedRelay(1)

	relay.push(storews.WireEvent{Seq: 1})
	select {
	case <-relay.overflow:
		t.Fatal("overflow tripped while the buffer had room")
	default:
	}

	// nobody draining: the second push overflows instead of blocking
	relay.push(storews.WireEvent{Seq: 2})
	select {
	case <-relay.overflow:
	default:
		t.Fatal("overflow not signalled on a full buffer")
	}

	// pushes after overflow stay safe
	relay.push(storews.WireEvent{Seq: 3})
}

func TestFeedSubscriptionClosesOnDisrupt(t *testing.T) {
	store, client := newTestServer(t, "alice")

	sub, err := client.SubscribeChanges(context.Background(), session, func(core.ChangeEvent) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store.Disrupt(errors.New("simulated outage"))

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client subscription did not observe the server-side close")
	}
}
