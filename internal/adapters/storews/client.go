// Package storews talks to the record store over its HTTP API and its
// websocket change feed, mapping transport failures onto the core error
// taxonomy.
package storews

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 1 << 16
)

// Client implements core.RecordStore and core.ProfileResolver against a
// store endpoint. BaseURL is http(s); the feed derives ws(s) from it.
type Client struct {
	baseURL string
	userID  domain.UserID
	http    *http.Client
	dialer  *websocket.Dialer
}

func NewClient(baseURL string, userID domain.UserID) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

type rowsResponse struct {
	Requests []WireRow `json:"requests"`
}

type insertRequest struct {
	UserID string `json:"user_id"`
}

type updateRequest struct {
	Status     string     `json:"status"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (c *Client) ReadRequests(ctx context.Context, sessionID domain.SessionID, statuses []domain.Status) ([]domain.StageRequest, error) {
	path := fmt.Sprintf("/v1/sessions/%s/requests", url.PathEscape(string(sessionID)))
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, st := range statuses {
			parts[i] = string(st)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}

	var resp rowsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.StageRequest, 0, len(resp.Requests))
	for _, wr := range resp.Requests {
		row, err := wr.Domain()
		if err != nil {
			log.Warn().Str("module", "storews").Err(err).Msg("malformed row in snapshot, skipped")
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *Client) InsertRequest(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (domain.StageRequest, error) {
	path := fmt.Sprintf("/v1/sessions/%s/requests", url.PathEscape(string(sessionID)))
	var wr WireRow
	if err := c.do(ctx, http.MethodPost, path, insertRequest{UserID: string(userID)}, &wr); err != nil {
		return domain.StageRequest{}, err
	}
	row, err := wr.Domain()
	if err != nil {
		return domain.StageRequest{}, fmt.Errorf("malformed insert response: %w", err)
	}
	return row, nil
}

func (c *Client) UpdateRequest(ctx context.Context, id domain.RequestID, status domain.Status, stamps core.UpdateStamps) error {
	path := fmt.Sprintf("/v1/requests/%s", url.PathEscape(string(id)))
	body := updateRequest{
		Status:     string(status),
		AcceptedAt: stamps.AcceptedAt,
		EndedAt:    stamps.EndedAt,
	}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

func (c *Client) DeleteRequest(ctx context.Context, id domain.RequestID) error {
	path := fmt.Sprintf("/v1/requests/%s", url.PathEscape(string(id)))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do runs one HTTP round-trip and maps the status code onto the taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", string(c.userID))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, core.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return mapStatus(resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func mapStatus(code int, body string) error {
	msg := strings.TrimSpace(body)
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusConflict, code == http.StatusTooManyRequests:
		return fmt.Errorf("store rejected write (%d): %s: %w", code, msg, core.ErrPermissionDenied)
	case code == http.StatusNotFound:
		return fmt.Errorf("store row missing (%d): %w", code, core.ErrNotFound)
	default:
		return fmt.Errorf("store error (%d): %s: %w", code, msg, core.ErrTransient)
	}
}

// ResolveProfile fetches the display identity for a user.
func (c *Client) ResolveProfile(ctx context.Context, userID domain.UserID) (domain.Profile, error) {
	path := fmt.Sprintf("/v1/profiles/%s", url.PathEscape(string(userID)))
	var p domain.Profile
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// SubscribeChanges dials the feed endpoint and pumps validated events into
// fn until the socket drops. The caller owns resubscription.
func (c *Client) SubscribeChanges(ctx context.Context, sessionID domain.SessionID, fn func(core.ChangeEvent)) (core.Subscription, error) {
	wsURL, err := c.feedURL(sessionID)
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, http.Header{
		"X-User-ID": []string{string(c.userID)},
	})
	if err != nil {
		return nil, fmt.Errorf("feed dial: %v: %w", err, core.ErrTransient)
	}

	sub := &feedSubscription{conn: conn, done: make(chan struct{})}
	go sub.readPump(fn)
	go sub.pingLoop()
	return sub, nil
}

func (c *Client) feedURL(sessionID domain.SessionID) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/v1/sessions/%s/feed", url.PathEscape(string(sessionID)))
	return u.String(), nil
}

type feedSubscription struct {
	conn *websocket.Conn

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func (s *feedSubscription) readPump(fn func(core.ChangeEvent)) {
	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		var wire WireEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			log.Warn().Str("module", "storews").Err(err).Msg("malformed feed payload dropped")
			continue
		}
		ev, err := wire.Domain()
		if err != nil {
			log.Warn().Str("module", "storews").Err(err).Msg("invalid feed event dropped")
			continue
		}
		fn(ev)
	}
}

func (s *feedSubscription) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.fail(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *feedSubscription) Done() <-chan struct{} { return s.done }

func (s *feedSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *feedSubscription) Close() { s.fail(nil) }

func (s *feedSubscription) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		_ = s.conn.Close()
		close(s.done)
	})
}
