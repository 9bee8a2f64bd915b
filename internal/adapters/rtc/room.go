// Package rtc implements the room-session contract over a Pion
// PeerConnection plus a websocket signaling channel to the media gateway.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

const answerTimeout = 15 * time.Second

// signalMessage is the gateway signaling envelope.
type signalMessage struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Candidate *struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid,omitempty"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	} `json:"candidate,omitempty"`
	Participant *struct {
		ID       string `json:"id"`
		Identity string `json:"identity"`
	} `json:"participant,omitempty"`
}

// Dialer builds room sessions against a gateway URL.
type Dialer struct {
	ICEServers []webrtc.ICEServer
}

// DefaultDialer uses a public STUN server, same as the dev gateway.
func DefaultDialer() *Dialer {
	return &Dialer{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Dial joins the room named in the token. Failures are classified so the
// controller can tell a bad token from a bad network.
func (d *Dialer) Dial(ctx context.Context, url, token string, role domain.Role) (core.RoomHandle, error) {
	claims, err := ParseRoomToken(token)
	if err != nil {
		return nil, &core.ConnectError{Reason: core.ReasonTokenRejected, Err: err}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &core.ConnectError{Reason: core.ReasonTokenRejected, Err: err}
		}
		return nil, &core.ConnectError{Reason: core.ReasonNetworkError, Err: err}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: d.ICEServers})
	if err != nil {
		_ = conn.Close()
		return nil, &core.ConnectError{Reason: core.ReasonServerError, Err: err}
	}

	r := &room{
		pc:       pc,
		conn:     conn,
		identity: claims.Identity,
		roomName: claims.Room,
		answerCh: make(chan signalMessage, 1),
		closed:   make(chan struct{}),
	}

	if err := r.negotiate(ctx, role); err != nil {
		r.Disconnect()
		return nil, err
	}

	go r.readPump()
	log.Info().Str("module", "rtc").Str("room", claims.Room).
		Str("identity", claims.Identity).Str("role", string(role)).Msg("room joined")
	return r, nil
}

// room is one live connection: a peer connection and its signaling socket.
type room struct {
	pc       *webrtc.PeerConnection
	conn     *websocket.Conn
	identity string
	roomName string

	writeMu  sync.Mutex
	answerCh chan signalMessage

	mu     sync.Mutex
	events core.RoomEvents

	closed    chan struct{}
	closeOnce sync.Once
}

// negotiate runs the offer/answer exchange over the signaling socket.
func (r *room) negotiate(ctx context.Context, role domain.Role) error {
	// Publishers add transceivers on demand; viewers receive only.
	if role == domain.RoleViewer {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := r.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return &core.ConnectError{Reason: core.ReasonServerError, Err: err}
			}
		}
	}

	r.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		r.send(signalMessage{
			Type: "candidate",
			Candidate: &struct {
				Candidate     string  `json:"candidate"`
				SDPMid        *string `json:"sdpMid,omitempty"`
				SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
			}{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex},
		})
	})

	r.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := core.TrackAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = core.TrackVideo
		}
		r.dispatch(func(ev core.RoomEvents) {
			if ev.OnTrackSubscribed != nil {
				ev.OnTrackSubscribed(core.RemoteTrack{
					ID:            track.ID(),
					ParticipantID: track.StreamID(),
					Kind:          kind,
				})
			}
		})
	})

	r.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("identity", r.identity).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			r.fail(fmt.Errorf("peer connection %s", s))
		}
	})

	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		return &core.ConnectError{Reason: core.ReasonServerError, Err: err}
	}
	if err := r.pc.SetLocalDescription(offer); err != nil {
		return &core.ConnectError{Reason: core.ReasonServerError, Err: err}
	}

	r.send(signalMessage{Type: "join", SDP: offer.SDP})

	// Reads happen inline until the answer lands; the read pump takes over
	// afterwards.
	answer, err := r.awaitAnswer(ctx)
	if err != nil {
		return err
	}
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return &core.ConnectError{Reason: core.ReasonServerError, Err: err}
	}
	return nil
}

func (r *room) awaitAnswer(ctx context.Context) (signalMessage, error) {
	deadline := time.Now().Add(answerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.conn.SetReadDeadline(deadline)

	for {
		var msg signalMessage
		if err := r.conn.ReadJSON(&msg); err != nil {
			return signalMessage{}, &core.ConnectError{Reason: core.ReasonNetworkError, Err: err}
		}
		switch msg.Type {
		case "answer":
			_ = r.conn.SetReadDeadline(time.Time{})
			return msg, nil
		case "error":
			reason := core.ReasonServerError
			if msg.Code == http.StatusUnauthorized || msg.Code == http.StatusForbidden {
				reason = core.ReasonTokenRejected
			}
			return signalMessage{}, &core.ConnectError{Reason: reason, Err: fmt.Errorf("gateway: %s", msg.Message)}
		default:
			// pre-answer notifications are not interesting yet
		}
	}
}

func (r *room) readPump() {
	for {
		var msg signalMessage
		if err := r.conn.ReadJSON(&msg); err != nil {
			r.fail(err)
			return
		}
		switch msg.Type {
		case "candidate":
			if msg.Candidate == nil {
				continue
			}
			err := r.pc.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     msg.Candidate.Candidate,
				SDPMid:        msg.Candidate.SDPMid,
				SDPMLineIndex: msg.Candidate.SDPMLineIndex,
			})
			if err != nil {
				log.Warn().Str("module", "rtc").Err(err).Msg("add remote candidate failed")
			}
		case "participant_joined":
			if msg.Participant == nil {
				continue
			}
			p := core.RemoteParticipant{ID: msg.Participant.ID, Identity: msg.Participant.Identity}
			r.dispatch(func(ev core.RoomEvents) {
				if ev.OnParticipantJoined != nil {
					ev.OnParticipantJoined(p)
				}
			})
		case "participant_left":
			if msg.Participant == nil {
				continue
			}
			p := core.RemoteParticipant{ID: msg.Participant.ID, Identity: msg.Participant.Identity}
			r.dispatch(func(ev core.RoomEvents) {
				if ev.OnParticipantLeft != nil {
					ev.OnParticipantLeft(p)
				}
			})
		default:
			log.Debug().Str("module", "rtc").Str("type", msg.Type).Msg("unhandled gateway message")
		}
	}
}

func (r *room) send(msg signalMessage) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Str("module", "rtc").Err(err).Msg("signal write failed")
	}
}

func (r *room) dispatch(fn func(core.RoomEvents)) {
	r.mu.Lock()
	ev := r.events
	r.mu.Unlock()
	fn(ev)
}

func (r *room) SetEvents(ev core.RoomEvents) {
	r.mu.Lock()
	r.events = ev
	r.mu.Unlock()
}

func (r *room) PublishTrack(ctx context.Context, kind core.TrackKind, facing core.CameraFacing) (core.LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	id := "audio"
	if kind == core.TrackVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		id = "video-" + string(facing)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, id, r.identity)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := r.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	// Renegotiate so the gateway learns about the new sender.
	offer, err := r.pc.CreateOffer(nil)
	if err == nil {
		if err := r.pc.SetLocalDescription(offer); err == nil {
			r.send(signalMessage{Type: "offer", SDP: offer.SDP})
		}
	}

	return &localTrack{kind: kind, track: track, sender: sender, pc: r.pc, enabled: true}, nil
}

func (r *room) Stats(ctx context.Context) (core.TransportStats, error) {
	select {
	case <-r.closed:
		return core.TransportStats{}, fmt.Errorf("room closed")
	default:
	}
	return collectStats(r.pc.GetStats()), nil
}

func (r *room) Disconnect() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.send(signalMessage{Type: "leave"})
		_ = r.conn.Close()
		if err := r.pc.Close(); err != nil {
			log.Error().Str("module", "rtc").Err(err).Msg("peer close error")
		}
		log.Info().Str("module", "rtc").Str("room", r.roomName).Msg("room left")
	})
}

func (r *room) fail(err error) {
	select {
	case <-r.closed:
		return
	default:
	}
	r.dispatch(func(ev core.RoomEvents) {
		if ev.OnDisconnected != nil {
			ev.OnDisconnected(err)
		}
	})
	r.Disconnect()
}

// localTrack gates sample writing on an enabled flag so muting never
// renegotiates the connection.
type localTrack struct {
	kind   core.TrackKind
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	enabled bool
}

func (t *localTrack) Kind() core.TrackKind { return t.kind }

func (t *localTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) Close() error {
	return t.pc.RemoveTrack(t.sender)
}
