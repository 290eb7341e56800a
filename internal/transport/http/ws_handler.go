package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/EspenRiis/attensi-spin-sub000/internal/app"
	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// WSHandler upgrades HTTP requests to websockets and wires one logical
// connection per participant into the session coordinator. The host connects
// the same way as a player; only its command rights differ.
type WSHandler struct {
	service    *app.SessionService
	autoReveal bool
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewWSHandler builds the websocket endpoint. autoReveal is the default
// countdown policy for sessions whose host does not choose one explicitly.
func NewWSHandler(service *app.SessionService, autoReveal bool, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		service:    service,
		autoReveal: autoReveal,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Name   string `json:"name"`
	Role   string `json:"role"` // "host" or "player"
	QuizID string `json:"quizId"`
	// AutoReveal overrides the server default when present.
	AutoReveal *bool `json:"autoReveal,omitempty"`
}

type resumePayload struct {
	Token string `json:"token"`
}

type submitPayload struct {
	QuestionIndex  int     `json:"questionIndex"`
	Options        []int   `json:"options"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

type endPayload struct {
	Reason string `json:"reason"`
}

type joinedPayload struct {
	Participant    domain.Participant `json:"participant"`
	ReconnectToken string             `json:"reconnectToken"`
	Snapshot       app.Snapshot       `json:"snapshot"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errCode maps domain sentinels onto stable wire codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotHost):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrJoinClosed):
		return "invalid_state"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return "duplicate_submission"
	case errors.Is(err, domain.ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, domain.ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, domain.ErrQuestionMismatch):
		return "question_mismatch"
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrTokenNotFound),
		errors.Is(err, domain.ErrQuizNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNoParticipants), errors.Is(err, domain.ErrNoQuestions):
		return "precondition_failed"
	default:
		return "internal"
	}
}

// ServeWS handles one participant connection for its whole lifetime: an
// identity handshake (join or resume), then a command loop, with coordinator
// broadcasts fanned in through a dedicated writer goroutine.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	coord, participant, err := h.handshake(r, conn, sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload{Code: errCode(err), Message: err.Error()}})
		return
	}

	updates, cancel, err := coord.Subscribe()
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload{Code: errCode(err), Message: err.Error()}})
		return
	}
	defer cancel()
	defer func() { _ = coord.MarkPresence(participant.ID, false) }()

	// The snapshot is taken only after the subscription is registered, so
	// every broadcast is either folded into the snapshot or delivered on the
	// update stream. The client discards events with seq <= snapshot seq.
	snap, err := coord.SnapshotFor(participant.ID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload{Code: errCode(err), Message: err.Error()}})
		return
	}

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	// Joined goes out before the forwarder drains any broadcasts that
	// accumulated behind the subscription, so the client always sees its
	// snapshot first.
	send <- outboundMessage{Type: "joined", Seq: snap.Seq, Payload: joinedPayload{
		Participant:    participant,
		ReconnectToken: participant.ReconnectToken,
		Snapshot:       snap,
	}}

	go func() {
		defer close(updatesDone)
		for {
			select {
			case ev, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: ev.Type, Seq: ev.Seq, Payload: ev.Payload}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	h.readLoop(conn, coord, participant, send)

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

// handshake resolves the first inbound message into a participant identity.
// A host join creates (or re-attaches to) the session; a player join requires
// the session to exist; resume reconnects by token in any non-terminal state.
// The caller subscribes and then takes the snapshot, so nothing broadcast
// after the snapshot can be missed.
func (h *WSHandler) handshake(r *http.Request, conn *websocket.Conn, sessionID string) (*app.Coordinator, domain.Participant, error) {
	var first inboundMessage
	if err := conn.ReadJSON(&first); err != nil {
		return nil, domain.Participant{}, errors.New("expected join or resume")
	}

	ctx := r.Context()
	switch first.Type {
	case "join":
		var payload joinPayload
		if err := json.Unmarshal(first.Payload, &payload); err != nil || payload.Name == "" {
			return nil, domain.Participant{}, errors.New("invalid join payload")
		}

		var (
			coord *app.Coordinator
			err   error
		)
		if payload.Role == "host" {
			autoReveal := h.autoReveal
			if payload.AutoReveal != nil {
				autoReveal = *payload.AutoReveal
			}
			coord, err = h.service.Create(ctx, sessionID, payload.QuizID, autoReveal)
		} else {
			coord, err = h.service.Get(ctx, sessionID)
		}
		if err != nil {
			return nil, domain.Participant{}, err
		}

		participant, err := coord.Join(payload.Name, payload.Role == "host")
		if err != nil {
			return nil, domain.Participant{}, err
		}
		return coord, participant, nil

	case "resume":
		var payload resumePayload
		if err := json.Unmarshal(first.Payload, &payload); err != nil || payload.Token == "" {
			return nil, domain.Participant{}, errors.New("invalid resume payload")
		}
		coord, err := h.service.Get(ctx, sessionID)
		if err != nil {
			return nil, domain.Participant{}, err
		}
		participant, _, err := coord.Resume(payload.Token)
		if err != nil {
			return nil, domain.Participant{}, err
		}
		return coord, participant, nil

	default:
		return nil, domain.Participant{}, errors.New("expected join or resume")
	}
}

func (h *WSHandler) readLoop(conn *websocket.Conn, coord *app.Coordinator, participant domain.Participant, send chan<- outboundMessage) {
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}

		switch inbound.Type {
		case "start":
			h.reply(send, "started", coord.Start(participant.ID))
		case "revealCurrent":
			h.reply(send, "revealed", coord.RevealCurrent(participant.ID))
		case "advance":
			h.reply(send, "advanceAccepted", coord.Advance(participant.ID))
		case "end":
			var payload endPayload
			_ = json.Unmarshal(inbound.Payload, &payload)
			if payload.Reason == "" {
				payload.Reason = "ended by host"
			}
			h.reply(send, "endAccepted", coord.End(participant.ID, payload.Reason))
		case "submitAnswer":
			var payload submitPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage{Type: "error", Payload: errorPayload{Code: "bad_request", Message: "invalid submitAnswer payload"}}
				continue
			}
			ack, err := coord.SubmitAnswer(participant.ID, payload.QuestionIndex, payload.Options, payload.ElapsedSeconds)
			if err != nil && !errors.Is(err, domain.ErrDuplicateSubmission) {
				send <- outboundMessage{Type: "error", Payload: errorPayload{Code: errCode(err), Message: err.Error()}}
				continue
			}
			// A duplicate is acknowledged rather than errored so the client
			// stops retrying; the first submission stands.
			send <- outboundMessage{Type: "submissionAccepted", Payload: ack}
		default:
			send <- outboundMessage{Type: "error", Payload: errorPayload{Code: "bad_request", Message: "unsupported message type"}}
		}
	}
}

// reply acks a host command or surfaces its rejection to the issuing client
// only. Accepted commands additionally reach everyone through the broadcast
// stream.
func (h *WSHandler) reply(send chan<- outboundMessage, okType string, err error) {
	if err != nil {
		send <- outboundMessage{Type: "error", Payload: errorPayload{Code: errCode(err), Message: err.Error()}}
		return
	}
	send <- outboundMessage{Type: okType, Payload: struct{}{}}
}
