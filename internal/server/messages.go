package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-clinic/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is one inbound websocket frame. Exactly one of the kind
// fields is expected to be set.
type ClientMessage struct {
	BaseMessage
	JoinRoom     *JoinRoom    `json:"join_room,omitempty"`
	LeaveRoom    *LeaveRoom   `json:"leave_room,omitempty"`
	SendMessage  *SendMessage `json:"send_message,omitempty"`
	Offer        *Signal      `json:"offer,omitempty"`
	Answer       *Signal      `json:"answer,omitempty"`
	IceCandidate *Signal      `json:"ice_candidate,omitempty"`
	client       *Client      `json:"-"`
}

type JoinRoom struct {
	AppointmentId int `json:"appointment_id"`
}

type LeaveRoom struct{}

type SendMessage struct {
	Content string `json:"content"`
}

// Signal carries a call setup blob to the connection named by Target. The
// payload is relayed untouched.
type Signal struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

type SignalKind string

const (
	KindOffer        SignalKind = "offer"
	KindAnswer       SignalKind = "answer"
	KindIceCandidate SignalKind = "ice_candidate"
)

// signal returns the signaling kind msg carries, if any.
func (msg *ClientMessage) signal() (SignalKind, *Signal) {
	switch {
	case msg.Offer != nil:
		return KindOffer, msg.Offer
	case msg.Answer != nil:
		return KindAnswer, msg.Answer
	case msg.IceCandidate != nil:
		return KindIceCandidate, msg.IceCandidate
	}
	return "", nil
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Signal       *SignalEvent   `json:"signal,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type SignalEvent struct {
	Kind    SignalKind      `json:"kind"`
	RoomId  string          `json:"room_id"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type Notification struct {
	PeerJoined *PeerEvent `json:"peer_joined,omitempty"`
	PeerLeft   *PeerEvent `json:"peer_left,omitempty"`
}

type PeerEvent struct {
	RoomId      string            `json:"room_id"`
	Participant types.Participant `json:"participant"`
}

func newResponse(id, code int, errMsg string, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data map[string]any) *ServerMessage {
	return newResponse(id, http.StatusAccepted, "", data)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "room not found", nil)
}

func ErrNotInRoom(id int) *ServerMessage {
	return newResponse(id, http.StatusConflict, "not in a room", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "not a participant of the appointment", nil)
}

func ErrAppointmentClosed(id int) *ServerMessage {
	return newResponse(id, http.StatusConflict, "appointment is cancelled", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

// ErrPersistenceUnavailable warns the author that a chat message reached the
// room but could not be stored.
func ErrPersistenceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "message delivered but not saved", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return newResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
