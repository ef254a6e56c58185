package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-clinic/internal/appointment"
	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/stats"
	"github.com/npezzotti/go-clinic/internal/types"
)

const (
	persistQueueSize = 256
	storeTimeout     = 5 * time.Second
)

var relayMetrics = []string{
	"NumConnections",
	"NumActiveRooms",
	"NumChatMessages",
	"NumSignalsRelayed",
	"NumDeliveryNoops",
}

// Store is what the relay reads and writes while routing messages.
type Store interface {
	GetAppointmentById(ctx context.Context, id int) (database.Appointment, error)
	CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error)
}

type persistReq struct {
	client *Client
	msgId  int
	params database.CreateMessageParams
}

// Relay routes signaling and chat between the connections of an appointment
// room. Routing never waits on the store: chat messages are broadcast first
// and then handed to a single writer goroutine started by Run.
type Relay struct {
	log         *log.Logger
	store       Store
	registry    *Registry
	stats       stats.StatsProvider
	clients     map[string]*Client
	clientsLock sync.Mutex
	persistChan chan *persistReq
	stop        chan struct{}
	done        chan struct{}
}

func NewRelay(logger *log.Logger, store Store, su stats.StatsProvider) (*Relay, error) {
	if store == nil {
		return nil, errors.New("relay requires a store")
	}

	for _, name := range relayMetrics {
		su.RegisterMetric(name)
	}

	return &Relay{
		log:         logger,
		store:       store,
		registry:    NewRegistry(logger, su),
		stats:       su,
		clients:     make(map[string]*Client),
		persistChan: make(chan *persistReq, persistQueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// Run writes chat messages to the store until Shutdown is called. Requests
// queued before shutdown are still written.
func (r *Relay) Run() {
	defer close(r.done)

	for {
		select {
		case req := <-r.persistChan:
			r.persist(req)
		case <-r.stop:
			for {
				select {
				case req := <-r.persistChan:
					r.persist(req)
				default:
					r.log.Println("relay writer stopped")
					return
				}
			}
		}
	}
}

func (r *Relay) Shutdown(ctx context.Context) error {
	r.log.Println("shutting down relay")

	r.clientsLock.Lock()
	for _, c := range r.clients {
		c.stopClient()
	}
	r.clientsLock.Unlock()

	close(r.stop)

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

func (r *Relay) RegisterClient(c *Client) {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()

	r.clients[c.id] = c
	r.stats.Incr("NumConnections")
	r.log.Printf("connection %s opened for %q", c.id, c.user.Username)
}

func (r *Relay) deregisterClient(c *Client) {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()

	if _, ok := r.clients[c.id]; !ok {
		return
	}

	delete(r.clients, c.id)
	r.stats.Decr("NumConnections")
	r.log.Printf("connection %s closed for %q", c.id, c.user.Username)
}

func (r *Relay) dispatch(msg *ClientMessage) {
	c := msg.client

	switch {
	case msg.JoinRoom != nil:
		r.handleJoin(c, msg)
	case msg.LeaveRoom != nil:
		r.handleLeave(c, msg)
	case msg.SendMessage != nil:
		r.handleSendMessage(c, msg)
	default:
		kind, sig := msg.signal()
		if sig == nil {
			c.Deliver(ErrInvalidMessage(msg.Id))
			return
		}
		r.handleSignal(c, msg, kind, sig)
	}
}

func (r *Relay) handleJoin(c *Client, msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	appt, err := r.store.GetAppointmentById(ctx, msg.JoinRoom.AppointmentId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.Deliver(ErrRoomNotFound(msg.Id))
			return
		}
		r.log.Printf("load appointment %d: %v", msg.JoinRoom.AppointmentId, err)
		c.Deliver(ErrInternalError(msg.Id))
		return
	}

	if !appointment.IsParticipant(appt, c.user.Id) {
		r.log.Printf("user %d refused from room %d", c.user.Id, appt.Id)
		c.Deliver(ErrForbidden(msg.Id))
		return
	}

	if appt.Status == types.StatusCancelled {
		c.Deliver(ErrAppointmentClosed(msg.Id))
		return
	}

	room := RoomFor(appt)
	if cur, ok := r.registry.RoomOf(c.id); ok && cur == room {
		c.Deliver(r.joinResponse(msg.Id, c, room, r.registry.MembersOf(room)))
		return
	}

	p := types.Participant{
		ConnId:   c.id,
		UserId:   c.user.Id,
		Username: c.user.Username,
		JoinedAt: Now(),
	}

	members, prev := r.registry.Join(c, room, p)
	if prev != nil {
		r.notifyLeft(*prev)
	}

	c.Deliver(r.joinResponse(msg.Id, c, room, members))

	joined := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			PeerJoined: &PeerEvent{RoomId: room.String(), Participant: p},
		},
	}
	for _, m := range r.registry.Members(room) {
		if m.Conn.ID() == c.id {
			continue
		}
		m.Conn.Deliver(joined)
	}

	r.log.Printf("connection %s joined room %s", c.id, room)
}

func (r *Relay) joinResponse(id int, c *Client, room RoomID, members []types.Participant) *ServerMessage {
	return NoErrOK(id, map[string]any{
		"conn_id": c.id,
		"room_id": room.String(),
		"members": members,
	})
}

func (r *Relay) handleLeave(c *Client, msg *ClientMessage) {
	if d, ok := r.registry.Leave(c.id); ok {
		r.notifyLeft(d)
	}

	c.Deliver(NoErrOK(msg.Id, nil))
}

// disconnect removes a closed connection from its room and tells the
// remaining members.
func (r *Relay) disconnect(c *Client) {
	if d, ok := r.registry.Leave(c.id); ok {
		r.notifyLeft(d)
	}

	r.deregisterClient(c)
}

func (r *Relay) notifyLeft(d Departure) {
	r.log.Printf("connection %s left room %s", d.Participant.ConnId, d.Room)
	if d.Closed {
		return
	}

	left := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			PeerLeft: &PeerEvent{RoomId: d.Room.String(), Participant: d.Participant},
		},
	}
	for _, m := range d.Remaining {
		m.Conn.Deliver(left)
	}
}

func (r *Relay) handleSendMessage(c *Client, msg *ClientMessage) {
	room, ok := r.registry.RoomOf(c.id)
	if !ok {
		c.Deliver(ErrNotInRoom(msg.Id))
		return
	}

	content := msg.SendMessage.Content
	if strings.TrimSpace(content) == "" {
		c.Deliver(ErrInvalidMessage(msg.Id))
		return
	}

	chat := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: msg.Timestamp,
		},
		Message: &types.Message{
			AppointmentId: room.AppointmentId(),
			AuthorId:      c.user.Id,
			AuthorName:    c.user.Username,
			Content:       content,
			Timestamp:     msg.Timestamp,
		},
	}
	for _, m := range r.registry.Members(room) {
		m.Conn.Deliver(chat)
	}
	r.stats.Incr("NumChatMessages")

	req := &persistReq{
		client: c,
		msgId:  msg.Id,
		params: database.CreateMessageParams{
			AppointmentId: room.AppointmentId(),
			AuthorId:      c.user.Id,
			Content:       content,
			CreatedAt:     msg.Timestamp,
		},
	}

	select {
	case r.persistChan <- req:
	default:
		r.log.Printf("persist queue full, dropping message from %s in room %s", c.id, room)
		c.Deliver(ErrPersistenceUnavailable(msg.Id))
	}
}

func (r *Relay) persist(req *persistReq) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	stored, err := r.store.CreateMessage(ctx, req.params)
	if err != nil {
		r.log.Printf("save message for appointment %d: %v", req.params.AppointmentId, err)
		req.client.Deliver(ErrPersistenceUnavailable(req.msgId))
		return
	}

	req.client.Deliver(NoErrAccepted(req.msgId, map[string]any{
		"message_id": stored.Id,
	}))
}

func (r *Relay) handleSignal(c *Client, msg *ClientMessage, kind SignalKind, sig *Signal) {
	room, ok := r.registry.RoomOf(c.id)
	if !ok {
		c.Deliver(ErrNotInRoom(msg.Id))
		return
	}

	if sig.Target == "" {
		c.Deliver(ErrInvalidMessage(msg.Id))
		return
	}

	target, ok := r.registry.Lookup(room, sig.Target)
	if !ok {
		r.log.Printf("%s from %s to absent connection %s in room %s dropped", kind, c.id, sig.Target, room)
		r.stats.Incr("NumDeliveryNoops")
		return
	}

	delivered := target.Deliver(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: msg.Timestamp,
		},
		Signal: &SignalEvent{
			Kind:    kind,
			RoomId:  room.String(),
			From:    c.id,
			Payload: sig.Payload,
		},
	})
	if !delivered {
		r.stats.Incr("NumDeliveryNoops")
		return
	}

	r.stats.Incr("NumSignalsRelayed")
}
