package server

import (
	"cmp"
	"log"
	"slices"
	"strconv"
	"sync"

	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/stats"
	"github.com/npezzotti/go-clinic/internal/types"
	"github.com/samber/lo"
)

// RoomID names the room of exactly one appointment. It can only be built
// from an appointment that was loaded from the store.
type RoomID struct {
	appointmentId int
}

func RoomFor(appt database.Appointment) RoomID {
	return RoomID{appointmentId: appt.Id}
}

func (r RoomID) AppointmentId() int {
	return r.appointmentId
}

func (r RoomID) String() string {
	return strconv.Itoa(r.appointmentId)
}

// Conn is the registry's handle on one live connection.
type Conn interface {
	ID() string
	Deliver(msg *ServerMessage) bool
}

type Member struct {
	Conn        Conn
	Participant types.Participant
}

// Departure describes the room a connection left.
type Departure struct {
	Room        RoomID
	Participant types.Participant
	// Remaining are the members still in the room after the leave.
	Remaining []Member
	// Closed is set when the leave emptied and discarded the room.
	Closed bool
}

// Registry tracks which connections are in which appointment room. A room
// exists only while it has members. All methods are safe for concurrent use
// and each mutation is applied atomically.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[RoomID]map[string]*Member
	connRoom map[string]RoomID
	log      *log.Logger
	stats    stats.StatsProvider
}

func NewRegistry(logger *log.Logger, su stats.StatsProvider) *Registry {
	return &Registry{
		rooms:    make(map[RoomID]map[string]*Member),
		connRoom: make(map[string]RoomID),
		log:      logger,
		stats:    su,
	}
}

// Join adds c to room. A connection already in another room leaves it first
// and the returned Departure describes that room. Joining the room c is
// already in replaces its participant tag. The returned members include c.
func (reg *Registry) Join(c Conn, room RoomID, p types.Participant) ([]types.Participant, *Departure) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var prev *Departure
	if cur, ok := reg.connRoom[c.ID()]; ok && cur != room {
		d := reg.leaveLocked(c.ID())
		prev = &d
	}

	members, ok := reg.rooms[room]
	if !ok {
		members = make(map[string]*Member)
		reg.rooms[room] = members
		reg.stats.Incr("NumActiveRooms")
		reg.log.Printf("room %s opened", room)
	}

	members[c.ID()] = &Member{Conn: c, Participant: p}
	reg.connRoom[c.ID()] = room

	return participantsOf(members), prev
}

// Leave removes the connection from its room. It reports false when the
// connection was in no room.
func (reg *Registry) Leave(connId string) (Departure, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.connRoom[connId]; !ok {
		return Departure{}, false
	}

	return reg.leaveLocked(connId), true
}

func (reg *Registry) leaveLocked(connId string) Departure {
	room := reg.connRoom[connId]
	members := reg.rooms[room]

	d := Departure{Room: room}
	if m, ok := members[connId]; ok {
		d.Participant = m.Participant
	}

	delete(members, connId)
	delete(reg.connRoom, connId)

	if len(members) == 0 {
		delete(reg.rooms, room)
		reg.stats.Decr("NumActiveRooms")
		reg.log.Printf("room %s closed", room)
		d.Closed = true
		return d
	}

	d.Remaining = snapshot(members)
	return d
}

// MembersOf returns the participants currently in room, oldest first.
func (reg *Registry) MembersOf(room RoomID) []types.Participant {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return participantsOf(reg.rooms[room])
}

// Members returns the connections currently in room.
func (reg *Registry) Members(room RoomID) []Member {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return snapshot(reg.rooms[room])
}

func (reg *Registry) RoomOf(connId string) (RoomID, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.connRoom[connId]
	return room, ok
}

// Lookup finds the connection connId inside room.
func (reg *Registry) Lookup(room RoomID, connId string) (Conn, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	m, ok := reg.rooms[room][connId]
	if !ok {
		return nil, false
	}
	return m.Conn, true
}

func (reg *Registry) Exists(room RoomID) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	_, ok := reg.rooms[room]
	return ok
}

// Len returns the number of open rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.rooms)
}

func snapshot(members map[string]*Member) []Member {
	out := lo.MapToSlice(members, func(_ string, m *Member) Member {
		return *m
	})
	sortMembers(out)
	return out
}

func participantsOf(members map[string]*Member) []types.Participant {
	return lo.Map(snapshot(members), func(m Member, _ int) types.Participant {
		return m.Participant
	})
}

func sortMembers(members []Member) {
	slices.SortFunc(members, func(a, b Member) int {
		if c := a.Participant.JoinedAt.Compare(b.Participant.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Participant.ConnId, b.Participant.ConnId)
	})
}
