package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/stats"
	"github.com/npezzotti/go-clinic/internal/testutil"
	"github.com/npezzotti/go-clinic/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const (
	patientId = 1
	doctorId  = 2
)

func newTestRelay(t *testing.T, store Store, su *stats.MockStatsUpdater) *Relay {
	r, err := NewRelay(testutil.TestLogger(t), store, su)
	if err != nil {
		t.Fatalf("failed to create test relay: %v", err)
	}
	return r
}

func newTestClient(t *testing.T, r *Relay, connId string, userId int) *Client {
	c := &Client{
		id:    connId,
		relay: r,
		log:   testutil.TestLogger(t),
		user:  types.User{Id: userId, Username: participant(connId, userId, time.Time{}).Username},
		send:  make(chan *ServerMessage, 32),
		stop:  make(chan struct{}),
	}
	r.RegisterClient(c)
	return c
}

func testAppointment(id int, status types.AppointmentStatus) database.Appointment {
	return database.Appointment{
		Id:        id,
		PatientId: patientId,
		DoctorId:  doctorId,
		Date:      "2025-06-20",
		Time:      "14:00",
		Status:    status,
	}
}

func send(r *Relay, c *Client, msg ClientMessage) {
	msg.client = c
	msg.Timestamp = Now()
	r.dispatch(&msg)
}

func join(r *Relay, c *Client, id, appointmentId int) {
	send(r, c, ClientMessage{BaseMessage: BaseMessage{Id: id}, JoinRoom: &JoinRoom{AppointmentId: appointmentId}})
}

// drain returns every message queued for c.
func drain(c *Client) []*ServerMessage {
	var out []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// next waits for one message queued for c.
func next(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected a message for connection %s", c.id)
		return nil
	}
}

func TestNewRelay(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	for _, name := range relayMetrics {
		su.On("RegisterMetric", name).Once()
	}

	r, err := NewRelay(testutil.TestLogger(t), &database.MockGoClinicRepository{}, su)
	assert.NoError(t, err)
	assert.NotNil(t, r.Registry(), "expected registry to be initialized")
	assert.NotNil(t, r.persistChan, "expected persist queue to be initialized")

	_, err = NewRelay(testutil.TestLogger(t), nil, su)
	assert.Error(t, err, "expected a store to be required")
}

func TestRelay_Join(t *testing.T) {
	t.Run("participants join and are announced", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusScheduled), nil).Twice()

		r := newTestRelay(t, db, newTestStats())
		a := newTestClient(t, r, "connA", patientId)
		b := newTestClient(t, r, "connB", doctorId)

		join(r, a, 1, 42)
		resp := next(t, a)
		if assert.NotNil(t, resp.Response) {
			assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
			assert.Equal(t, "connA", resp.Response.Data["conn_id"])
			assert.Equal(t, "42", resp.Response.Data["room_id"])
			assert.Len(t, resp.Response.Data["members"], 1)
		}

		join(r, b, 1, 42)
		resp = next(t, b)
		if assert.NotNil(t, resp.Response) {
			assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
			members := resp.Response.Data["members"].([]types.Participant)
			assert.Len(t, members, 2, "expected both members to be listed")
		}
		assert.Empty(t, drain(b), "expected joiner not to be told about itself")

		joined := next(t, a)
		if assert.NotNil(t, joined.Notification) && assert.NotNil(t, joined.Notification.PeerJoined) {
			assert.Equal(t, "connB", joined.Notification.PeerJoined.Participant.ConnId)
			assert.Equal(t, doctorId, joined.Notification.PeerJoined.Participant.UserId)
		}
	})

	t.Run("unknown appointment", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 7).Return(database.Appointment{}, sql.ErrNoRows).Once()

		r := newTestRelay(t, db, newTestStats())
		a := newTestClient(t, r, "connA", patientId)

		join(r, a, 3, 7)
		resp := next(t, a)
		assert.Equal(t, 3, resp.Id)
		assert.Equal(t, http.StatusNotFound, resp.Response.ResponseCode)
		assert.Equal(t, 0, r.Registry().Len())
	})

	t.Run("store unavailable", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 42).Return(database.Appointment{}, errors.New("connection refused")).Once()

		r := newTestRelay(t, db, newTestStats())
		a := newTestClient(t, r, "connA", patientId)

		join(r, a, 1, 42)
		assert.Equal(t, http.StatusInternalServerError, next(t, a).Response.ResponseCode)
	})

	t.Run("non participant is refused", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil).Once()

		r := newTestRelay(t, db, newTestStats())
		intruder := newTestClient(t, r, "connX", 99)

		join(r, intruder, 1, 42)
		assert.Equal(t, http.StatusForbidden, next(t, intruder).Response.ResponseCode)
		assert.False(t, r.Registry().Exists(RoomFor(database.Appointment{Id: 42})), "expected no room to be opened")
	})

	t.Run("cancelled appointment", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusCancelled), nil).Once()

		r := newTestRelay(t, db, newTestStats())
		a := newTestClient(t, r, "connA", patientId)

		join(r, a, 1, 42)
		assert.Equal(t, http.StatusConflict, next(t, a).Response.ResponseCode)
		assert.Equal(t, 0, r.Registry().Len())
	})

	t.Run("joining another room leaves the first", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil).Twice()
		db.On("GetAppointmentById", 43).Return(testAppointment(43, types.StatusScheduled), nil).Once()

		r := newTestRelay(t, db, newTestStats())
		a := newTestClient(t, r, "connA", patientId)
		b := newTestClient(t, r, "connB", doctorId)

		join(r, a, 1, 42)
		join(r, b, 1, 42)
		drain(a)
		drain(b)

		join(r, a, 2, 43)
		left := next(t, b)
		if assert.NotNil(t, left.Notification) && assert.NotNil(t, left.Notification.PeerLeft) {
			assert.Equal(t, "connA", left.Notification.PeerLeft.Participant.ConnId)
			assert.Equal(t, "42", left.Notification.PeerLeft.RoomId)
		}

		room, ok := r.Registry().RoomOf("connA")
		assert.True(t, ok)
		assert.Equal(t, 43, room.AppointmentId())
		assert.Len(t, r.Registry().MembersOf(RoomFor(database.Appointment{Id: 42})), 1)
	})
}

func TestRelay_SignalUnicast(t *testing.T) {
	db := &database.MockGoClinicRepository{}
	db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil)

	su := newTestStats()
	r := newTestRelay(t, db, su)
	a := newTestClient(t, r, "connA", patientId)
	b := newTestClient(t, r, "connB", doctorId)
	// second tab of the patient
	c := newTestClient(t, r, "connC", patientId)

	join(r, a, 1, 42)
	join(r, b, 1, 42)
	join(r, c, 1, 42)
	drain(a)
	drain(b)
	drain(c)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 5}, Offer: &Signal{Target: "connB", Payload: payload}})

	got := drain(b)
	if assert.Len(t, got, 1, "expected target to receive the offer") {
		assert.NotNil(t, got[0].Signal)
		assert.Equal(t, KindOffer, got[0].Signal.Kind)
		assert.Equal(t, "connA", got[0].Signal.From)
		assert.JSONEq(t, string(payload), string(got[0].Signal.Payload), "expected payload to be relayed untouched")
	}
	assert.Empty(t, drain(a), "expected sender not to receive its offer")
	assert.Empty(t, drain(c), "expected other members not to receive the offer")
	su.AssertCalled(t, "Incr", "NumSignalsRelayed")
}

func TestRelay_SignalAbsentTarget(t *testing.T) {
	db := &database.MockGoClinicRepository{}
	db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil)

	su := newTestStats()
	r := newTestRelay(t, db, su)
	a := newTestClient(t, r, "connA", patientId)
	b := newTestClient(t, r, "connB", doctorId)

	join(r, a, 1, 42)
	join(r, b, 1, 42)
	drain(a)
	drain(b)

	send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 6}, IceCandidate: &Signal{Target: "gone", Payload: json.RawMessage(`{}`)}})

	assert.Empty(t, drain(a), "expected no failure to be reported to the sender")
	assert.Empty(t, drain(b), "expected nothing to be delivered")
	su.AssertCalled(t, "Incr", "NumDeliveryNoops")
	su.AssertNotCalled(t, "Incr", "NumSignalsRelayed")
}

func TestRelay_SignalRequiresRoom(t *testing.T) {
	r := newTestRelay(t, &database.MockGoClinicRepository{}, newTestStats())
	a := newTestClient(t, r, "connA", patientId)

	send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 2}, Answer: &Signal{Target: "connB"}})
	assert.Equal(t, http.StatusConflict, next(t, a).Response.ResponseCode)
}

func TestRelay_SendMessage(t *testing.T) {
	t.Run("broadcast to everyone and stored once", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil).Twice()
		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.AppointmentId == 42 && p.AuthorId == patientId && p.Content == "hello doctor"
		})).Return(database.Message{Id: 900, AppointmentId: 42}, nil).Once()

		su := newTestStats()
		r := newTestRelay(t, db, su)
		go r.Run()

		a := newTestClient(t, r, "connA", patientId)
		b := newTestClient(t, r, "connB", doctorId)
		join(r, a, 1, 42)
		join(r, b, 1, 42)
		drain(a)
		drain(b)

		send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 10}, SendMessage: &SendMessage{Content: "hello doctor"}})

		for _, c := range []*Client{a, b} {
			msg := next(t, c)
			if assert.NotNil(t, msg.Message, "expected %s to receive the chat message", c.id) {
				assert.Equal(t, "hello doctor", msg.Message.Content)
				assert.Equal(t, patientId, msg.Message.AuthorId)
				assert.Equal(t, 42, msg.Message.AppointmentId)
			}
		}

		ack := next(t, a)
		if assert.NotNil(t, ack.Response) {
			assert.Equal(t, http.StatusAccepted, ack.Response.ResponseCode)
			assert.Equal(t, 10, ack.Id)
			assert.Equal(t, int64(900), ack.Response.Data["message_id"])
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))

		db.AssertNumberOfCalls(t, "CreateMessage", 1)
		assert.Empty(t, drain(b), "expected only the author to get the acknowledgement")
		su.AssertCalled(t, "Incr", "NumChatMessages")
	})

	t.Run("store failure still delivers live", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil).Twice()
		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("connection refused")).Once()

		r := newTestRelay(t, db, newTestStats())
		go r.Run()

		a := newTestClient(t, r, "connA", patientId)
		b := newTestClient(t, r, "connB", doctorId)
		join(r, a, 1, 42)
		join(r, b, 1, 42)
		drain(a)
		drain(b)

		send(r, b, ClientMessage{BaseMessage: BaseMessage{Id: 11}, SendMessage: &SendMessage{Content: "can you hear me?"}})

		assert.NotNil(t, next(t, a).Message, "expected peer to receive the message live")
		assert.NotNil(t, next(t, b).Message, "expected author to receive its own message")

		warn := next(t, b)
		if assert.NotNil(t, warn.Response) {
			assert.Equal(t, http.StatusServiceUnavailable, warn.Response.ResponseCode)
			assert.Equal(t, 11, warn.Id)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})

	t.Run("queue full warns the author", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil)

		r := newTestRelay(t, db, newTestStats())
		r.persistChan = make(chan *persistReq)

		a := newTestClient(t, r, "connA", patientId)
		join(r, a, 1, 42)
		drain(a)

		send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 12}, SendMessage: &SendMessage{Content: "hi"}})
		assert.NotNil(t, next(t, a).Message, "expected broadcast before the store is involved")
		assert.Equal(t, http.StatusServiceUnavailable, next(t, a).Response.ResponseCode)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		db := &database.MockGoClinicRepository{}
		db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil)

		r := newTestRelay(t, db, newTestStats())
		a := newTestClient(t, r, "connA", patientId)
		join(r, a, 1, 42)
		drain(a)

		send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 13}, SendMessage: &SendMessage{Content: "   "}})
		assert.Equal(t, http.StatusBadRequest, next(t, a).Response.ResponseCode)
		assert.Empty(t, r.persistChan)
	})

	t.Run("not in a room", func(t *testing.T) {
		r := newTestRelay(t, &database.MockGoClinicRepository{}, newTestStats())
		a := newTestClient(t, r, "connA", patientId)

		send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 14}, SendMessage: &SendMessage{Content: "hi"}})
		assert.Equal(t, http.StatusConflict, next(t, a).Response.ResponseCode)
	})
}

func TestRelay_LeaveRoom(t *testing.T) {
	db := &database.MockGoClinicRepository{}
	db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil)

	r := newTestRelay(t, db, newTestStats())
	a := newTestClient(t, r, "connA", patientId)
	b := newTestClient(t, r, "connB", doctorId)
	join(r, a, 1, 42)
	join(r, b, 1, 42)
	drain(a)
	drain(b)

	send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 2}, LeaveRoom: &LeaveRoom{}})
	assert.Equal(t, http.StatusOK, next(t, a).Response.ResponseCode)
	assert.NotNil(t, next(t, b).Notification.PeerLeft)

	// leaving twice is harmless
	send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 3}, LeaveRoom: &LeaveRoom{}})
	assert.Equal(t, http.StatusOK, next(t, a).Response.ResponseCode)
	assert.Empty(t, drain(b))
}

func TestRelay_InvalidMessage(t *testing.T) {
	r := newTestRelay(t, &database.MockGoClinicRepository{}, newTestStats())
	a := newTestClient(t, r, "connA", patientId)

	send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 9}})
	resp := next(t, a)
	assert.Equal(t, 9, resp.Id)
	assert.Equal(t, http.StatusBadRequest, resp.Response.ResponseCode)
}

func TestRelay_CallScenario(t *testing.T) {
	db := &database.MockGoClinicRepository{}
	db.On("GetAppointmentById", 42).Return(testAppointment(42, types.StatusAvailable), nil)

	su := newTestStats()
	r := newTestRelay(t, db, su)
	a := newTestClient(t, r, "connA", patientId)
	b := newTestClient(t, r, "connB", doctorId)
	room := RoomFor(database.Appointment{Id: 42})

	join(r, a, 1, 42)
	join(r, b, 1, 42)
	drain(a)
	drain(b)

	send(r, a, ClientMessage{BaseMessage: BaseMessage{Id: 2}, Offer: &Signal{Target: "connB", Payload: json.RawMessage(`"offer-sdp"`)}})
	assert.Empty(t, drain(a))
	offer := next(t, b)
	assert.Equal(t, KindOffer, offer.Signal.Kind)

	send(r, b, ClientMessage{BaseMessage: BaseMessage{Id: 2}, Answer: &Signal{Target: "connA", Payload: json.RawMessage(`"answer-sdp"`)}})
	assert.Empty(t, drain(b))
	answer := next(t, a)
	assert.Equal(t, KindAnswer, answer.Signal.Kind)
	assert.Equal(t, "connB", answer.Signal.From)

	a.cleanup()
	left := next(t, b)
	if assert.NotNil(t, left.Notification) && assert.NotNil(t, left.Notification.PeerLeft) {
		assert.Equal(t, "connA", left.Notification.PeerLeft.Participant.ConnId)
	}
	members := r.Registry().MembersOf(room)
	if assert.Len(t, members, 1) {
		assert.Equal(t, "connB", members[0].ConnId)
	}

	b.cleanup()
	assert.False(t, r.Registry().Exists(room), "expected room to cease to exist")
	su.AssertCalled(t, "Decr", "NumConnections")
}

func TestRelay_Shutdown(t *testing.T) {
	t.Run("stops clients and writer", func(t *testing.T) {
		r := newTestRelay(t, &database.MockGoClinicRepository{}, newTestStats())
		a := newTestClient(t, r, "connA", patientId)
		go r.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))

		select {
		case <-a.stop:
		default:
			t.Error("expected client stop channel to be closed")
		}
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		r := newTestRelay(t, &database.MockGoClinicRepository{}, newTestStats())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := r.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
