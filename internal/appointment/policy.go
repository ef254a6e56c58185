package appointment

import (
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/types"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	DefaultSessionDuration = 30 * time.Minute
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidSchedule   = errors.New("invalid appointment schedule")
	ErrNotParticipant    = errors.New("not a participant of the appointment")
)

// Policy holds the parameters the state machine needs to interpret a stored
// schedule: the canonical wall-clock location shared by every appointment and
// the fixed length of a session.
type Policy struct {
	Location        *time.Location
	SessionDuration time.Duration
}

func NewPolicy(loc *time.Location, sessionDuration time.Duration) Policy {
	if loc == nil {
		loc = time.UTC
	}
	if sessionDuration <= 0 {
		sessionDuration = DefaultSessionDuration
	}

	return Policy{Location: loc, SessionDuration: sessionDuration}
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p Policy) duration() time.Duration {
	if p.SessionDuration <= 0 {
		return DefaultSessionDuration
	}
	return p.SessionDuration
}

// Start returns the instant the appointment's session begins.
func (p Policy) Start(a database.Appointment) (time.Time, error) {
	start, err := time.ParseInLocation(DateLayout+" "+TimeLayout, a.Date+" "+a.Time, p.location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	return start, nil
}

// Today returns now's calendar date in the policy's location.
func (p Policy) Today(now time.Time) string {
	return now.In(p.location()).Format(DateLayout)
}

// Reconcile computes the status a should have at now. It never mutates a and
// returns the same result for the same status and instant.
//
// scheduled becomes available only while now is inside
// [start, start+duration) on the stored calendar date; available becomes
// completed once now reaches start+duration. Every other status is returned
// unchanged.
func (p Policy) Reconcile(a database.Appointment, now time.Time) (types.AppointmentStatus, error) {
	if a.Status != types.StatusScheduled && a.Status != types.StatusAvailable {
		return a.Status, nil
	}

	start, err := p.Start(a)
	if err != nil {
		return a.Status, err
	}
	end := start.Add(p.duration())
	now = now.In(p.location())

	switch a.Status {
	case types.StatusScheduled:
		if p.Today(now) == a.Date && !now.Before(start) && now.Before(end) {
			return types.StatusAvailable, nil
		}
	case types.StatusAvailable:
		if !now.Before(end) {
			return types.StatusCompleted, nil
		}
	}

	return a.Status, nil
}

// CanCancel reports whether an appointment in status s may be cancelled.
func CanCancel(s types.AppointmentStatus) bool {
	return s == types.StatusScheduled || s == types.StatusAvailable
}

func IsParticipant(a database.Appointment, userId int) bool {
	return userId != 0 && (a.PatientId == userId || a.DoctorId == userId)
}
