package types

import (
	"time"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusAvailable AppointmentStatus = "available"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusAvailable, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type User struct {
	Id            int       `json:"id"`
	Username      string    `json:"username"`
	EmailAddress  string    `json:"email_address,omitempty"`
	Role          Role      `json:"role"`
	InstitutionId int       `json:"institution_id,omitempty"`
	Password      string    `json:"-"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

type Appointment struct {
	Id            int               `json:"id"`
	PatientId     int               `json:"patient_id"`
	DoctorId      int               `json:"doctor_id"`
	InstitutionId int               `json:"institution_id"`
	Date          string            `json:"date"`
	Time          string            `json:"time"`
	Status        AppointmentStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at,omitempty"`
}

type Message struct {
	Id            int64     `json:"id,omitempty"`
	AppointmentId int       `json:"appointment_id"`
	AuthorId      int       `json:"author_id"`
	AuthorName    string    `json:"author_name,omitempty"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
}

// Participant identifies one websocket connection inside a room.
type Participant struct {
	ConnId   string    `json:"conn_id"`
	UserId   int       `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}
