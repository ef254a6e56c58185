package database

import (
	"time"

	"github.com/npezzotti/go-clinic/internal/types"
)

type Institution struct {
	Id        int
	Name      string
	Address   string
	CreatedAt time.Time
}

type User struct {
	Id            int
	Username      string
	EmailAddress  string
	PasswordHash  string
	Role          types.Role
	InstitutionId int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Appointment stores its schedule as wall-clock strings ("2006-01-02" and
// "15:04") so no time zone is attached until the state machine interprets it.
type Appointment struct {
	Id            int
	PatientId     int
	DoctorId      int
	InstitutionId int
	Date          string
	Time          string
	Status        types.AppointmentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	Id            int64
	AppointmentId int
	AuthorId      int
	AuthorName    string
	Content       string
	CreatedAt     time.Time
}

type CreateAccountParams struct {
	Username      string
	EmailAddress  string
	PasswordHash  string
	Role          types.Role
	InstitutionId int
}

type CreateInstitutionParams struct {
	Name    string
	Address string
}

type CreateAppointmentParams struct {
	PatientId     int
	DoctorId      int
	InstitutionId int
	Date          string
	Time          string
}

type CreateMessageParams struct {
	AppointmentId int
	AuthorId      int
	Content       string
	CreatedAt     time.Time
}
