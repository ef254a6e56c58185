package database

import (
	"context"
	"errors"

	"github.com/npezzotti/go-clinic/internal/types"
)

// ErrStaleWrite is returned by UpdateAppointmentStatus when the stored status
// no longer matches the expected prior status.
var ErrStaleWrite = errors.New("appointment status changed concurrently")

// ErrDuplicateAccount is returned by CreateAccount when the email address is
// already registered.
var ErrDuplicateAccount = errors.New("account already exists")

type GoClinicRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	CreateInstitution(ctx context.Context, params CreateInstitutionParams) (Institution, error)
	GetInstitutionById(ctx context.Context, id int) (Institution, error)
	CreateAppointment(ctx context.Context, params CreateAppointmentParams) (Appointment, error)
	GetAppointmentById(ctx context.Context, id int) (Appointment, error)
	// UpdateAppointmentStatus only applies when the stored status equals from.
	UpdateAppointmentStatus(ctx context.Context, id int, from, to types.AppointmentStatus) (Appointment, error)
	ListAppointmentsByParticipant(ctx context.Context, userId int) ([]Appointment, error)
	// ListReconcilableAppointments returns scheduled and available
	// appointments dated on or before the given "2006-01-02" date.
	ListReconcilableAppointments(ctx context.Context, onOrBefore string) ([]Appointment, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, appointmentId int) ([]Message, error)
}
