package appointment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/types"
)

const maxCancelAttempts = 3

var (
	ErrNotADoctor      = errors.New("account is not a doctor")
	ErrBookingInPast   = errors.New("appointment starts in the past")
	ErrStaleWrite      = database.ErrStaleWrite
	errNothingToRecord = errors.New("status unchanged")
)

// Store is the part of the repository the appointment lifecycle needs.
type Store interface {
	GetAccountById(ctx context.Context, accountId int) (database.User, error)
	GetInstitutionById(ctx context.Context, id int) (database.Institution, error)
	CreateAppointment(ctx context.Context, params database.CreateAppointmentParams) (database.Appointment, error)
	GetAppointmentById(ctx context.Context, id int) (database.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id int, from, to types.AppointmentStatus) (database.Appointment, error)
	ListAppointmentsByParticipant(ctx context.Context, userId int) ([]database.Appointment, error)
	ListReconcilableAppointments(ctx context.Context, onOrBefore string) ([]database.Appointment, error)
}

type Service struct {
	store  Store
	policy Policy
	log    *log.Logger
}

func NewService(store Store, policy Policy, logger *log.Logger) *Service {
	return &Service{
		store:  store,
		policy: policy,
		log:    logger,
	}
}

func (s *Service) Policy() Policy {
	return s.policy
}

type BookParams struct {
	PatientId     int
	DoctorId      int
	InstitutionId int
	Date          string
	Time          string
}

// Book creates a scheduled appointment after checking the schedule parses and
// lies in the future and that the doctor and institution exist.
func (s *Service) Book(ctx context.Context, params BookParams, now time.Time) (database.Appointment, error) {
	start, err := s.policy.Start(database.Appointment{Date: params.Date, Time: params.Time})
	if err != nil {
		return database.Appointment{}, err
	}
	if start.Before(now) {
		return database.Appointment{}, ErrBookingInPast
	}

	doctor, err := s.store.GetAccountById(ctx, params.DoctorId)
	if err != nil {
		return database.Appointment{}, fmt.Errorf("load doctor: %w", err)
	}
	if doctor.Role != types.RoleDoctor {
		return database.Appointment{}, ErrNotADoctor
	}

	if _, err := s.store.GetInstitutionById(ctx, params.InstitutionId); err != nil {
		return database.Appointment{}, fmt.Errorf("load institution: %w", err)
	}

	appt, err := s.store.CreateAppointment(ctx, database.CreateAppointmentParams{
		PatientId:     params.PatientId,
		DoctorId:      params.DoctorId,
		InstitutionId: params.InstitutionId,
		Date:          start.Format(DateLayout),
		Time:          start.Format(TimeLayout),
	})
	if err != nil {
		return database.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}

	s.log.Printf("appointment %d booked for %s %s", appt.Id, appt.Date, appt.Time)
	return appt, nil
}

// Get loads an appointment visible to userId.
func (s *Service) Get(ctx context.Context, id, userId int) (database.Appointment, error) {
	appt, err := s.store.GetAppointmentById(ctx, id)
	if err != nil {
		return database.Appointment{}, err
	}

	if !IsParticipant(appt, userId) {
		return database.Appointment{}, ErrNotParticipant
	}

	return appt, nil
}

func (s *Service) ListForParticipant(ctx context.Context, userId int) ([]database.Appointment, error) {
	return s.store.ListAppointmentsByParticipant(ctx, userId)
}

// UpdateStatus applies a status a client asked for. The server recomputes the
// status from its own clock, so a client can only request the transition the
// state machine would make anyway.
func (s *Service) UpdateStatus(ctx context.Context, id, userId int, desired types.AppointmentStatus, now time.Time) (database.Appointment, error) {
	if !desired.Valid() {
		return database.Appointment{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, desired)
	}

	appt, err := s.Get(ctx, id, userId)
	if err != nil {
		return database.Appointment{}, err
	}

	if desired == types.StatusCancelled {
		return s.cancel(ctx, appt)
	}

	if appt.Status == desired {
		return appt, nil
	}

	next, err := s.policy.Reconcile(appt, now)
	if err != nil {
		return database.Appointment{}, err
	}
	if next != desired {
		return database.Appointment{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, appt.Status, desired)
	}

	updated, err := s.store.UpdateAppointmentStatus(ctx, appt.Id, appt.Status, desired)
	if errors.Is(err, ErrStaleWrite) {
		// another reconciler may already have made the same move
		current, getErr := s.store.GetAppointmentById(ctx, appt.Id)
		if getErr == nil && current.Status == desired {
			return current, nil
		}
		return database.Appointment{}, err
	}
	if err != nil {
		return database.Appointment{}, fmt.Errorf("update status: %w", err)
	}

	return updated, nil
}

// Cancel moves a scheduled or available appointment to cancelled.
func (s *Service) Cancel(ctx context.Context, id, userId int) (database.Appointment, error) {
	appt, err := s.Get(ctx, id, userId)
	if err != nil {
		return database.Appointment{}, err
	}

	return s.cancel(ctx, appt)
}

func (s *Service) cancel(ctx context.Context, appt database.Appointment) (database.Appointment, error) {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		if !CanCancel(appt.Status) {
			return database.Appointment{}, fmt.Errorf("%w: cannot cancel %s appointment", ErrInvalidTransition, appt.Status)
		}

		updated, err := s.store.UpdateAppointmentStatus(ctx, appt.Id, appt.Status, types.StatusCancelled)
		if err == nil {
			s.log.Printf("appointment %d cancelled from %s", appt.Id, appt.Status)
			return updated, nil
		}
		if !errors.Is(err, ErrStaleWrite) {
			return database.Appointment{}, fmt.Errorf("cancel appointment: %w", err)
		}

		appt, err = s.store.GetAppointmentById(ctx, appt.Id)
		if err != nil {
			return database.Appointment{}, fmt.Errorf("reload appointment: %w", err)
		}
	}

	return database.Appointment{}, ErrStaleWrite
}

// reconcile persists the transition the state machine computes for appt at now.
func (s *Service) reconcile(ctx context.Context, appt database.Appointment, now time.Time) (database.Appointment, error) {
	next, err := s.policy.Reconcile(appt, now)
	if err != nil {
		return appt, err
	}
	if next == appt.Status {
		return appt, errNothingToRecord
	}

	return s.store.UpdateAppointmentStatus(ctx, appt.Id, appt.Status, next)
}

type ReconcileResult struct {
	Checked      int
	Transitioned int
	Stale        int
}

// ReconcileDue sweeps every non-terminal appointment dated today or earlier.
// A store failure aborts the sweep; the caller retries on its next cycle.
func (s *Service) ReconcileDue(ctx context.Context, now time.Time) (ReconcileResult, error) {
	var res ReconcileResult

	appts, err := s.store.ListReconcilableAppointments(ctx, s.policy.Today(now))
	if err != nil {
		return res, fmt.Errorf("list reconcilable appointments: %w", err)
	}

	for _, appt := range appts {
		res.Checked++

		updated, err := s.reconcile(ctx, appt, now)
		switch {
		case err == nil:
			res.Transitioned++
			s.log.Printf("appointment %d: %s -> %s", appt.Id, appt.Status, updated.Status)
		case errors.Is(err, errNothingToRecord):
		case errors.Is(err, ErrStaleWrite):
			res.Stale++
		case errors.Is(err, ErrInvalidSchedule):
			s.log.Printf("appointment %d: %v", appt.Id, err)
		default:
			return res, fmt.Errorf("reconcile appointment %d: %w", appt.Id, err)
		}
	}

	return res, nil
}
