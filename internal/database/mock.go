package database

import (
	"context"

	"github.com/npezzotti/go-clinic/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockGoClinicRepository struct {
	mock.Mock
}

func (m *MockGoClinicRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoClinicRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoClinicRepository) GetAccountById(ctx context.Context, accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoClinicRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoClinicRepository) CreateInstitution(ctx context.Context, params CreateInstitutionParams) (Institution, error) {
	args := m.Called(params)
	return args.Get(0).(Institution), args.Error(1)
}
func (m *MockGoClinicRepository) GetInstitutionById(ctx context.Context, id int) (Institution, error) {
	args := m.Called(id)
	return args.Get(0).(Institution), args.Error(1)
}
func (m *MockGoClinicRepository) CreateAppointment(ctx context.Context, params CreateAppointmentParams) (Appointment, error) {
	args := m.Called(params)
	return args.Get(0).(Appointment), args.Error(1)
}
func (m *MockGoClinicRepository) GetAppointmentById(ctx context.Context, id int) (Appointment, error) {
	args := m.Called(id)
	return args.Get(0).(Appointment), args.Error(1)
}
func (m *MockGoClinicRepository) UpdateAppointmentStatus(ctx context.Context, id int, from, to types.AppointmentStatus) (Appointment, error) {
	args := m.Called(id, from, to)
	return args.Get(0).(Appointment), args.Error(1)
}
func (m *MockGoClinicRepository) ListAppointmentsByParticipant(ctx context.Context, userId int) ([]Appointment, error) {
	args := m.Called(userId)
	return args.Get(0).([]Appointment), args.Error(1)
}
func (m *MockGoClinicRepository) ListReconcilableAppointments(ctx context.Context, onOrBefore string) ([]Appointment, error) {
	args := m.Called(onOrBefore)
	return args.Get(0).([]Appointment), args.Error(1)
}
func (m *MockGoClinicRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoClinicRepository) GetMessages(ctx context.Context, appointmentId int) ([]Message, error) {
	args := m.Called(appointmentId)
	return args.Get(0).([]Message), args.Error(1)
}
