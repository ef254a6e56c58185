package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-clinic/internal/database"
	redisclient "github.com/npezzotti/go-clinic/internal/redis"
	"github.com/npezzotti/go-clinic/internal/testutil"
	"github.com/npezzotti/go-clinic/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestReconciler(t *testing.T, repo Store, locker redisclient.Locker, now string) *Reconciler {
	r := NewReconciler(newTestService(t, repo), locker, time.Hour, testutil.TestLogger(t))
	r.now = testutil.Clock(t, now)
	return r
}

func TestReconciler_RunOnce(t *testing.T) {
	repo := &database.MockGoClinicRepository{}
	defer repo.AssertExpectations(t)

	appt := testAppointment(types.StatusScheduled)
	repo.On("ListReconcilableAppointments", "2025-06-20").Return([]database.Appointment{appt}, nil).Once()
	repo.On("UpdateAppointmentStatus", 42, types.StatusScheduled, types.StatusAvailable).
		Return(withStatus(appt, types.StatusAvailable), nil).Once()

	r := newTestReconciler(t, repo, redisclient.NewLocalLocker(), "2025-06-20 14:05")
	r.RunOnce(context.Background())
}

func TestReconciler_RunOnce_LockHeld(t *testing.T) {
	repo := &database.MockGoClinicRepository{}
	locker := redisclient.NewLocalLocker()
	r := newTestReconciler(t, repo, locker, "2025-06-20 14:05")

	err := locker.WithLock(context.Background(), reconcileLockKey, func(ctx context.Context) error {
		r.RunOnce(ctx)
		return nil
	})
	assert.NoError(t, err, "expected outer lock holder to run")
	repo.AssertNotCalled(t, "ListReconcilableAppointments", mock.Anything)
}

func TestReconciler_RunOnce_StoreError(t *testing.T) {
	repo := &database.MockGoClinicRepository{}
	defer repo.AssertExpectations(t)

	repo.On("ListReconcilableAppointments", "2025-06-20").
		Return([]database.Appointment(nil), errors.New("connection refused")).Once()

	r := newTestReconciler(t, repo, redisclient.NewLocalLocker(), "2025-06-20 14:05")
	r.RunOnce(context.Background())
}

func TestReconciler_Run(t *testing.T) {
	repo := &database.MockGoClinicRepository{}
	defer repo.AssertExpectations(t)

	sweeps := make(chan struct{}, 16)
	repo.On("ListReconcilableAppointments", "2025-06-20").
		Return([]database.Appointment{}, nil).
		Run(func(mock.Arguments) {
			select {
			case sweeps <- struct{}{}:
			default:
			}
		})

	r := newTestReconciler(t, repo, redisclient.NewLocalLocker(), "2025-06-20 14:05")
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-sweeps:
		case <-time.After(time.Second):
			t.Fatalf("expected sweep %d to run", i+1)
		}
	}

	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expected reconciler to stop after cancel")
	}
}
