package appointment

import (
	"context"
	"errors"
	"log"
	"time"

	redisclient "github.com/npezzotti/go-clinic/internal/redis"
)

const (
	reconcileLockKey = "reconcile:appointments"
	runTimeout       = 20 * time.Second
)

// Reconciler periodically promotes and completes due appointments. Several
// server instances may run one; the Locker keeps their sweeps from overlapping
// and conditional writes keep an overlapping sweep harmless anyway.
type Reconciler struct {
	svc      *Service
	locker   redisclient.Locker
	interval time.Duration
	log      *log.Logger
	now      func() time.Time
	done     chan struct{}
}

func NewReconciler(svc *Service, locker redisclient.Locker, interval time.Duration, logger *log.Logger) *Reconciler {
	return &Reconciler{
		svc:      svc,
		locker:   locker,
		interval: interval,
		log:      logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Println("stopping reconciler")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

func (r *Reconciler) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	var res ReconcileResult
	err := r.locker.WithLock(runCtx, reconcileLockKey, func(lockCtx context.Context) error {
		var err error
		res, err = r.svc.ReconcileDue(lockCtx, r.now())
		return err
	})

	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		r.log.Println("reconcile skipped, another instance holds the lock")
	case err != nil:
		r.log.Printf("reconcile run error: %v", err)
	case res.Transitioned > 0 || res.Stale > 0:
		r.log.Printf("reconciled %d/%d appointments (%d stale) in %s", res.Transitioned, res.Checked, res.Stale, time.Since(start))
	}
}
