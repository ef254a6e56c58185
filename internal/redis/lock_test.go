package redisclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalLocker(t *testing.T) {
	t.Run("runs the critical section", func(t *testing.T) {
		l := NewLocalLocker()
		ran := false
		err := l.WithLock(context.Background(), "reconcile", func(ctx context.Context) error {
			ran = true
			return nil
		})
		assert.NoError(t, err, "expected no error acquiring a free lock")
		assert.True(t, ran, "expected critical section to run")
	})

	t.Run("rejects a held key", func(t *testing.T) {
		l := NewLocalLocker()
		err := l.WithLock(context.Background(), "reconcile", func(ctx context.Context) error {
			return l.WithLock(ctx, "reconcile", func(context.Context) error {
				t.Error("nested critical section should not run")
				return nil
			})
		})
		assert.ErrorIs(t, err, ErrLockNotAcquired, "expected nested acquisition to fail")
	})

	t.Run("independent keys do not block", func(t *testing.T) {
		l := NewLocalLocker()
		err := l.WithLock(context.Background(), "a", func(ctx context.Context) error {
			return l.WithLock(ctx, "b", func(context.Context) error { return nil })
		})
		assert.NoError(t, err, "expected different keys to be acquired independently")
	})

	t.Run("propagates errors and releases", func(t *testing.T) {
		l := NewLocalLocker()
		boom := errors.New("boom")
		err := l.WithLock(context.Background(), "a", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom, "expected fn error to be returned")

		err = l.WithLock(context.Background(), "a", func(context.Context) error { return nil })
		assert.NoError(t, err, "expected lock to be released after fn returned")
	})
}
