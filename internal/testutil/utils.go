package testutil

import (
	"log"
	"os"
	"testing"
	"time"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// Clock returns a time source frozen at the given "2006-01-02 15:04" UTC instant.
func Clock(t *testing.T, value string) func() time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatalf("parse clock value %q: %v", value, err)
	}
	return func() time.Time { return ts }
}
