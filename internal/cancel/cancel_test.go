package cancel

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/buildkite/opibuild/internal/failure"
)

func TestTripIsIdempotentAndKeepsFirstSignal(t *testing.T) {
	t.Parallel()

	c := New()
	if c.Tripped() {
		t.Fatal("new controller should not be tripped")
	}
	if err := c.Err(); err != nil {
		t.Fatalf("expected nil error before trip, got %v", err)
	}

	c.Trip(syscall.SIGTERM)
	c.Trip(os.Interrupt)

	if !c.Tripped() {
		t.Fatal("expected controller to be tripped")
	}
	if got, want := c.Signal(), os.Signal(syscall.SIGTERM); got != want {
		t.Fatalf("unexpected signal: got %v want %v", got, want)
	}
	if got, want := c.ExitStatus(), 128+int(syscall.SIGTERM); got != want {
		t.Fatalf("unexpected exit status: got %d want %d", got, want)
	}
	if got, want := failure.CodeOf(c.Err()), failure.Cancelled; got != want {
		t.Fatalf("unexpected error code: got %s want %s", got, want)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestProgrammaticTripUsesCancelledExitCode(t *testing.T) {
	t.Parallel()

	c := New()
	c.Trip(nil)
	if got, want := c.ExitStatus(), int(failure.Cancelled); got != want {
		t.Fatalf("unexpected exit status: got %d want %d", got, want)
	}
}

func TestNilControllerIsNeverTripped(t *testing.T) {
	t.Parallel()

	var c *Controller
	if c.Tripped() {
		t.Fatal("nil controller reported tripped")
	}
}

func TestWatchTripsOnFirstSignalAndForcesOnSecond(t *testing.T) {
	originalNew := newSignalChannel
	originalNotify := notifySignals
	originalStop := stopSignals
	t.Cleanup(func() {
		newSignalChannel = originalNew
		notifySignals = originalNotify
		stopSignals = originalStop
	})

	ch := make(chan os.Signal, 2)
	newSignalChannel = func() chan os.Signal { return ch }
	notifySignals = func(chan os.Signal, ...os.Signal) {}
	stopSignals = func(chan os.Signal) {}

	forced := make(chan os.Signal, 1)
	c := New()
	stop := c.Watch(context.Background(), func(sig os.Signal) { forced <- sig })
	defer stop()

	ch <- os.Interrupt
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller was not tripped by first signal")
	}
	select {
	case sig := <-forced:
		t.Fatalf("force handler ran after first signal: %v", sig)
	default:
	}

	ch <- syscall.SIGTERM
	select {
	case sig := <-forced:
		if sig != syscall.SIGTERM {
			t.Fatalf("unexpected forced signal: got %v want %v", sig, syscall.SIGTERM)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("force handler did not run on second signal")
	}
	if got, want := c.Signal(), os.Interrupt; got != want {
		t.Fatalf("unexpected recorded signal: got %v want %v", got, want)
	}
}
