package cancel

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/buildkite/opibuild/internal/failure"
)

// Controller is the process-wide interruption flag. It is consulted at
// attempt and stage boundaries only; in-flight commands are never killed.
type Controller struct {
	tripped atomic.Bool
	once    sync.Once
	done    chan struct{}

	mu  sync.Mutex
	sig os.Signal
}

func New() *Controller {
	return &Controller{done: make(chan struct{})}
}

// Trip requests cancellation. sig may be nil for a programmatic request.
// Only the first call records its signal.
func (c *Controller) Trip(sig os.Signal) {
	c.once.Do(func() {
		c.mu.Lock()
		c.sig = sig
		c.mu.Unlock()
		c.tripped.Store(true)
		close(c.done)
	})
}

// Tripped is safe to call on a nil Controller.
func (c *Controller) Tripped() bool {
	return c != nil && c.tripped.Load()
}

func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

// Err returns a Cancelled failure once tripped, nil before.
func (c *Controller) Err() error {
	if !c.Tripped() {
		return nil
	}
	if sig := c.Signal(); sig != nil {
		return failure.New(failure.Cancelled, "cancel", "interrupted by %s", sig)
	}
	return failure.New(failure.Cancelled, "cancel", "cancellation requested")
}

// ExitStatus is 128+signal when a signal tripped the controller and the
// user-cancelled code otherwise.
func (c *Controller) ExitStatus() int {
	if sig, ok := c.Signal().(syscall.Signal); ok {
		return 128 + int(sig)
	}
	return int(failure.Cancelled)
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

// Watch trips the controller on the first SIGINT/SIGTERM. A second signal
// calls onForce, which is expected to tear down held resources and exit.
// The returned stop function uninstalls the handlers.
func (c *Controller) Watch(ctx context.Context, onForce func(os.Signal)) (stop func()) {
	ch := newSignalChannel()
	notifySignals(ch, os.Interrupt, syscall.SIGTERM)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interrupts := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case sig := <-ch:
				interrupts++
				if interrupts == 1 {
					c.Trip(sig)
					continue
				}
				if onForce != nil {
					onForce(sig)
				}
				return
			}
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			stopSignals(ch)
			close(quit)
			wg.Wait()
		})
	}
}
