package output

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/sirupsen/logrus"
)

// Dispatcher is the asynchronous sink shared by all tailers. Every event is
// delivered on its own goroutine so a slow or failing output never holds up
// the caller.
type Dispatcher struct {
	outputs []Plugin
	wg      sync.WaitGroup

	dispatched atomic.Uint64
	failed     atomic.Uint64
}

func NewDispatcher(outputs ...Plugin) *Dispatcher {
	return &Dispatcher{outputs: outputs}
}

func (d *Dispatcher) Outputs() []Plugin {
	return d.outputs
}

func (d *Dispatcher) Dispatch(event internal.MatchEvent) {
	d.dispatched.Add(1)
	d.wg.Add(1)
	go d.deliver(event)
}

func (d *Dispatcher) deliver(event internal.MatchEvent) {
	defer d.wg.Done()

	for _, out := range d.outputs {
		if !out.MatchTag(event.Metadata.Tag) {
			continue
		}
		if err := d.write(out, event); err != nil {
			d.failed.Add(1)
			logrus.WithError(err).WithFields(logrus.Fields{
				"output": out.Name(),
				"source": event.Metadata.Source,
			}).Error("could not deliver notification")
		}
	}
}

func (d *Dispatcher) write(out Plugin, event internal.MatchEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DeliveryError{Output: out.Name(), Source: event.Metadata.Source, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if werr := out.Write([]internal.MatchEvent{event}); werr != nil {
		return &DeliveryError{Output: out.Name(), Source: event.Metadata.Source, Err: werr}
	}
	return nil
}

// Drain waits up to timeout for in-flight deliveries. It reports whether all
// of them finished.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close flushes and shuts down every output.
func (d *Dispatcher) Close() error {
	var firstErr error
	for _, out := range d.outputs {
		if err := out.Flush(); err != nil {
			logrus.WithError(err).WithField("output", out.Name()).Error("could not flush output")
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := out.Exit(); err != nil {
			logrus.WithError(err).WithField("output", out.Name()).Error("could not close output")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stats returns the number of dispatched events and failed deliveries.
func (d *Dispatcher) Stats() (dispatched, failed uint64) {
	return d.dispatched.Load(), d.failed.Load()
}
