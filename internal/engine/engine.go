package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/tail"
	"github.com/sirupsen/logrus"
)

const DefaultDrainTimeout = 5 * time.Second

// Sink is the delivery side of the engine. Drain and Close are used during
// shutdown once every tailer has stopped.
type Sink interface {
	internal.Sink
	Drain(timeout time.Duration) bool
	Close() error
}

// Engine supervises one tailer per registered watch.
type Engine struct {
	specs        []internal.WatchSpec
	sink         Sink
	pollInterval time.Duration
	drainTimeout time.Duration
	maxFailures  int
	host         string

	mu      sync.Mutex
	started bool
	stopped bool
	tailers []*tail.Tailer
	running atomic.Int32
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*Engine)

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.drainTimeout = d
		}
	}
}

func WithMaxFailures(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxFailures = n
		}
	}
}

func WithHost(host string) Option {
	return func(e *Engine) {
		e.host = host
	}
}

func NewEngine(sink Sink, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sink:         sink,
		pollInterval: tail.DefaultPollInterval,
		drainTimeout: DefaultDrainTimeout,
		maxFailures:  tail.DefaultMaxFailures,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterWatch adds a file to monitor. Watches registered after Start are
// ignored.
func (e *Engine) RegisterWatch(spec internal.WatchSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs = append(e.specs, spec)
}

func (e *Engine) Watches() []internal.WatchSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]internal.WatchSpec(nil), e.specs...)
}

// Start launches a tailer for every registered watch. A watch whose pattern
// does not compile is logged and skipped.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("engine already started")
	}
	if e.sink == nil {
		return errors.New("engine has no sink")
	}
	e.started = true

	for _, spec := range e.specs {
		tailer, err := tail.New(spec, e.sink,
			tail.WithPollInterval(e.pollInterval),
			tail.WithMaxFailures(e.maxFailures),
			tail.WithHost(e.host),
		)
		if err != nil {
			logrus.WithError(err).WithField("path", spec.Path).Error("not watching file")
			continue
		}

		e.tailers = append(e.tailers, tailer)
		e.running.Add(1)
		e.wg.Add(1)
		go e.supervise(tailer)
	}

	logrus.WithFields(logrus.Fields{
		"watches": len(e.specs),
		"tailers": len(e.tailers),
	}).Info("engine started")

	return nil
}

func (e *Engine) supervise(t *tail.Tailer) {
	defer e.wg.Done()
	defer e.running.Add(-1)

	for {
		if !e.runTailer(t) {
			return
		}

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.pollInterval):
			logrus.WithField("path", t.Path()).Info("restarting tailer")
		}
	}
}

// runTailer reports whether the tailer ended by panicking.
func (e *Engine) runTailer(t *tail.Tailer) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"path":  t.Path(),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("tailer panicked")
			panicked = true
		}
	}()

	t.Run(e.ctx)
	return false
}

// Running returns the number of tailers currently supervised.
func (e *Engine) Running() int {
	return int(e.running.Load())
}

// Tailers returns the tailers created by Start.
func (e *Engine) Tailers() []*tail.Tailer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*tail.Tailer(nil), e.tailers...)
}

// Stop cancels every tailer, waits for them to exit, lets in-flight
// notifications finish within the drain timeout and closes the sink.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	if e.sink == nil {
		return nil
	}

	if !e.sink.Drain(e.drainTimeout) {
		logrus.WithField("timeout", e.drainTimeout.String()).Warn("notifications still in flight at shutdown")
	}

	if err := e.sink.Close(); err != nil {
		return fmt.Errorf("closing outputs: %w", err)
	}
	return nil
}
