package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/filter"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxFailures  = 10

	readChunkSize = 32 * 1024
)

// TailState is the read cursor of one watched file. Offset is the position
// of the next unread byte.
type TailState struct {
	Path     string
	Offset   int64
	Identity fileID
	info     os.FileInfo
}

// Tailer follows a single file and dispatches every appended line that
// matches its pattern. A Tailer is driven by Run and is not safe for
// concurrent use apart from State.
type Tailer struct {
	spec        internal.WatchSpec
	tag         string
	host        string
	pattern     *filter.Pattern
	sink        internal.Sink
	interval    time.Duration
	maxFailures int
	log         *logrus.Entry

	file        *os.File
	state       TailState
	acc         LineAccumulator
	mode        openMode
	failures    int
	lineNum     int
	openFailing bool
	buf         []byte
	status      atomic.Int32
}

type Option func(*Tailer)

func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithMaxFailures sets how many consecutive read failures put the tailer
// back into the opening state.
func WithMaxFailures(n int) Option {
	return func(t *Tailer) {
		if n > 0 {
			t.maxFailures = n
		}
	}
}

func WithHost(host string) Option {
	return func(t *Tailer) {
		t.host = host
	}
}

// New compiles the pattern of spec and returns a Tailer delivering matches
// to sink. A malformed pattern yields a *filter.InvalidPatternError.
func New(spec internal.WatchSpec, sink internal.Sink, opts ...Option) (*Tailer, error) {
	if spec.Path == "" {
		return nil, errors.New("no path provided for tailer")
	}
	if sink == nil {
		return nil, errors.New("no sink provided for tailer")
	}

	pattern, err := filter.Compile(spec.Pattern, spec.Exclude)
	if err != nil {
		return nil, err
	}

	t := &Tailer{
		spec:        spec,
		tag:         spec.EffectiveTag(),
		pattern:     pattern,
		sink:        sink,
		interval:    DefaultPollInterval,
		maxFailures: DefaultMaxFailures,
		state:       TailState{Path: spec.Path},
	}
	t.host, _ = os.Hostname()

	for _, opt := range opts {
		opt(t)
	}

	t.log = logrus.WithFields(logrus.Fields{
		"path": spec.Path,
		"tag":  t.tag,
	})
	return t, nil
}

func (t *Tailer) Path() string {
	return t.spec.Path
}

func (t *Tailer) Tag() string {
	return t.tag
}

func (t *Tailer) State() State {
	return State(t.status.Load())
}

// Run drives the tailer until ctx is cancelled. It may be called again after
// it returns; the tailer then resumes at its last offset if the file is
// unchanged.
func (t *Tailer) Run(ctx context.Context) {
	defer t.stop()

	if t.state.info != nil {
		t.mode = openResume
	}
	t.log.WithField("pattern", t.pattern.String()).Info("Starting tailer")

	for s := stateFn(stateOpening); s != nil; s = s(ctx, t) {
	}
}

func (t *Tailer) setState(s State) {
	t.status.Store(int32(s))
}

// sleep waits one poll interval. It returns false when ctx was cancelled.
func (t *Tailer) sleep(ctx context.Context) bool {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Tailer) open() error {
	file, err := os.Open(t.spec.Path)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("error getting file stats: %w", err)
	}

	var offset int64
	switch t.mode {
	case openAtEnd:
		offset = info.Size()
	case openResume:
		if t.sameFile(info) && info.Size() >= t.state.Offset {
			offset = t.state.Offset
		}
	}

	if t.mode != openResume || offset != t.state.Offset {
		t.acc.Reset()
		t.lineNum = 0
	}

	id, _ := getFileID(info)
	t.file = file
	t.state.Offset = offset
	t.state.Identity = id
	t.state.info = info
	t.failures = 0

	t.log.WithFields(logrus.Fields{
		"inode":  id.Inode,
		"offset": offset,
	}).Debug("opened file")
	return nil
}

func (t *Tailer) closeFile() {
	if t.file == nil {
		return
	}
	if err := t.file.Close(); err != nil {
		t.log.WithError(err).Warn("could not close file")
	}
	t.file = nil
}

func (t *Tailer) stop() {
	t.closeFile()
	t.setState(StateStopped)
	t.log.Info("Stopping tailer")
}

// sameFile reports whether info describes the file the cursor belongs to.
func (t *Tailer) sameFile(info os.FileInfo) bool {
	if t.state.info == nil {
		return false
	}
	if id, ok := getFileID(info); ok {
		return id == t.state.Identity
	}
	return os.SameFile(t.state.info, info)
}

// readTo reads the open file from the cursor up to size and feeds the bytes
// to the accumulator. The cursor only advances over bytes actually read.
func (t *Tailer) readTo(size int64) error {
	if t.buf == nil {
		t.buf = make([]byte, readChunkSize)
	}

	for t.state.Offset < size {
		n := min(int64(len(t.buf)), size-t.state.Offset)
		read, err := t.file.ReadAt(t.buf[:n], t.state.Offset)
		if read > 0 {
			t.state.Offset += int64(read)
			t.consume(t.buf[:read])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("error reading file at offset %d: %w", t.state.Offset, err)
		}
	}
	return nil
}

func (t *Tailer) consume(chunk []byte) {
	for line := range t.acc.Feed(chunk) {
		t.lineNum++

		fields, ok := t.pattern.Extract(line)
		if !ok {
			continue
		}

		t.sink.Dispatch(internal.MatchEvent{
			ObservedAt: time.Now(),
			Line:       line,
			Fields:     fields,
			Metadata: internal.Metadata{
				Source:  t.spec.Path,
				Host:    t.host,
				Tag:     t.tag,
				LineNum: t.lineNum,
			},
		})
	}
}
