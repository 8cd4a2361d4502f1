package internal

import (
	"io"
	"path/filepath"
	"time"
)

// WatchSpec describes one monitored file. It is immutable once loaded.
type WatchSpec struct {
	Path    string
	Pattern string
	Tag     string
	Exclude []string
}

// EffectiveTag returns the configured tag or the base name of the watched file.
func (w WatchSpec) EffectiveTag() string {
	if w.Tag != "" {
		return w.Tag
	}
	return filepath.Base(w.Path)
}

// MatchEvent is a single matched line handed to a Sink.
type MatchEvent struct {
	ObservedAt time.Time
	Line       string
	Fields     map[string]string
	Metadata   Metadata
}

type Metadata struct {
	Source  string
	Host    string
	Tag     string
	LineNum int
}

// Sink accepts match events for asynchronous delivery. Dispatch must not
// block on delivery and must be safe for concurrent use.
type Sink interface {
	Dispatch(event MatchEvent)
}

// Plugin interface that all output plugins must implement
type Plugin interface {
	Name() string
	Init(config map[string]any) error
	Exit() error
}

type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter(writers ...io.Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (mw *MultiWriter) AddWriter(w io.Writer) {
	mw.writers = append(mw.writers, w)
}

func (mw *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range mw.writers {
		n, err = w.Write(p)
		if err != nil {
			return
		}
	}
	return len(p), nil
}
