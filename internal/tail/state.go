package tail

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

// State is the externally visible phase of a Tailer.
type State int32

const (
	StateOpening State = iota
	StateTailing
	StateRotated
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateTailing:
		return "tailing"
	case StateRotated:
		return "rotated"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// openMode decides where the cursor starts after a successful open.
type openMode int

const (
	// openAtEnd skips existing content; used when the tailer first starts.
	openAtEnd openMode = iota
	// openAtStart reads the new file from the beginning after a rotation.
	openAtStart
	// openResume keeps the cursor when the same file is opened again.
	openResume
)

type stateFn func(context.Context, *Tailer) stateFn

func stateOpening(ctx context.Context, t *Tailer) stateFn {
	t.setState(StateOpening)

	if err := t.open(); err != nil {
		if !t.openFailing {
			t.log.WithError(err).Warn("could not open file, retrying")
			t.openFailing = true
		} else {
			t.log.WithError(err).Debug("file still not accessible")
		}
		if !t.sleep(ctx) {
			return nil
		}
		return stateOpening
	}

	if t.openFailing {
		t.log.Info("file is accessible again")
		t.openFailing = false
	}
	return stateTailing
}

func stateTailing(ctx context.Context, t *Tailer) stateFn {
	t.setState(StateTailing)

	if !t.sleep(ctx) {
		return nil
	}

	info, err := os.Stat(t.spec.Path)
	if err != nil {
		t.log.WithError(err).Info("file is gone, reopening")
		t.mode = openAtStart
		if t.file != nil && stillLinked(t.file) {
			// Renamed away, so it may come back under the same identity.
			t.mode = openResume
		}
		return stateRotated
	}

	if !t.sameFile(info) {
		t.log.Info("file was replaced, reopening")
		t.mode = openAtStart
		return stateRotated
	}

	if info.Size() < t.state.Offset {
		t.log.WithFields(logrus.Fields{
			"offset": t.state.Offset,
			"size":   info.Size(),
		}).Info("file was truncated, reopening")
		t.mode = openAtStart
		return stateRotated
	}

	if info.Size() == t.state.Offset {
		return stateTailing
	}

	if err := t.readTo(info.Size()); err != nil {
		t.failures++
		t.log.WithError(err).WithField("failures", t.failures).Warn("couldn't read from file")
		if t.failures >= t.maxFailures {
			t.log.Warn("too many read failures, reopening")
			t.closeFile()
			t.mode = openResume
			return stateOpening
		}
		return stateTailing
	}

	t.failures = 0
	return stateTailing
}

// stateRotated finishes the old handle and reopens the path. A replaced or
// truncated file is read from the start, so lines written before the swap
// was noticed are replayed rather than skipped. A file that was only moved
// away resumes at the cursor if it comes back unchanged.
func stateRotated(ctx context.Context, t *Tailer) stateFn {
	t.setState(StateRotated)

	if t.file != nil {
		// Bytes appended to the old file after the last poll are still
		// reachable through the open handle unless it was truncated.
		if info, err := t.file.Stat(); err == nil && info.Size() > t.state.Offset {
			if err := t.readTo(info.Size()); err != nil {
				t.log.WithError(err).Warn("could not drain rotated file")
			}
		}
		t.closeFile()
	}

	if t.mode != openResume {
		t.acc.Reset()
	}
	return stateOpening
}
