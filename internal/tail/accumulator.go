package tail

import (
	"bytes"
	"iter"
)

// LineAccumulator turns raw chunks read from a file into complete lines.
// Bytes after the last newline are kept until a later chunk terminates them.
type LineAccumulator struct {
	pending []byte
}

// Feed appends chunk to the pending fragment and returns the complete lines
// now available. Lines are consumed as they are yielded; when the caller
// stops early the remaining lines are yielded by the next sequence.
func (a *LineAccumulator) Feed(chunk []byte) iter.Seq[string] {
	a.pending = append(a.pending, chunk...)

	return func(yield func(string) bool) {
		defer a.compact()
		for {
			i := bytes.IndexByte(a.pending, '\n')
			if i < 0 {
				return
			}
			line := a.pending[:i]
			a.pending = a.pending[i+1:]
			if !yield(string(bytes.TrimSuffix(line, []byte{'\r'}))) {
				return
			}
		}
	}
}

// Pending returns the number of buffered bytes not yet emitted as a line.
func (a *LineAccumulator) Pending() int {
	return len(a.pending)
}

// Reset drops the buffered fragment.
func (a *LineAccumulator) Reset() {
	a.pending = nil
}

// compact moves the unconsumed tail to the front so the backing array does
// not grow with every read.
func (a *LineAccumulator) compact() {
	if len(a.pending) == 0 {
		a.pending = nil
		return
	}
	a.pending = append(make([]byte, 0, len(a.pending)), a.pending...)
}
