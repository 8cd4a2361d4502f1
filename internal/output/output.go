package output

import (
	"cmp"
	"fmt"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/util"
)

// Plugin delivers match events to one destination. Implementations must be
// safe for concurrent use; Write is called from many dispatch goroutines.
type Plugin interface {
	internal.Plugin
	Write(events []internal.MatchEvent) error
	Flush() error
	MatchTag(tag string) bool
}

// DeliveryError wraps a failure of a single output. It is logged by the
// Dispatcher and never returned to the tailer that produced the event.
type DeliveryError struct {
	Output string
	Source string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed for %s: %v", e.Output, e.Source, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Base holds the Name and Match settings shared by every output. Outputs
// embed it to get Name and MatchTag.
type Base struct {
	name  string
	match string
}

func NewBase(name, match string) Base {
	return Base{name: name, match: match}
}

// InitBase reads Name and Match from config. Match defaults to "*", which
// accepts every tag.
func (b *Base) InitBase(config map[string]any, defaultName string) {
	b.name = cmp.Or(util.MustString(config["Name"]), defaultName)
	b.match = cmp.Or(util.MustString(config["Match"]), "*")
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) MatchTag(tag string) bool {
	return util.TagMatch(tag, b.match)
}
