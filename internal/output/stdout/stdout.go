package outputstdout

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"text/template"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/output"
	"github.com/MuchTitan/go-log-notifier/internal/util"
)

const (
	FormatPlain    = "plain"
	FormatJSON     = "json"
	FormatTemplate = "template"
)

// Stdout prints one line per match.
type Stdout struct {
	output.Base

	format string
	render func(internal.MatchEvent) ([]byte, error)
	mu     sync.Mutex
	out    io.Writer // os.Stdout when nil
}

// jsonLine is the document printed by the json format.
type jsonLine struct {
	Timestamp string            `json:"timestamp"`
	Tag       string            `json:"tag"`
	Path      string            `json:"path"`
	Line      string            `json:"line"`
	LineNum   int               `json:"lineNum,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// templateData is what a user template is executed against.
type templateData struct {
	Timestamp time.Time
	Tag       string
	Source    string
	Host      string
	Line      string
	LineNum   int
	Fields    map[string]string
}

func (s *Stdout) Init(config map[string]any) error {
	s.InitBase(config, "stdout")

	text := util.MustString(config["Template"])
	s.format = util.MustString(config["Format"])
	if s.format == "" && text != "" {
		s.format = FormatTemplate
	}
	s.format = cmp.Or(s.format, FormatPlain)

	switch s.format {
	case FormatPlain:
		s.render = renderPlain
	case FormatJSON:
		s.render = renderJSON
	case FormatTemplate:
		if text == "" {
			return errors.New("template format requires a Template")
		}
		tmpl, err := template.New("match").Parse(text)
		if err != nil {
			return fmt.Errorf("failed to parse template: %w", err)
		}
		s.render = func(event internal.MatchEvent) ([]byte, error) {
			var buf bytes.Buffer
			err := tmpl.Execute(&buf, templateData{
				Timestamp: event.ObservedAt,
				Tag:       event.Metadata.Tag,
				Source:    event.Metadata.Source,
				Host:      event.Metadata.Host,
				Line:      event.Line,
				LineNum:   event.Metadata.LineNum,
				Fields:    event.Fields,
			})
			return buf.Bytes(), err
		}
	default:
		return fmt.Errorf("not a valid format for stdout provided: %s", s.format)
	}

	return nil
}

func (s *Stdout) writer() io.Writer {
	if s.out == nil {
		return os.Stdout
	}
	return s.out
}

func (s *Stdout) Write(events []internal.MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		if !s.MatchTag(event.Metadata.Tag) {
			continue
		}

		line, err := s.render(event)
		if err != nil {
			return fmt.Errorf("failed to format match from %s: %w", event.Metadata.Source, err)
		}
		if _, err := s.writer().Write(append(line, '\n')); err != nil {
			return err
		}
	}

	return nil
}

// renderPlain prints "timestamp [tag] path: line key=value ..." with the
// capture groups sorted by name.
func renderPlain(event internal.MatchEvent) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s [%s] %s: %s",
		event.ObservedAt.Format(time.RFC3339),
		event.Metadata.Tag,
		event.Metadata.Source,
		event.Line)

	for _, key := range slices.Sorted(maps.Keys(event.Fields)) {
		fmt.Fprintf(&buf, " %s=%s", key, event.Fields[key])
	}
	return buf.Bytes(), nil
}

func renderJSON(event internal.MatchEvent) ([]byte, error) {
	return json.Marshal(jsonLine{
		Timestamp: event.ObservedAt.Format(time.RFC3339),
		Tag:       event.Metadata.Tag,
		Path:      event.Metadata.Source,
		Line:      event.Line,
		LineNum:   event.Metadata.LineNum,
		Fields:    event.Fields,
	})
}

func (s *Stdout) Flush() error {
	return nil
}

func (s *Stdout) Exit() error {
	return nil
}
