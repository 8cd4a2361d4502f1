package outputgelf

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/output"
	"github.com/MuchTitan/go-log-notifier/internal/util"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"
)

// defaultLevel is the syslog "warning" severity.
const defaultLevel = 4

var syslogLevels = map[string]int32{
	"emergency": 0,
	"alert":     1,
	"critical":  2,
	"error":     3,
	"warning":   4,
	"notice":    5,
	"info":      6,
	"debug":     7,
}

var transports = map[string]func(addr string) (gelf.Writer, error){
	"udp": func(addr string) (gelf.Writer, error) {
		w, err := gelf.NewUDPWriter(addr)
		if err != nil {
			return nil, err
		}
		return w, nil
	},
	"tcp": func(addr string) (gelf.Writer, error) {
		w, err := gelf.NewTCPWriter(addr)
		if err != nil {
			return nil, err
		}
		return w, nil
	},
}

// GELF sends each match to Graylog as a GELF 1.1 message. The matched line
// is the short message and the capture groups become additional fields.
type GELF struct {
	output.Base

	hostKey  string
	facility string
	level    int32
	mu       sync.Mutex
	writer   gelf.Writer
}

func (g *GELF) Init(config map[string]any) error {
	g.InitBase(config, "gelf")

	g.hostKey = util.MustString(config["HostKey"])
	if g.hostKey == "" {
		return errors.New("please provide a valid HostKey for the gelf output")
	}
	g.facility = cmp.Or(util.MustString(config["Facility"]), "log-notifier")

	var err error
	if g.level, err = parseLevel(config["Level"]); err != nil {
		return err
	}

	port, err := util.IntOr(config["Port"], 12201)
	if err != nil {
		return fmt.Errorf("cant convert port to int: %w", err)
	}
	addr := net.JoinHostPort(cmp.Or(util.MustString(config["Host"]), "127.0.0.1"), strconv.Itoa(port))

	mode := cmp.Or(strings.ToLower(util.MustString(config["Mode"])), "udp")
	dial, ok := transports[mode]
	if !ok {
		return fmt.Errorf("mode: '%v' is not supported", mode)
	}
	if g.writer, err = dial(addr); err != nil {
		return fmt.Errorf("failed to create %s writer for %s: %w", mode, addr, err)
	}
	return nil
}

// parseLevel accepts a syslog severity as a number (0-7) or by name.
func parseLevel(value any) (int32, error) {
	if name, ok := value.(string); ok {
		level, found := syslogLevels[strings.ToLower(name)]
		if !found {
			return 0, fmt.Errorf("unknown gelf level %q", name)
		}
		return level, nil
	}

	level, err := util.IntOr(value, defaultLevel)
	if err != nil {
		return 0, fmt.Errorf("cant convert level to int: %w", err)
	}
	if level < 0 || level > 7 {
		return 0, fmt.Errorf("gelf level %d is outside 0-7", level)
	}
	return int32(level), nil
}

func (g *GELF) message(event internal.MatchEvent) *gelf.Message {
	extra := make(map[string]any, len(event.Fields)+4)
	for k, v := range event.Fields {
		extra["_"+k] = v
	}
	extra["_source"] = event.Metadata.Source
	extra["_tag"] = event.Metadata.Tag
	extra["_line_num"] = event.Metadata.LineNum
	if event.Metadata.Host != "" {
		extra["_origin_host"] = event.Metadata.Host
	}

	return &gelf.Message{
		Version:  "1.1",
		Host:     g.hostKey,
		Short:    event.Line,
		TimeUnix: float64(event.ObservedAt.UnixNano()) / 1e9,
		Level:    g.level,
		Facility: g.facility,
		Extra:    extra,
	}
}

func (g *GELF) Write(events []internal.MatchEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, event := range events {
		if !g.MatchTag(event.Metadata.Tag) {
			continue
		}
		if err := g.writer.WriteMessage(g.message(event)); err != nil {
			return fmt.Errorf("could not write gelf message: %w", err)
		}
	}
	return nil
}

// Flush is a no-op; every message is written as soon as it arrives.
func (g *GELF) Flush() error {
	return nil
}

func (g *GELF) Exit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	closer, ok := g.writer.(io.Closer)
	if !ok {
		return nil
	}
	g.writer = nil
	return closer.Close()
}
