package outputsplunk

import (
	"bytes"
	"cmp"
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/output"
	"github.com/MuchTitan/go-log-notifier/internal/util"
	"github.com/sirupsen/logrus"
)

// Splunk posts matches to a Splunk HTTP Event Collector. Capture groups are
// sent as indexed fields; EventFields are merged into every event body.
type Splunk struct {
	output.Base

	token       string
	index       string
	sourceType  string
	eventHost   string
	endpoint    string
	compress    bool
	sendRaw     bool
	eventFields map[string]any
	httpClient  *http.Client
}

type hecEvent struct {
	Time       float64           `json:"time"`
	Host       string            `json:"host"`
	Source     string            `json:"source"`
	Sourcetype string            `json:"sourcetype"`
	Index      string            `json:"index"`
	Event      map[string]any    `json:"event"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// hecResponse is the body HEC answers with, on success and on failure.
type hecResponse struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

func (s *Splunk) Init(config map[string]any) error {
	s.InitBase(config, "splunk")

	if s.token = util.MustString(config["Token"]); s.token == "" {
		return errors.New("splunk token is required")
	}
	if s.index = util.MustString(config["EventIndex"]); s.index == "" {
		return errors.New("splunk index is required")
	}

	s.sourceType = cmp.Or(util.MustString(config["EventSourcetype"]), "log-notifier")
	s.eventHost = util.MustString(config["EventHost"])
	if s.eventHost == "" {
		s.eventHost, _ = os.Hostname()
	}

	port, err := util.IntOr(config["Port"], 8088)
	if err != nil {
		return fmt.Errorf("cant convert port to int: %w", err)
	}
	verifyTLS, err := util.BoolOr(config["VerifyTLS"], true)
	if err != nil {
		return err
	}
	if s.compress, err = util.BoolOr(config["Compress"], false); err != nil {
		return err
	}
	if s.sendRaw, err = util.BoolOr(config["SendRaw"], false); err != nil {
		return err
	}
	timeout, err := util.DurationOr(config["Timeout"], 30*time.Second)
	if err != nil {
		return fmt.Errorf("invalid Timeout: %w", err)
	}

	if fields, exists := config["EventFields"]; exists {
		var ok bool
		if s.eventFields, ok = fields.(map[string]any); !ok {
			return errors.New("cant convert EventFields to a map")
		}
	}

	host := cmp.Or(util.MustString(config["Host"]), "localhost")
	s.endpoint = "https://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/services/collector"
	if s.sendRaw {
		s.endpoint += "/raw"
	}

	s.httpClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifyTLS},
		},
		Timeout: timeout,
	}
	return nil
}

func (s *Splunk) newEvent(event internal.MatchEvent) hecEvent {
	body := map[string]any{
		"line": event.Line,
		"tag":  event.Metadata.Tag,
	}
	if event.Metadata.LineNum != 0 {
		body["lineNum"] = event.Metadata.LineNum
	}

	return hecEvent{
		Time:       float64(event.ObservedAt.UnixMilli()) / 1000,
		Host:       s.eventHost,
		Source:     event.Metadata.Source,
		Sourcetype: s.sourceType,
		Index:      s.index,
		Event:      util.MergeMaps(body, s.eventFields),
		Fields:     event.Fields,
	}
}

// encode builds the request body: one JSON event per line, or the bare
// lines for the raw endpoint.
func (s *Splunk) encode(events []internal.MatchEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if !s.MatchTag(event.Metadata.Tag) {
			continue
		}

		if s.sendRaw {
			buf.WriteString(event.Line)
			buf.WriteByte('\n')
			continue
		}
		if err := enc.Encode(s.newEvent(event)); err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (s *Splunk) Write(events []internal.MatchEvent) error {
	payload, err := s.encode(events)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return s.post(payload)
}

func gzipped(payload []byte) (*bytes.Buffer, error) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("error during gzip compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &compressed, nil
}

func (s *Splunk) post(payload []byte) error {
	var body io.Reader = bytes.NewReader(payload)
	if s.compress {
		compressed, err := gzipped(payload)
		if err != nil {
			return err
		}
		body = compressed
	}

	req, err := http.NewRequest(http.MethodPost, s.endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")
	if s.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	var hecErr hecResponse
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if json.Unmarshal(raw, &hecErr) == nil && hecErr.Text != "" {
		logrus.WithFields(logrus.Fields{
			"output": s.Name(),
			"code":   hecErr.Code,
		}).Debug("splunk rejected events")
		return fmt.Errorf("splunk returned status: %s: %s (code %d)", res.Status, hecErr.Text, hecErr.Code)
	}
	return fmt.Errorf("splunk returned status: %s", res.Status)
}

// Flush is a no-op; events are posted when they are written.
func (s *Splunk) Flush() error {
	return nil
}

func (s *Splunk) Exit() error {
	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
	}
	return nil
}
