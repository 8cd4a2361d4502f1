package outputwebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/MuchTitan/go-log-notifier/internal/output"
	"github.com/MuchTitan/go-log-notifier/internal/util"
	"github.com/sirupsen/logrus"
)

const (
	FormatDiscord = "discord"
	FormatJSON    = "json"

	discordColor = 0x3498DB
	userAgent    = "go-log-notifier/1.0"
)

// Webhook posts every match to an HTTP endpoint, either as a Discord embed
// or as a plain JSON document.
type Webhook struct {
	output.Base

	url        string
	format     string
	username   string
	avatarURL  string
	retries    int
	retryDelay time.Duration
	httpClient *http.Client

	done     chan struct{}
	exitOnce sync.Once
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Timestamp   string        `json:"timestamp"`
	Footer      discordFooter `json:"footer"`
}

type discordPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []discordEmbed `json:"embeds"`
}

type jsonPayload struct {
	Source    string            `json:"source"`
	Line      string            `json:"line"`
	Timestamp string            `json:"timestamp"`
	Tag       string            `json:"tag"`
	Host      string            `json:"host,omitempty"`
	LineNum   int               `json:"lineNum,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// retryableError marks a response that may succeed when sent again.
type retryableError struct {
	err   error
	after time.Duration
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func (w *Webhook) Init(config map[string]any) error {
	w.url = util.MustString(config["URL"])
	if w.url == "" {
		return errors.New("no URL provided for webhook output")
	}

	w.InitBase(config, "webhook")

	w.format = util.MustString(config["Format"])
	if w.format == "" {
		w.format = FormatDiscord
	}
	if w.format != FormatDiscord && w.format != FormatJSON {
		return fmt.Errorf("format: '%v' is not supported", w.format)
	}

	w.username = util.MustString(config["Username"])
	if w.username == "" {
		w.username = "log-notifier"
	}
	w.avatarURL = util.MustString(config["AvatarURL"])

	var err error
	if w.retries, err = util.IntOr(config["Retries"], 2); err != nil {
		return fmt.Errorf("invalid Retries: %w", err)
	}
	if w.retryDelay, err = util.DurationOr(config["RetryDelay"], time.Second); err != nil {
		return fmt.Errorf("invalid RetryDelay: %w", err)
	}
	timeout, err := util.DurationOr(config["Timeout"], 10*time.Second)
	if err != nil {
		return fmt.Errorf("invalid Timeout: %w", err)
	}

	w.httpClient = &http.Client{Timeout: timeout}
	w.done = make(chan struct{})
	return nil
}

func (w *Webhook) Write(events []internal.MatchEvent) error {
	var errs []error
	for _, event := range events {
		if !w.MatchTag(event.Metadata.Tag) {
			continue
		}
		body, err := w.encode(event)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := w.post(body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Webhook) encode(event internal.MatchEvent) ([]byte, error) {
	timestamp := event.ObservedAt.UTC().Format(time.RFC3339)

	switch w.format {
	case FormatJSON:
		return json.Marshal(jsonPayload{
			Source:    event.Metadata.Source,
			Line:      event.Line,
			Timestamp: event.ObservedAt.UTC().Format(time.RFC3339Nano),
			Tag:       event.Metadata.Tag,
			Host:      event.Metadata.Host,
			LineNum:   event.Metadata.LineNum,
			Fields:    event.Fields,
		})
	default:
		return json.Marshal(discordPayload{
			Username:  w.username,
			AvatarURL: w.avatarURL,
			Embeds: []discordEmbed{{
				Title:       fmt.Sprintf("File: %s", event.Metadata.Source),
				Description: fmt.Sprintf("```\n%s\n```", event.Line),
				Color:       discordColor,
				Timestamp:   timestamp,
				Footer:      discordFooter{Text: fmt.Sprintf("Timestamp: %s", timestamp)},
			}},
		})
	}
}

func (w *Webhook) post(body []byte) error {
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if err = w.send(body); err == nil {
			return nil
		}

		var retryErr *retryableError
		if !errors.As(err, &retryErr) || attempt == w.retries {
			break
		}

		delay := w.retryDelay
		if retryErr.after > 0 {
			delay = retryErr.after
		}
		// A server asking for a longer pause gets one more try after the
		// request timeout at most.
		delay = min(delay, w.httpClient.Timeout)

		logrus.WithError(err).WithFields(logrus.Fields{
			"output":  w.Name(),
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Debug("webhook delivery failed, retrying")
		if !w.wait(delay) {
			return fmt.Errorf("webhook output closed while waiting to retry: %w", err)
		}
	}
	return err
}

// wait pauses for d and reports false when the output is shut down first.
func (w *Webhook) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.done:
		return false
	case <-timer.C:
		return true
	}
}

func (w *Webhook) send(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := w.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: err}
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	statusErr := fmt.Errorf("webhook returned status: %s: %s", res.Status, bytes.TrimSpace(snippet))

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return &retryableError{err: statusErr, after: retryAfter(res.Header.Get("Retry-After"))}
	case res.StatusCode >= 500:
		return &retryableError{err: statusErr}
	default:
		return statusErr
	}
}

// retryAfter parses a Retry-After header given in (possibly fractional)
// seconds.
func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func (w *Webhook) Flush() error {
	return nil
}

// Exit aborts pending retries and releases idle connections.
func (w *Webhook) Exit() error {
	w.exitOnce.Do(func() {
		if w.done != nil {
			close(w.done)
		}
	})
	if w.httpClient != nil {
		w.httpClient.CloseIdleConnections()
	}
	return nil
}
