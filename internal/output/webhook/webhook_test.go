package outputwebhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *recorder) handler(status func(n int) int) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		n := int(calls.Add(1))
		body, _ := io.ReadAll(req.Body)

		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)
		r.mu.Lock()
		r.bodies = append(r.bodies, decoded)
		r.mu.Unlock()

		code := status(n)
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0.01")
		}
		w.WriteHeader(code)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func always(code int) func(int) int {
	return func(int) int { return code }
}

func testEvent() internal.MatchEvent {
	return internal.MatchEvent{
		ObservedAt: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Line:       "ERROR: boom",
		Fields:     map[string]string{"level": "ERROR"},
		Metadata: internal.Metadata{
			Source:  "/var/log/a.log",
			Host:    "box",
			Tag:     "a.log",
			LineNum: 12,
		},
	}
}

func newWebhook(t *testing.T, config map[string]any) *Webhook {
	t.Helper()
	w := &Webhook{}
	require.NoError(t, w.Init(config))
	return w
}

func TestWebhook_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"URL": "http://localhost"}, false},
		{"json format", map[string]any{"URL": "http://localhost", "Format": "json"}, false},
		{"missing url", map[string]any{}, true},
		{"bad format", map[string]any{"URL": "http://localhost", "Format": "xml"}, true},
		{"bad retries", map[string]any{"URL": "http://localhost", "Retries": "many"}, true},
		{"bad timeout", map[string]any{"URL": "http://localhost", "Timeout": "forever"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Webhook{}
			err := w.Init(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebhook_Defaults(t *testing.T) {
	w := newWebhook(t, map[string]any{"URL": "http://localhost"})

	assert.Equal(t, "webhook", w.Name())
	assert.Equal(t, FormatDiscord, w.format)
	assert.Equal(t, 2, w.retries)
	assert.Equal(t, 10*time.Second, w.httpClient.Timeout)
	assert.True(t, w.MatchTag("anything"))
}

func TestWebhook_DiscordPayload(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(always(http.StatusNoContent)))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Username": "watcher"})
	require.NoError(t, w.Write([]internal.MatchEvent{testEvent()}))

	require.Equal(t, 1, rec.count())
	body := rec.bodies[0]
	assert.Equal(t, "watcher", body["username"])

	embed := body["embeds"].([]any)[0].(map[string]any)
	assert.Equal(t, "File: /var/log/a.log", embed["title"])
	assert.Contains(t, embed["description"], "ERROR: boom")
	assert.Equal(t, float64(discordColor), embed["color"])
	assert.Equal(t, "2024-05-01T12:30:00Z", embed["timestamp"])
	assert.Equal(t, "Timestamp: 2024-05-01T12:30:00Z", embed["footer"].(map[string]any)["text"])
}

func TestWebhook_JSONPayload(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(always(http.StatusOK)))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Format": "json"})
	require.NoError(t, w.Write([]internal.MatchEvent{testEvent()}))

	require.Equal(t, 1, rec.count())
	body := rec.bodies[0]
	assert.Equal(t, "/var/log/a.log", body["source"])
	assert.Equal(t, "ERROR: boom", body["line"])
	assert.Equal(t, "2024-05-01T12:30:00Z", body["timestamp"])
	assert.Equal(t, "a.log", body["tag"])
	assert.Equal(t, "box", body["host"])
	assert.Equal(t, float64(12), body["lineNum"])
	assert.Equal(t, map[string]any{"level": "ERROR"}, body["fields"])
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(func(n int) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Retries": 2, "RetryDelay": "1ms"})
	assert.NoError(t, w.Write([]internal.MatchEvent{testEvent()}))
	assert.Equal(t, 3, rec.count())
}

func TestWebhook_RetriesRateLimit(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(func(n int) int {
		if n == 1 {
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	}))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "RetryDelay": "10s"})

	start := time.Now()
	assert.NoError(t, w.Write([]internal.MatchEvent{testEvent()}))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 2, rec.count())
}

func TestWebhook_GivesUp(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(always(http.StatusInternalServerError)))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Retries": 1, "RetryDelay": "1ms"})
	err := w.Write([]internal.MatchEvent{testEvent()})
	assert.ErrorContains(t, err, "500")
	assert.Equal(t, 2, rec.count())
}

func TestWebhook_ClientErrorIsNotRetried(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(always(http.StatusBadRequest)))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Retries": 3, "RetryDelay": "1ms"})
	assert.Error(t, w.Write([]internal.MatchEvent{testEvent()}))
	assert.Equal(t, 1, rec.count())
}

func TestWebhook_SkipsUnmatchedTags(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(always(http.StatusOK)))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Match": "b.*"})
	assert.NoError(t, w.Write([]internal.MatchEvent{testEvent()}))
	assert.Equal(t, 0, rec.count())
}

func rateLimited(retryAfter string, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", retryAfter)
		w.WriteHeader(http.StatusTooManyRequests)
	}
}

func TestWebhook_LongRetryAfterIsCapped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(rateLimited("86400", &calls))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Retries": 1, "Timeout": "100ms"})

	start := time.Now()
	err := w.Write([]internal.MatchEvent{testEvent()})
	assert.ErrorContains(t, err, "429")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhook_ExitAbortsRetryWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(rateLimited("30", &calls))
	defer srv.Close()

	w := newWebhook(t, map[string]any{"URL": srv.URL, "Retries": 3, "Timeout": "10s"})

	result := make(chan error, 1)
	go func() {
		result <- w.Write([]internal.MatchEvent{testEvent()})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, w.Exit())

	select {
	case err := <-result:
		assert.ErrorContains(t, err, "closed while waiting")
	case <-time.After(2 * time.Second):
		t.Fatal("write still waiting after Exit")
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.NoError(t, w.Exit())
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, 2*time.Second, retryAfter("2"))
	assert.Equal(t, 1500*time.Millisecond, retryAfter("1.5"))
	assert.Equal(t, time.Duration(0), retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Equal(t, time.Duration(0), retryAfter("-1"))
}

func TestWebhook_FlushExit(t *testing.T) {
	w := newWebhook(t, map[string]any{"URL": "http://localhost"})
	assert.NoError(t, w.Flush())
	assert.NoError(t, w.Exit())
}
