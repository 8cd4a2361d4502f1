package output

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MuchTitan/go-log-notifier/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockPlugin struct {
	mock.Mock
}

func (m *MockPlugin) Name() string {
	return "mock"
}

func (m *MockPlugin) Init(config map[string]any) error {
	return nil
}

func (m *MockPlugin) Write(events []internal.MatchEvent) error {
	args := m.Called(events)
	return args.Error(0)
}

func (m *MockPlugin) Flush() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockPlugin) Exit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockPlugin) MatchTag(tag string) bool {
	args := m.Called(tag)
	return args.Bool(0)
}

// blockingPlugin holds every Write until release is closed.
type blockingPlugin struct {
	release chan struct{}
	mu      sync.Mutex
	lines   []string
}

func (b *blockingPlugin) Name() string { return "blocking" }
func (b *blockingPlugin) Init(map[string]any) error { return nil }
func (b *blockingPlugin) Flush() error { return nil }
func (b *blockingPlugin) Exit() error { return nil }
func (b *blockingPlugin) MatchTag(string) bool { return true }
func (b *blockingPlugin) Write(events []internal.MatchEvent) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range events {
		b.lines = append(b.lines, e.Line)
	}
	return nil
}

type panicPlugin struct{ blockingPlugin }

func (p *panicPlugin) Write([]internal.MatchEvent) error {
	panic("boom")
}

func event(tag, line string) internal.MatchEvent {
	return internal.MatchEvent{
		ObservedAt: time.Now(),
		Line:       line,
		Metadata:   internal.Metadata{Source: "/var/log/" + tag, Tag: tag},
	}
}

func TestDispatcher_DeliversToMatchingOutputs(t *testing.T) {
	appOut := new(MockPlugin)
	appOut.On("MatchTag", "app").Return(true)
	appOut.On("Write", mock.Anything).Return(nil).Once()

	otherOut := new(MockPlugin)
	otherOut.On("MatchTag", "app").Return(false)

	d := NewDispatcher(appOut, otherOut)
	d.Dispatch(event("app", "ERROR: x"))

	assert.True(t, d.Drain(time.Second))
	appOut.AssertExpectations(t)
	otherOut.AssertNotCalled(t, "Write", mock.Anything)

	written := appOut.Calls[1].Arguments.Get(0).([]internal.MatchEvent)
	assert.Equal(t, "ERROR: x", written[0].Line)
}

func TestDispatcher_ErrorsAreContained(t *testing.T) {
	failing := new(MockPlugin)
	failing.On("MatchTag", mock.Anything).Return(true)
	failing.On("Write", mock.Anything).Return(errors.New("endpoint down"))

	healthy := new(MockPlugin)
	healthy.On("MatchTag", mock.Anything).Return(true)
	healthy.On("Write", mock.Anything).Return(nil)

	d := NewDispatcher(failing, healthy)
	d.Dispatch(event("app", "one"))
	d.Dispatch(event("app", "two"))

	assert.True(t, d.Drain(time.Second))
	healthy.AssertNumberOfCalls(t, "Write", 2)

	dispatched, failed := d.Stats()
	assert.Equal(t, uint64(2), dispatched)
	assert.Equal(t, uint64(2), failed)
}

func TestDispatcher_RecoversPanickingOutput(t *testing.T) {
	d := NewDispatcher(&panicPlugin{})
	d.Dispatch(event("app", "one"))

	assert.True(t, d.Drain(time.Second))
	_, failed := d.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestDispatcher_DispatchDoesNotBlock(t *testing.T) {
	out := &blockingPlugin{release: make(chan struct{})}
	d := NewDispatcher(out)

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Dispatch(event("app", "line"))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.False(t, d.Drain(20*time.Millisecond))

	close(out.release)
	assert.True(t, d.Drain(time.Second))
	assert.Len(t, out.lines, 50)
}

func TestDispatcher_Close(t *testing.T) {
	first := new(MockPlugin)
	first.On("Flush").Return(errors.New("flush failed"))
	first.On("Exit").Return(nil)

	second := new(MockPlugin)
	second.On("Flush").Return(nil)
	second.On("Exit").Return(nil)

	d := NewDispatcher(first, second)
	assert.Len(t, d.Outputs(), 2)

	err := d.Close()
	assert.EqualError(t, err, "flush failed")
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("timeout")
	err := &DeliveryError{Output: "webhook", Source: "a.log", Err: cause}

	assert.Equal(t, "delivery to webhook failed for a.log: timeout", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestBase(t *testing.T) {
	var b Base
	b.InitBase(map[string]any{}, "stdout")
	assert.Equal(t, "stdout", b.Name())
	assert.True(t, b.MatchTag("anything"))

	b.InitBase(map[string]any{"Name": "alerts", "Match": "nginx*"}, "stdout")
	assert.Equal(t, "alerts", b.Name())
	assert.True(t, b.MatchTag("nginx-error"))
	assert.False(t, b.MatchTag("app.log"))

	b = NewBase("gelf", "a.log")
	assert.Equal(t, "gelf", b.Name())
	assert.True(t, b.MatchTag("a.log"))
}
