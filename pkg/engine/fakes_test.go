package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/pkg/bus"
	"parley/pkg/platform"
)

type sentMessage struct {
	Key     platform.RoutingKey
	Content platform.Content
	ReplyTo string
}

func (m sentMessage) text() string {
	if text, ok := m.Content.(platform.Text); ok {
		return string(text)
	}

	return fmt.Sprintf("<%s>", m.Content.ContentKind())
}

type recordingAdapter struct {
	caps    platform.Capabilities
	sendErr error

	mu     sync.Mutex
	sent   []sentMessage
	edits  []platform.MessageHandle
	nextID int
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{caps: platform.Capabilities{Edit: true, Delete: true, Reactions: true}}
}

func (a *recordingAdapter) Name() string                         { return "fake" }
func (a *recordingAdapter) Connect(context.Context) error        { return nil }
func (a *recordingAdapter) Events() <-chan platform.InboundEvent { return nil }
func (a *recordingAdapter) Capabilities() platform.Capabilities  { return a.caps }
func (a *recordingAdapter) Close() error                         { return nil }

func (a *recordingAdapter) Send(_ context.Context, msg platform.OutboundMessage) (platform.MessageHandle, error) {
	if err := platform.CheckContent(a.Name(), a.caps, msg.Content); err != nil {
		return platform.MessageHandle{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return platform.MessageHandle{}, platform.NewTransportError(a.Name(), "send", a.sendErr)
	}

	a.nextID++
	a.sent = append(a.sent, sentMessage{Key: msg.Key, Content: msg.Content, ReplyTo: msg.ReplyTo})
	return platform.MessageHandle{Platform: a.Name(), Channel: msg.Key.Channel, ID: fmt.Sprint(a.nextID)}, nil
}

func (a *recordingAdapter) Edit(_ context.Context, handle platform.MessageHandle, _ platform.Content) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, handle)
	return nil
}

func (a *recordingAdapter) Delete(context.Context, platform.MessageHandle) error {
	return errors.New("not implemented")
}

func (a *recordingAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	texts := make([]string, 0, len(a.sent))
	for _, msg := range a.sent {
		texts = append(texts, msg.text())
	}
	return texts
}

type recordingEvents struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingEvents) PublishEvent(_ context.Context, event bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func (r *recordingEvents) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]bus.EventType, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

func (r *recordingEvents) has(eventType bus.EventType) bool {
	for _, got := range r.types() {
		if got == eventType {
			return true
		}
	}
	return false
}

// manualClock is a settable clock for deadline tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testKey(user string) platform.RoutingKey {
	return platform.NewKey("fake", "room-1", user)
}

func message(key platform.RoutingKey, text string) platform.InboundEvent {
	return platform.NewEvent(key, platform.KindMessage, text)
}

func exact(text string) func(platform.InboundEvent) bool {
	return func(ev platform.InboundEvent) bool {
		return ev.Kind == platform.KindMessage && ev.Text == text
	}
}

func quizCommand() Command {
	return Command{
		Name:    "quiz",
		Trigger: exact("start-quiz"),
		Factory: func() Handler {
			return HandlerFunc(func(_ context.Context, turn *Turn) Directive {
				switch {
				case turn.TimedOut():
					return Finish(platform.Text(TimeoutText))
				case turn.First():
					return Await(platform.Text("What is 2+2?"), []byte("asked"))
				case turn.Text() == "4":
					return Finish(platform.Text("Correct!"))
				default:
					return Await(platform.Text("Not quite, try again."), turn.State)
				}
			})
		},
	}
}

func newTestDispatcher(t *testing.T, adapter platform.Adapter, commands []Command, opts Options) *Dispatcher {
	t.Helper()

	d, err := New(adapter, commands, opts)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return d
}

func waitForTexts(t *testing.T, adapter *recordingAdapter, want int) []string {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(adapter.texts()) >= want
	}, 2*time.Second, 5*time.Millisecond, "expected %d sent messages", want)

	return adapter.texts()
}
