// Package local is an in-process platform backed by the message bus. The
// terminal chat and the tests drive it.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"parley/pkg/bus"
	"parley/pkg/config"
	"parley/pkg/platform"
)

const platformName = "local"

const eventBuffer = 64

var errBusClosed = errors.New("message bus closed")

// Adapter turns bus inbound messages into platform events and renders replies
// as bus outbound messages.
type Adapter struct {
	bus    *bus.MessageBus
	chatID string
	userID string
	caps   platform.Capabilities
	log    *slog.Logger

	mu     sync.Mutex
	events chan platform.InboundEvent
	stop   context.CancelFunc
	done   chan struct{}
}

func New(cfg config.LocalConfig, messageBus *bus.MessageBus, log *slog.Logger) (*Adapter, error) {
	if messageBus == nil {
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	chatID := strings.TrimSpace(cfg.ChatID)
	if chatID == "" {
		chatID = "terminal"
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		userID = "you"
	}

	return &Adapter{
		bus:    messageBus,
		chatID: chatID,
		userID: userID,
		caps: platform.Capabilities{
			Audio:       cfg.Audio,
			Edit:        true,
			Delete:      true,
			Reactions:   true,
			Attachments: true,
		},
		log: log.With("component", "platform.local"),
	}, nil
}

func (a *Adapter) Name() string {
	return platformName
}

func (a *Adapter) Capabilities() platform.Capabilities {
	return a.caps
}

// Connect starts pumping bus messages into a fresh event stream until ctx ends
// or the bus closes. A previous stream is stopped first.
func (a *Adapter) Connect(ctx context.Context) error {
	select {
	case <-a.bus.Done():
		return platform.NewConnectionError(platformName, errBusClosed)
	default:
	}

	a.stopPump()

	pumpCtx, cancel := context.WithCancel(ctx)
	events := make(chan platform.InboundEvent, eventBuffer)
	done := make(chan struct{})

	a.mu.Lock()
	a.events = events
	a.stop = cancel
	a.done = done
	a.mu.Unlock()

	go a.pump(pumpCtx, events, done)
	a.log.Info("Local platform connected", "chat_id", a.chatID, "user_id", a.userID)
	return nil
}

func (a *Adapter) pump(ctx context.Context, events chan<- platform.InboundEvent, done chan<- struct{}) {
	defer close(done)
	defer close(events)

	for {
		msg, ok := a.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		select {
		case events <- a.toEvent(msg):
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) toEvent(msg bus.InboundMessage) platform.InboundEvent {
	chatID := strings.TrimSpace(msg.ChatID)
	if chatID == "" {
		chatID = a.chatID
	}
	senderID := strings.TrimSpace(msg.SenderID)
	if senderID == "" {
		senderID = a.userID
	}
	kind := platform.Kind(strings.TrimSpace(msg.Kind))
	if kind == "" || kind == platform.KindTimeout {
		kind = platform.KindMessage
	}
	id := strings.TrimSpace(msg.ID)
	if id == "" {
		id = uuid.NewString()
	}

	ev := platform.NewEvent(platform.NewKey(platformName, chatID, senderID), kind, msg.Content)
	ev.ID = id
	ev.MessageID = id
	ev.Target = msg.Target
	if len(msg.Payload) > 0 {
		ev = ev.WithPayload(msg.Payload)
	}

	return ev
}

func (a *Adapter) Events() <-chan platform.InboundEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

func (a *Adapter) Send(ctx context.Context, msg platform.OutboundMessage) (platform.MessageHandle, error) {
	if err := platform.CheckContent(platformName, a.caps, msg.Content); err != nil {
		return platform.MessageHandle{}, err
	}

	content, err := render(msg.Content)
	if err != nil {
		return platform.MessageHandle{}, platform.NewTransportError(platformName, "send", err)
	}

	out := bus.OutboundMessage{
		Op:        bus.OpSend,
		MessageID: uuid.NewString(),
		ChatID:    msg.Key.Channel,
		Kind:      string(msg.Content.ContentKind()),
		Content:   content,
		ReplyTo:   msg.ReplyTo,
	}
	if !a.bus.PublishOutbound(ctx, out) {
		return platform.MessageHandle{}, platform.NewTransportError(platformName, "send", publishErr(ctx))
	}

	return platform.MessageHandle{Platform: platformName, Channel: out.ChatID, ID: out.MessageID}, nil
}

func (a *Adapter) Edit(ctx context.Context, handle platform.MessageHandle, content platform.Content) error {
	if err := platform.CheckContent(platformName, a.caps, content); err != nil {
		return err
	}
	text, err := render(content)
	if err != nil {
		return platform.NewTransportError(platformName, "edit", err)
	}

	out := bus.OutboundMessage{
		Op:        bus.OpEdit,
		MessageID: handle.ID,
		ChatID:    handle.Channel,
		Kind:      string(content.ContentKind()),
		Content:   text,
	}
	if !a.bus.PublishOutbound(ctx, out) {
		return platform.NewTransportError(platformName, "edit", publishErr(ctx))
	}

	return nil
}

func (a *Adapter) Delete(ctx context.Context, handle platform.MessageHandle) error {
	out := bus.OutboundMessage{Op: bus.OpDelete, MessageID: handle.ID, ChatID: handle.Channel}
	if !a.bus.PublishOutbound(ctx, out) {
		return platform.NewTransportError(platformName, "delete", publishErr(ctx))
	}

	return nil
}

// Close stops the pump and waits for the event stream to close. The bus is
// owned by the caller and stays open.
func (a *Adapter) Close() error {
	a.stopPump()
	return nil
}

func (a *Adapter) stopPump() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

// render turns content into the single line the terminal shows. Audio streams
// are drained so producers are never left blocked.
func render(content platform.Content) (string, error) {
	switch c := content.(type) {
	case platform.Text:
		return string(c), nil
	case platform.Audio:
		var size int64
		if c.Stream != nil {
			n, err := io.Copy(io.Discard, c.Stream)
			if err != nil {
				return "", fmt.Errorf("read audio stream: %w", err)
			}
			size = n
		}
		return fmt.Sprintf("♪ %s (%d bytes)", strings.TrimSpace(c.Title), size), nil
	case platform.Attachment:
		return fmt.Sprintf("📎 %s (%s, %d bytes)", c.Name, c.MIME, len(c.Data)), nil
	default:
		return "", fmt.Errorf("unknown content kind %q", content.ContentKind())
	}
}

func publishErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return errBusClosed
}
