package platform

import (
	"context"
	"io"
	"strings"
	"time"
)

// Kind classifies a normalized inbound event.
type Kind string

const (
	KindMessage    Kind = "message"
	KindReaction   Kind = "reaction"
	KindAudioFrame Kind = "audio-frame"
	KindJoin       Kind = "join"
	KindLeave      Kind = "leave"

	// KindTimeout is never produced by adapters. The engine synthesizes it when a
	// conversation's deadline elapses.
	KindTimeout Kind = "timeout"
)

// RoutingKey identifies the slot a conversation occupies.
type RoutingKey struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	Token    string `json:"token,omitempty"`
}

// NewKey builds a routing key with trimmed components.
func NewKey(platformName string, channel string, user string) RoutingKey {
	return RoutingKey{
		Platform: strings.TrimSpace(platformName),
		Channel:  strings.TrimSpace(channel),
		User:     strings.TrimSpace(user),
	}
}

// WithToken returns a copy of the key bound to an explicit conversation token.
func (k RoutingKey) WithToken(token string) RoutingKey {
	k.Token = strings.TrimSpace(token)
	return k
}

// Slot is the key with its token cleared. Conversations are registered by slot,
// so events that differ only by token land in the same conversation.
func (k RoutingKey) Slot() RoutingKey {
	k.Token = ""
	return k
}

func (k RoutingKey) IsZero() bool {
	return k == RoutingKey{}
}

func (k RoutingKey) String() string {
	key := k.Platform + ":" + k.Channel + ":" + k.User
	if k.Token != "" {
		key += "#" + k.Token
	}

	return key
}

// InboundEvent is one normalized event received from a platform.
//
// Values are immutable once built: the payload is copied on the way in and on
// the way out, every other field is a value.
type InboundEvent struct {
	// ID is the platform-assigned event id, used to drop redeliveries.
	ID string
	// MessageID is the platform message the event carries, if any.
	MessageID string
	Key       RoutingKey
	Kind      Kind
	// Text is the message body, or the reaction key for reactions.
	Text string
	// Target is the message a reaction refers to.
	Target     string
	ReceivedAt time.Time

	payload []byte
}

// NewEvent builds an event stamped with the current time.
func NewEvent(key RoutingKey, kind Kind, text string) InboundEvent {
	return InboundEvent{
		Key:        key,
		Kind:       kind,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
}

// WithPayload returns a copy of the event carrying raw payload bytes (for
// example an audio frame).
func (e InboundEvent) WithPayload(payload []byte) InboundEvent {
	e.payload = append([]byte(nil), payload...)
	return e
}

// Payload returns a copy of the raw payload.
func (e InboundEvent) Payload() []byte {
	if len(e.payload) == 0 {
		return nil
	}

	return append([]byte(nil), e.payload...)
}

func (e InboundEvent) Platform() string {
	return e.Key.Platform
}

// ContentKind names the closed set of outbound content variants.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentAudio      ContentKind = "audio-stream"
	ContentAttachment ContentKind = "attachment"
)

// Content is one of Text, Audio or Attachment.
type Content interface {
	ContentKind() ContentKind
}

// Text is plain message text.
type Text string

func (Text) ContentKind() ContentKind { return ContentText }

// Audio is a stream played into a voice channel.
type Audio struct {
	Title  string
	Stream io.Reader
}

func (Audio) ContentKind() ContentKind { return ContentAudio }

// Attachment is a file sent alongside the conversation.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

func (Attachment) ContentKind() ContentKind { return ContentAttachment }

// OutboundMessage is one normalized message to deliver.
type OutboundMessage struct {
	Key     RoutingKey
	Content Content
	// ReplyTo is the platform message id being answered, if any.
	ReplyTo string
}

// MessageHandle references a delivered message for later edit or delete.
type MessageHandle struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	ID       string `json:"id"`
}

func (h MessageHandle) IsZero() bool {
	return h.ID == ""
}

// Capabilities describes what an adapter can render or do.
type Capabilities struct {
	Audio       bool `json:"audio"`
	Edit        bool `json:"edit"`
	Delete      bool `json:"delete"`
	Reactions   bool `json:"reactions"`
	Attachments bool `json:"attachments"`
	// MaxTextLength is the longest text a single message may carry; zero means
	// unlimited.
	MaxTextLength int `json:"max_text_length,omitempty"`
}

// Supports reports whether a content kind can be sent.
func (c Capabilities) Supports(kind ContentKind) bool {
	switch kind {
	case ContentText:
		return true
	case ContentAudio:
		return c.Audio
	case ContentAttachment:
		return c.Attachments
	default:
		return false
	}
}

// Adapter bridges one chat service into the engine.
//
// Connect establishes the transport and starts a fresh event stream; Events
// returns that stream, which is closed when the transport stops. A closed stream
// is only restarted by calling Connect again. Adapters deliver events for one
// routing key in the order the platform produced them.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Events() <-chan InboundEvent
	Send(ctx context.Context, msg OutboundMessage) (MessageHandle, error)
	Edit(ctx context.Context, handle MessageHandle, content Content) error
	Delete(ctx context.Context, handle MessageHandle) error
	Capabilities() Capabilities
	Close() error
}
