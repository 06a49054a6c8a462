package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"parley/pkg/integration"
	"parley/pkg/platform"
	"parley/pkg/storage"
)

// Command is one registered automation. The command list handed to the
// dispatcher is copied and never changes afterwards.
type Command struct {
	Name        string
	Description string
	// Trigger decides whether an event with no live conversation starts this
	// command. Commands are tried in registration order; the first match wins.
	Trigger func(platform.InboundEvent) bool
	// Factory builds the handler for one conversation. It is called once per
	// conversation.
	Factory func() Handler
	// Deadline overrides the engine-wide inactivity deadline when positive.
	Deadline time.Duration
	// StorageScope names the storage namespace the command's turns see.
	// Commands sharing data use the same scope; empty means Name.
	StorageScope string
}

func (c Command) storageScope() string {
	if scope := strings.TrimSpace(c.StorageScope); scope != "" {
		return scope
	}

	return c.Name
}

func (c Command) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("command name is required")
	}
	if c.Trigger == nil {
		return fmt.Errorf("command %s: trigger is required", c.Name)
	}
	if c.Factory == nil {
		return fmt.Errorf("command %s: factory is required", c.Name)
	}

	return nil
}

// Handler runs one turn of a conversation and says what happens next.
//
// Handlers must not keep call-stack context between turns: everything needed
// later goes into the state returned with Await, which comes back in
// Turn.State on the next turn.
type Handler interface {
	Handle(ctx context.Context, turn *Turn) Directive
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, turn *Turn) Directive

func (f HandlerFunc) Handle(ctx context.Context, turn *Turn) Directive {
	return f(ctx, turn)
}

// DirectiveKind enumerates the ways a turn can end.
type DirectiveKind int

const (
	// DirectiveAwait replies (optionally) and waits for the next event.
	DirectiveAwait DirectiveKind = iota
	// DirectiveFinish replies and completes the conversation.
	DirectiveFinish
	// DirectiveComplete completes the conversation silently.
	DirectiveComplete
	// DirectiveFail terminates the conversation as failed.
	DirectiveFail
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveAwait:
		return "await"
	case DirectiveFinish:
		return "finish"
	case DirectiveComplete:
		return "complete"
	case DirectiveFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Directive is a handler's instruction to the engine after one turn.
type Directive struct {
	kind  DirectiveKind
	reply platform.Content
	state []byte
	err   error
}

// Await sends reply (nil sends nothing) and suspends with state until the
// next event for the same routing key.
func Await(reply platform.Content, state []byte) Directive {
	return Directive{kind: DirectiveAwait, reply: reply, state: append([]byte(nil), state...)}
}

// Finish sends reply and completes the conversation.
func Finish(reply platform.Content) Directive {
	return Directive{kind: DirectiveFinish, reply: reply}
}

// Complete ends the conversation without a reply.
func Complete() Directive {
	return Directive{kind: DirectiveComplete}
}

// Fail ends the conversation as failed. The user gets a generic failure
// message.
func Fail(err error) Directive {
	if err == nil {
		err = errors.New("handler failed")
	}

	return Directive{kind: DirectiveFail, err: err}
}

// FailWith is Fail with a custom final message.
func FailWith(reply platform.Content, err error) Directive {
	d := Fail(err)
	d.reply = reply
	return d
}

func (d Directive) Kind() DirectiveKind     { return d.kind }
func (d Directive) Reply() platform.Content { return d.reply }
func (d Directive) Err() error              { return d.err }

// State returns a copy of the state carried by an Await directive.
func (d Directive) State() []byte {
	return append([]byte(nil), d.state...)
}

// Sender delivers outbound content for a turn.
type Sender interface {
	Send(ctx context.Context, key platform.RoutingKey, content platform.Content, replyTo string) (platform.MessageHandle, error)
	Edit(ctx context.Context, handle platform.MessageHandle, content platform.Content) error
	Delete(ctx context.Context, handle platform.MessageHandle) error
}

// Turn is everything a handler sees for one event.
type Turn struct {
	ConversationID string
	Key            platform.RoutingKey
	Command        string
	CreatedAt      time.Time
	// Number counts turns from 1.
	Number int
	Event  platform.InboundEvent
	// State is the blob returned by the previous Await, nil on the first turn.
	State []byte
	// SendErr is the error from delivering the previous turn's reply, if any.
	SendErr error
	// Storage is scoped to this bot and command; nil when the bot has no store.
	Storage      *storage.Scoped
	Integrations *integration.Registry
	Capabilities platform.Capabilities

	sender Sender
}

// Send delivers content now, before the directive's reply. Unsupported content
// fails with platform.ErrUnsupportedCapability and the handler decides the
// fallback.
func (t *Turn) Send(ctx context.Context, content platform.Content) (platform.MessageHandle, error) {
	return t.sender.Send(ctx, t.Key, content, t.Event.MessageID)
}

func (t *Turn) Edit(ctx context.Context, handle platform.MessageHandle, content platform.Content) error {
	return t.sender.Edit(ctx, handle, content)
}

func (t *Turn) Delete(ctx context.Context, handle platform.MessageHandle) error {
	return t.sender.Delete(ctx, handle)
}

// Text is the trimmed event text.
func (t *Turn) Text() string {
	return strings.TrimSpace(t.Event.Text)
}

// First reports whether this is the conversation's opening turn.
func (t *Turn) First() bool {
	return t.Number == 1
}

// TimedOut reports whether this is the synthetic delivery after the deadline.
func (t *Turn) TimedOut() bool {
	return t.Event.Kind == platform.KindTimeout
}
