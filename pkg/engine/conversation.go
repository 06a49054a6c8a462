package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/pkg/platform"
)

// Status is a conversation's position in its state machine.
type Status string

const (
	StatusActive    Status = "active"
	StatusAwaiting  Status = "awaiting-input"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Conversation is one live run of a command for one routing key.
//
// Its state blob belongs to the command; the engine only stores it between
// turns and hands it back.
type Conversation struct {
	id        string
	key       platform.RoutingKey
	command   string
	scope     string
	createdAt time.Time
	ttl       time.Duration
	handler   Handler

	mu               sync.Mutex
	status           Status
	state            []byte
	lastActivity     time.Time
	deadline         time.Time
	turns            int
	sendErr          error
	timeoutDelivered bool
}

// Info is a point-in-time copy of a conversation's bookkeeping.
type Info struct {
	ID             string              `json:"id"`
	Key            platform.RoutingKey `json:"key"`
	Command        string              `json:"command"`
	Status         Status              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	Deadline       time.Time           `json:"deadline,omitzero"`
	Turns          int                 `json:"turns"`
}

func newConversation(cmd Command, key platform.RoutingKey, ttl time.Duration, now time.Time) *Conversation {
	if cmd.Deadline > 0 {
		ttl = cmd.Deadline
	}

	return &Conversation{
		id:           uuid.NewString(),
		key:          key,
		command:      cmd.Name,
		scope:        cmd.storageScope(),
		createdAt:    now,
		ttl:          ttl,
		handler:      cmd.Factory(),
		status:       StatusActive,
		lastActivity: now,
	}
}

func (c *Conversation) ID() string               { return c.id }
func (c *Conversation) Key() platform.RoutingKey { return c.key }
func (c *Conversation) Command() string          { return c.command }
func (c *Conversation) CreatedAt() time.Time     { return c.createdAt }

func (c *Conversation) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns a copy of the last state the handler left behind.
func (c *Conversation) State() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.state...)
}

func (c *Conversation) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Info{
		ID:             c.id,
		Key:            c.key,
		Command:        c.command,
		Status:         c.status,
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastActivity,
		Deadline:       c.deadline,
		Turns:          c.turns,
	}
}

type beginOutcome int

const (
	beginOK beginOutcome = iota
	// beginExpired: the deadline passed before this event arrived.
	beginExpired
	// beginGone: the conversation reached another terminal status.
	beginGone
)

// turnInput is what a starting turn needs from the conversation.
type turnInput struct {
	number  int
	state   []byte
	sendErr error
}

// begin moves the conversation to active for the next turn. A conversation
// found past its deadline is expired on the spot instead.
func (c *Conversation) begin(now time.Time) (beginOutcome, turnInput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.status == StatusActive && c.turns == 0:
	case c.status == StatusAwaiting:
		if c.pastDeadline(now) {
			c.status = StatusTimedOut
			return beginExpired, turnInput{}
		}
		c.status = StatusActive
	case c.status == StatusTimedOut:
		return beginExpired, turnInput{}
	default:
		return beginGone, turnInput{}
	}

	input := turnInput{
		number:  c.turns + 1,
		state:   append([]byte(nil), c.state...),
		sendErr: c.sendErr,
	}
	c.sendErr = nil
	return beginOK, input
}

// settle applies a directive. It returns false when the conversation was
// cancelled while the turn ran; the directive is then discarded.
func (c *Conversation) settle(d Directive, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusActive {
		return false
	}

	c.turns++
	c.lastActivity = now
	switch d.kind {
	case DirectiveAwait:
		c.status = StatusAwaiting
		c.state = append([]byte(nil), d.state...)
		c.deadline = now.Add(c.ttl)
	case DirectiveFinish, DirectiveComplete:
		c.status = StatusCompleted
	case DirectiveFail:
		c.status = StatusFailed
	}

	return true
}

// cancel moves any non-terminal conversation to cancelled.
func (c *Conversation) cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() {
		return false
	}
	c.status = StatusCancelled
	return true
}

// expire times out an awaiting conversation whose deadline has passed.
func (c *Conversation) expire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusAwaiting || !c.pastDeadline(now) {
		return false
	}
	c.status = StatusTimedOut
	return true
}

// claimTimeout returns true exactly once for a timed-out conversation, so the
// sweeper and an inline expiry never both deliver the timeout turn.
func (c *Conversation) claimTimeout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusTimedOut || c.timeoutDelivered {
		return false
	}
	c.timeoutDelivered = true
	return true
}

func (c *Conversation) recordSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conversation) pastDeadline(now time.Time) bool {
	return c.ttl > 0 && !c.deadline.IsZero() && !now.Before(c.deadline)
}
