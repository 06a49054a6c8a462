package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventConversationStarted   EventType = "conversation_started"
	EventConversationResumed   EventType = "conversation_resumed"
	EventConversationCompleted EventType = "conversation_completed"
	EventConversationFailed    EventType = "conversation_failed"
	EventConversationTimedOut  EventType = "conversation_timed_out"
	EventConversationCancelled EventType = "conversation_cancelled"
	EventDropped               EventType = "event_dropped"
	EventSendFailed            EventType = "send_failed"
)

// Event is one conversation lifecycle notification.
type Event struct {
	Type           EventType `json:"type"`
	At             time.Time `json:"at"`
	Platform       string    `json:"platform,omitempty"`
	RoutingKey     string    `json:"routing_key,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Command        string    `json:"command,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Terminal reports whether the event ends a conversation.
func (t EventType) Terminal() bool {
	switch t {
	case EventConversationCompleted, EventConversationFailed, EventConversationTimedOut, EventConversationCancelled:
		return true
	default:
		return false
	}
}

// PublishEvent fans event out to every subscriber. Subscribers whose buffer
// is full miss the event; the publisher never blocks on them.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil || closed(mb.done) {
		return false
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// SubscribeEvents registers a buffered subscription that lives until ctx ends,
// the bus closes, or the returned cancel func is called. The channel is closed
// when the subscription ends.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	if closed(mb.done) {
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := mb.nextSubID
	mb.nextSubID++
	mb.subscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { mb.unsubscribe(id) })
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-mb.done:
		}
		unsubscribe()
	}()

	return ch, unsubscribe
}

func (mb *MessageBus) unsubscribe(id uint64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if ch, ok := mb.subscribers[id]; ok {
		delete(mb.subscribers, id)
		close(ch)
	}
}
