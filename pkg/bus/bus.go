package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus moves messages between an in-process front end and a platform
// adapter, and fans out conversation lifecycle events to observers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextSubID   uint64

	done      chan struct{}
	closeOnce sync.Once
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

// NewMessageBusWithBuffer sizes the inbound and outbound queues.
func NewMessageBusWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:     make(chan InboundMessage, size),
		outbound:    make(chan OutboundMessage, size),
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

// PublishInbound queues a message typed by the user. It returns false once
// ctx ends or the bus is closed.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	return enqueue(ctx, mb.done, mb.inbound, msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return dequeue(ctx, mb.done, mb.inbound)
}

// PublishOutbound queues a rendering instruction for the front end.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	return enqueue(ctx, mb.done, mb.outbound, msg)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return dequeue(ctx, mb.done, mb.outbound)
}

// Done is closed once the bus is closed.
func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

// Close stops every queue and closes all event subscriptions. Messages still
// buffered are discarded.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		defer mb.mu.Unlock()
		for id, ch := range mb.subscribers {
			close(ch)
			delete(mb.subscribers, id)
		}
	})
}

// enqueue refuses new work after close even when the queue has room.
func enqueue[T any](ctx context.Context, done <-chan struct{}, queue chan<- T, value T) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil || closed(done) {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case queue <- value:
		return true
	}
}

func dequeue[T any](ctx context.Context, done <-chan struct{}, queue <-chan T) (T, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case value := <-queue:
		return value, true
	}
}

func closed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
