// Package bot runs one platform adapter against the conversation engine and
// keeps the adapter connected.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parley/pkg/engine"
	"parley/pkg/platform"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// ReconnectPolicy bounds reconnect attempts after the adapter drops.
// MaxAttempts of zero or less retries forever.
type ReconnectPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}

	return p
}

// backoff is the wait before the given failed attempt, starting at 1.
func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}

	return delay
}

// State is a point-in-time view of the adapter connection.
type State struct {
	Connected bool   `json:"connected"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Options struct {
	Adapter   platform.Adapter
	Commands  []engine.Command
	Engine    engine.Options
	Reconnect ReconnectPolicy
	Logger    *slog.Logger
	// OnState is called on every connection state change.
	OnState func(name string, state State)
}

// Bot owns one adapter and its dispatcher.
type Bot struct {
	adapter    platform.Adapter
	dispatcher *engine.Dispatcher
	policy     ReconnectPolicy
	log        *slog.Logger
	onState    func(string, State)
	quit       chan struct{}
	quitOnce   sync.Once

	mu    sync.RWMutex
	state State
}

func New(opts Options) (*Bot, error) {
	if opts.Adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Engine.Logger == nil {
		opts.Engine.Logger = opts.Logger
	}

	dispatcher, err := engine.New(opts.Adapter, opts.Commands, opts.Engine)
	if err != nil {
		return nil, fmt.Errorf("build %s dispatcher: %w", opts.Adapter.Name(), err)
	}

	return &Bot{
		adapter:    opts.Adapter,
		dispatcher: dispatcher,
		policy:     opts.Reconnect.withDefaults(),
		log:        opts.Logger.With("component", "bot", "platform", opts.Adapter.Name()),
		onState:    opts.OnState,
		quit:       make(chan struct{}),
	}, nil
}

func (b *Bot) Name() string {
	return b.adapter.Name()
}

func (b *Bot) Dispatcher() *engine.Dispatcher {
	return b.dispatcher
}

func (b *Bot) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Run connects the adapter and feeds its events to the dispatcher until ctx
// ends. A dropped connection is re-established with exponential backoff; Run
// gives up with a connection error after MaxAttempts consecutive failures.
func (b *Bot) Run(ctx context.Context) error {
	b.dispatcher.Start()

	failures := 0
	for {
		if b.stopped(ctx) {
			return nil
		}

		err := b.adapter.Connect(ctx)
		if err == nil {
			failures = 0
			b.setState(State{Connected: true})
			b.log.Info("Platform connected")

			b.consume(ctx, b.adapter.Events())
			if b.stopped(ctx) {
				b.setState(State{})
				return nil
			}
			err = platform.NewConnectionError(b.Name(), errors.New("event stream closed"))
		}
		if b.stopped(ctx) {
			b.setState(State{})
			return nil
		}

		failures++
		b.setState(State{Attempts: failures, Error: err.Error()})
		if b.policy.MaxAttempts > 0 && failures >= b.policy.MaxAttempts {
			b.log.Error("Giving up on platform", "attempts", failures, "error", err, "error_category", platform.CategoryFromError(err))
			return fmt.Errorf("connect %s after %d attempts: %w", b.Name(), failures, err)
		}

		delay := b.policy.backoff(failures)
		b.log.Warn("Platform disconnected, reconnecting",
			"attempt", failures,
			"backoff", delay.String(),
			"error", err,
			"error_category", platform.CategoryFromError(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.setState(State{})
			return nil
		case <-b.quit:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// stopped reports whether Run should return instead of reconnecting.
func (b *Bot) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-b.quit:
		return true
	default:
		return false
	}
}

func (b *Bot) consume(ctx context.Context, events <-chan platform.InboundEvent) {
	if events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.dispatcher.Dispatch(ev); err != nil {
				if errors.Is(err, engine.ErrDispatcherClosed) {
					return
				}
				b.log.Warn("Rejected inbound event", "error", err, "routing_key", ev.Key.String())
			}
		}
	}
}

// Shutdown stops reading events, drains the dispatcher and closes the adapter
// last, so replies of turns still running go out. A running Run returns
// instead of reconnecting.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.quitOnce.Do(func() { close(b.quit) })

	err := b.dispatcher.Shutdown(ctx)
	closeErr := b.adapter.Close()
	if closeErr != nil {
		b.log.Warn("Failed to close platform", "error", closeErr)
	}

	b.setState(State{})
	return errors.Join(err, closeErr)
}

func (b *Bot) setState(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()

	if b.onState != nil {
		b.onState(b.Name(), state)
	}
}
