package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"parley/pkg/bus"
	"parley/pkg/config"
	"parley/pkg/integration"
	"parley/pkg/platform"
	"parley/pkg/storage"
)

const (
	defaultWorkers       = 16
	defaultSweepInterval = 5 * time.Second
	defaultDeadline      = 3 * time.Minute
	defaultRetryAttempts = 3
	// sendTimeout bounds one outbound delivery, independent of the turn's
	// own budget.
	sendTimeout = 10 * time.Second

	FailureText = "Sorry, something went wrong."
	TimeoutText = "Conversation expired."
	CancelText  = "Cancelled."
)

// EventPublisher receives conversation lifecycle events. *bus.MessageBus
// implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// Options tunes a Dispatcher. Zero values fall back to defaults.
type Options struct {
	BotID         string
	Workers       int
	Shards        int
	SweepInterval time.Duration
	Deadline      time.Duration
	// TurnTimeout bounds one handler call; zero leaves turns unbounded.
	TurnTimeout time.Duration
	// CancelPhrase cancels the live conversation for the sender; empty disables it.
	CancelPhrase string
	// DedupeWindow drops events whose platform id was seen within the window.
	DedupeWindow  time.Duration
	RetryAttempts int

	Store        storage.Store
	Integrations *integration.Registry
	Events       EventPublisher
	Logger       *slog.Logger
	Clock        func() time.Time
}

// OptionsFromConfig maps the engine config section onto Options.
func OptionsFromConfig(botID string, cfg config.EngineConfig) Options {
	return Options{
		BotID:         botID,
		Workers:       cfg.Workers,
		Shards:        cfg.RegistryShards,
		SweepInterval: cfg.SweepInterval.Std(),
		Deadline:      cfg.Deadline.Std(),
		TurnTimeout:   cfg.TurnTimeout.Std(),
		CancelPhrase:  cfg.CancelPhrase,
		DedupeWindow:  cfg.DedupeWindow.Std(),
	}
}

func (o *Options) applyDefaults() {
	if strings.TrimSpace(o.BotID) == "" {
		o.BotID = "parley"
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.Shards <= 0 {
		o.Shards = defaultShards
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.Deadline <= 0 {
		o.Deadline = defaultDeadline
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = defaultRetryAttempts
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.CancelPhrase = strings.TrimSpace(o.CancelPhrase)
}

// Dispatcher routes inbound events to conversations.
//
// Every routing slot gets a lane: a FIFO drained by at most one goroutine, so
// events for one key run in arrival order and never overlap while different
// keys run in parallel, bounded by Workers.
type Dispatcher struct {
	commands     []Command
	registry     *Registry
	outbox       *outbox
	store        storage.Store
	integrations *integration.Registry
	events       EventPublisher
	opts         Options
	log          *slog.Logger
	dedupe       *dedupe

	lanes []*laneShard
	slots chan struct{}
	wg    sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc

	closeMu     sync.RWMutex
	closed      atomic.Bool
	startOnce   sync.Once
	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

type job struct {
	event platform.InboundEvent
	// receivedAt is the dispatcher clock when the event was queued; deadlines
	// are judged against it, not against when a worker picks the job up.
	receivedAt time.Time
	expired    *Conversation
}

type lane struct {
	queue []job
}

type laneShard struct {
	mu    sync.Mutex
	lanes map[platform.RoutingKey]*lane
}

// New builds a dispatcher for one adapter. The command list is copied.
func New(adapter platform.Adapter, commands []Command, opts Options) (*Dispatcher, error) {
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}

	seen := make(map[string]struct{}, len(commands))
	for _, cmd := range commands {
		if err := cmd.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[cmd.Name]; dup {
			return nil, fmt.Errorf("command %s registered twice", cmd.Name)
		}
		seen[cmd.Name] = struct{}{}
	}

	opts.applyDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.With("component", "engine.dispatcher", "platform", adapter.Name())

	d := &Dispatcher{
		commands:     append([]Command(nil), commands...),
		registry:     NewRegistry(opts.Shards),
		outbox:       &outbox{adapter: adapter},
		store:        opts.Store,
		integrations: opts.Integrations,
		events:       opts.Events,
		opts:         opts,
		log:          log,
		lanes:        make([]*laneShard, opts.Shards),
		slots:        make(chan struct{}, opts.Workers),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = &laneShard{lanes: make(map[platform.RoutingKey]*lane)}
	}
	if opts.DedupeWindow > 0 {
		d.dedupe = newDedupe(opts.DedupeWindow, 0, opts.Clock)
	}
	d.registry.whenIdle = d.whenIdle
	d.sweepCtx, d.sweepCancel = context.WithCancel(baseCtx)
	d.sweepDone = make(chan struct{})

	return d, nil
}

// Start launches the registry sweeper. It is safe to call more than once, and
// concurrently with Shutdown.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go func() {
			defer close(d.sweepDone)
			d.registry.Run(d.sweepCtx, d.opts.SweepInterval, d.opts.Clock, d.enqueueTimeout)
		}()
	})
}

// Commands returns a copy of the registered command list.
func (d *Dispatcher) Commands() []Command {
	return append([]Command(nil), d.commands...)
}

// Live counts registered conversations.
func (d *Dispatcher) Live() int {
	return d.registry.Len()
}

// Conversations returns Info for every registered conversation.
func (d *Dispatcher) Conversations() []Info {
	return d.registry.Snapshot()
}

// Dispatch queues ev on its routing slot's lane and returns immediately.
func (d *Dispatcher) Dispatch(ev platform.InboundEvent) error {
	if ev.Key.IsZero() {
		return errors.New("event has no routing key")
	}
	if ev.Kind == platform.KindTimeout {
		return errors.New("timeout events are engine-generated")
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed.Load() {
		return ErrDispatcherClosed
	}

	if d.dedupe != nil && ev.ID != "" && d.dedupe.checkAndMark(ev.Platform()+":"+ev.ID) {
		d.log.Debug("Dropping duplicate event", "event_id", ev.ID, "routing_key", ev.Key.String())
		return nil
	}

	d.enqueue(ev.Key.Slot(), job{event: ev})
	return nil
}

func (d *Dispatcher) enqueueTimeout(conv *Conversation) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed.Load() {
		return
	}

	d.enqueue(conv.Key().Slot(), job{expired: conv})
}

// enqueue must be called with closeMu read-locked.
func (d *Dispatcher) enqueue(key platform.RoutingKey, j job) {
	shard := d.laneShard(key)

	shard.mu.Lock()
	l, running := shard.lanes[key]
	if !running {
		l = &lane{}
		shard.lanes[key] = l
	}
	if j.expired == nil {
		j.receivedAt = d.opts.Clock()
	}
	l.queue = append(l.queue, j)
	if running {
		shard.mu.Unlock()
		return
	}
	d.wg.Add(1)
	shard.mu.Unlock()

	go d.drain(key, shard)
}

func (d *Dispatcher) laneShard(key platform.RoutingKey) *laneShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return d.lanes[h.Sum32()%uint32(len(d.lanes))]
}

// whenIdle runs fn only while key has no queued or running events, holding the
// lane lock so nothing can be queued in between. A busy slot is left to its
// lane, which judges the deadline against each event's arrival.
func (d *Dispatcher) whenIdle(key platform.RoutingKey, fn func() bool) bool {
	shard := d.laneShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, busy := shard.lanes[key]; busy {
		return false
	}

	return fn()
}

// drain runs one lane until its queue is empty. The lane map entry exists
// exactly while a drain goroutine owns it.
func (d *Dispatcher) drain(key platform.RoutingKey, shard *laneShard) {
	defer d.wg.Done()

	for {
		shard.mu.Lock()
		l := shard.lanes[key]
		if len(l.queue) == 0 {
			delete(shard.lanes, key)
			shard.mu.Unlock()
			return
		}
		next := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		shard.mu.Unlock()

		if d.closed.Load() && next.expired == nil {
			d.log.Debug("Dropping queued event during shutdown", "routing_key", key.String())
			continue
		}

		d.slots <- struct{}{}
		if next.expired != nil {
			d.deliverTimeout(next.expired)
		} else {
			d.route(next.event, next.receivedAt)
		}
		<-d.slots
	}
}

// route runs ev against the slot's conversation, or starts one. receivedAt
// decides whether an awaiting conversation had already expired.
func (d *Dispatcher) route(ev platform.InboundEvent, receivedAt time.Time) {
	key := ev.Key.Slot()
	log := d.log.With("routing_key", key.String(), "event_kind", string(ev.Kind))

	if d.isCancelPhrase(ev) {
		if conv, ok := d.registry.Lookup(key); ok && d.cancel(conv, "cancel phrase") {
			d.sendBestEffort(key, platform.Text(CancelText), ev.MessageID)
			return
		}
	}

	for attempt := 0; attempt < d.opts.RetryAttempts; attempt++ {
		if conv, ok := d.registry.Lookup(key); ok {
			outcome, input := conv.begin(receivedAt)
			switch outcome {
			case beginOK:
				d.publish(bus.EventConversationResumed, conv, nil)
				d.runTurn(conv, ev, input)
				return
			case beginExpired:
				d.registry.Unregister(key, conv)
				d.deliverTimeout(conv)
			default:
				d.registry.Unregister(key, conv)
			}
			continue
		}

		cmd, ok := d.match(ev)
		if !ok {
			log.Debug("No command matched, dropping event")
			d.publishKey(bus.EventDropped, key, "", "", nil)
			return
		}

		conv := newConversation(cmd, key, d.opts.Deadline, d.opts.Clock())
		if err := d.registry.Register(key, conv); err != nil {
			log.Debug("Routing slot taken, retrying lookup", "command", cmd.Name, "attempt", attempt+1)
			continue
		}

		outcome, input := conv.begin(d.opts.Clock())
		if outcome != beginOK {
			d.registry.Unregister(key, conv)
			continue
		}

		log.Debug("Conversation started", "command", cmd.Name, "conversation_id", conv.ID())
		d.publish(bus.EventConversationStarted, conv, nil)
		d.runTurn(conv, ev, input)
		return
	}

	log.Warn("Giving up routing event after retries", "attempts", d.opts.RetryAttempts, "error_category", ErrorSlotOccupied)
}

func (d *Dispatcher) match(ev platform.InboundEvent) (cmd Command, ok bool) {
	for _, candidate := range d.commands {
		if d.triggers(candidate, ev) {
			return candidate, true
		}
	}

	return Command{}, false
}

func (d *Dispatcher) triggers(cmd Command, ev platform.InboundEvent) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Command trigger panicked", "command", cmd.Name, "panic", r)
			matched = false
		}
	}()

	return cmd.Trigger(ev)
}

func (d *Dispatcher) isCancelPhrase(ev platform.InboundEvent) bool {
	return d.opts.CancelPhrase != "" &&
		ev.Kind == platform.KindMessage &&
		strings.EqualFold(strings.TrimSpace(ev.Text), d.opts.CancelPhrase)
}

func (d *Dispatcher) newTurn(conv *Conversation, ev platform.InboundEvent, input turnInput) *Turn {
	return &Turn{
		ConversationID: conv.ID(),
		Key:            ev.Key,
		Command:        conv.Command(),
		CreatedAt:      conv.CreatedAt(),
		Number:         input.number,
		Event:          ev,
		State:          input.state,
		SendErr:        input.sendErr,
		Storage:        storage.Scope(d.store, d.opts.BotID, conv.scope),
		Integrations:   d.integrations,
		Capabilities:   d.outbox.adapter.Capabilities(),
		sender:         d.outbox,
	}
}

func (d *Dispatcher) turnContext() (context.Context, context.CancelFunc) {
	if d.opts.TurnTimeout > 0 {
		return context.WithTimeout(d.baseCtx, d.opts.TurnTimeout)
	}

	return context.WithCancel(d.baseCtx)
}

func (d *Dispatcher) runTurn(conv *Conversation, ev platform.InboundEvent, input turnInput) {
	ctx, cancel := d.turnContext()
	defer cancel()

	turn := d.newTurn(conv, ev, input)
	directive := d.invoke(ctx, conv, turn)
	d.apply(conv, ev, directive)
}

// invoke runs the handler, converting a panic into a Fail directive.
func (d *Dispatcher) invoke(ctx context.Context, conv *Conversation, turn *Turn) (directive Directive) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler panicked",
				"command", conv.Command(),
				"conversation_id", conv.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			directive = Fail(fmt.Errorf("panic: %v", r))
		}
	}()

	return conv.handler.Handle(ctx, turn)
}

// sendContext bounds one delivery. It derives from the dispatcher rather than
// the turn, so a handler that used up its turn budget still gets its reply out.
func (d *Dispatcher) sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(d.baseCtx, sendTimeout)
}

func (d *Dispatcher) apply(conv *Conversation, ev platform.InboundEvent, directive Directive) {
	log := d.log.With("routing_key", conv.Key().String(), "command", conv.Command(), "conversation_id", conv.ID())

	if !conv.settle(directive, d.opts.Clock()) {
		log.Debug("Discarding directive for cancelled conversation", "directive", directive.Kind().String())
		return
	}

	switch directive.Kind() {
	case DirectiveAwait:
		if directive.Reply() == nil {
			return
		}
		ctx, cancel := d.sendContext()
		defer cancel()
		if _, err := d.outbox.Send(ctx, ev.Key, directive.Reply(), ev.MessageID); err != nil {
			conv.recordSendErr(err)
			log.Warn("Reply failed, conversation continues", "error", err, "error_category", Category(err))
			d.publish(bus.EventSendFailed, conv, err)
		}

	case DirectiveFinish, DirectiveComplete:
		d.registry.Unregister(conv.Key(), conv)
		if reply := directive.Reply(); reply != nil {
			ctx, cancel := d.sendContext()
			defer cancel()
			if _, err := d.outbox.Send(ctx, ev.Key, reply, ev.MessageID); err != nil {
				log.Warn("Final reply failed", "error", err, "error_category", Category(err))
				d.publish(bus.EventSendFailed, conv, err)
			}
		}
		log.Debug("Conversation completed")
		d.publish(bus.EventConversationCompleted, conv, nil)

	case DirectiveFail:
		d.registry.Unregister(conv.Key(), conv)
		failure := &HandlerFailure{Command: conv.Command(), ConversationID: conv.ID(), Reason: directive.Err()}
		log.Error("Conversation failed", "error", failure, "error_category", Category(failure))

		reply := directive.Reply()
		if reply == nil {
			reply = platform.Text(FailureText)
		}
		d.sendBestEffort(ev.Key, reply, ev.MessageID)
		d.publish(bus.EventConversationFailed, conv, failure)
	}
}

// deliverTimeout gives an expired conversation its synthetic timeout turn and
// sends the final message. Delivery failures are logged and swallowed.
func (d *Dispatcher) deliverTimeout(conv *Conversation) {
	if !conv.claimTimeout() {
		return
	}
	d.registry.Unregister(conv.Key(), conv)

	info := conv.Info()
	expired := &TimeoutExpired{Command: conv.Command(), ConversationID: conv.ID(), Deadline: info.Deadline}
	log := d.log.With("routing_key", conv.Key().String(), "command", conv.Command(), "conversation_id", conv.ID())
	log.Info("Conversation timed out", "error", expired, "error_category", Category(expired))

	ctx, cancel := d.turnContext()
	defer cancel()

	ev := platform.NewEvent(conv.Key(), platform.KindTimeout, "")
	turn := d.newTurn(conv, ev, turnInput{number: info.Turns + 1, state: conv.State()})
	directive := d.invoke(ctx, conv, turn)

	reply := directive.Reply()
	if reply == nil {
		reply = platform.Text(TimeoutText)
	}
	sendCtx, cancelSend := d.sendContext()
	defer cancelSend()
	if _, err := d.outbox.Send(sendCtx, conv.Key(), reply, ""); err != nil {
		log.Debug("Timeout notice not delivered", "error", err, "error_category", Category(err))
	}

	d.publish(bus.EventConversationTimedOut, conv, expired)
}

// Cancel cancels the live conversation on key. A turn already running finishes
// but its directive is discarded; the next event starts fresh.
func (d *Dispatcher) Cancel(key platform.RoutingKey) bool {
	conv, ok := d.registry.Lookup(key)
	if !ok {
		return false
	}

	return d.cancel(conv, "requested")
}

func (d *Dispatcher) cancel(conv *Conversation, reason string) bool {
	if !conv.cancel() {
		return false
	}

	d.registry.Unregister(conv.Key(), conv)
	d.log.Debug("Conversation cancelled",
		"routing_key", conv.Key().String(),
		"command", conv.Command(),
		"conversation_id", conv.ID(),
		"reason", reason,
	)
	d.publish(bus.EventConversationCancelled, conv, nil)
	return true
}

// Shutdown stops intake, waits for running turns, then cancels every
// conversation still registered. Queued events that have not started are
// dropped. When ctx ends first, running turns see their context cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.sweepCancel()
	// a dispatcher that was never started has no sweeper to wait for
	d.startOnce.Do(func() { close(d.sweepDone) })
	<-d.sweepDone

	d.closeMu.Lock()
	alreadyClosed := d.closed.Swap(true)
	d.closeMu.Unlock()
	if alreadyClosed {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		d.cancelBase()
		d.log.Warn("Shutdown deadline reached, cancelling running turns", "error", waitErr)
	}

	cancelled := 0
	for _, conv := range d.registry.all() {
		if d.cancel(conv, "shutdown") {
			cancelled++
		}
	}
	d.cancelBase()
	d.log.Info("Dispatcher stopped", "cancelled_conversations", cancelled)

	return waitErr
}

func (d *Dispatcher) sendBestEffort(key platform.RoutingKey, content platform.Content, replyTo string) {
	ctx, cancel := d.sendContext()
	defer cancel()

	if _, err := d.outbox.Send(ctx, key, content, replyTo); err != nil {
		d.log.Debug("Best-effort send failed", "routing_key", key.String(), "error", err, "error_category", Category(err))
	}
}

func (d *Dispatcher) publish(eventType bus.EventType, conv *Conversation, err error) {
	d.publishKey(eventType, conv.Key(), conv.ID(), conv.Command(), err)
}

func (d *Dispatcher) publishKey(eventType bus.EventType, key platform.RoutingKey, conversationID string, command string, err error) {
	if d.events == nil {
		return
	}

	event := bus.Event{
		Type:           eventType,
		Platform:       key.Platform,
		RoutingKey:     key.String(),
		ConversationID: conversationID,
		Command:        command,
	}
	if err != nil {
		event.Error = err.Error()
	}
	d.events.PublishEvent(context.Background(), event)
}

// outbox sends through the adapter, enforcing capabilities and splitting long
// text to the platform limit.
type outbox struct {
	adapter platform.Adapter
}

func (o *outbox) Send(ctx context.Context, key platform.RoutingKey, content platform.Content, replyTo string) (platform.MessageHandle, error) {
	caps := o.adapter.Capabilities()
	if err := platform.CheckContent(o.adapter.Name(), caps, content); err != nil {
		return platform.MessageHandle{}, err
	}

	text, isText := content.(platform.Text)
	if !isText || caps.MaxTextLength <= 0 {
		return o.adapter.Send(ctx, platform.OutboundMessage{Key: key, Content: content, ReplyTo: replyTo})
	}

	var last platform.MessageHandle
	for i, chunk := range platform.Split(string(text), caps.MaxTextLength) {
		msg := platform.OutboundMessage{Key: key, Content: platform.Text(chunk)}
		if i == 0 {
			msg.ReplyTo = replyTo
		}

		handle, err := o.adapter.Send(ctx, msg)
		if err != nil {
			return last, err
		}
		last = handle
	}

	return last, nil
}

func (o *outbox) Edit(ctx context.Context, handle platform.MessageHandle, content platform.Content) error {
	caps := o.adapter.Capabilities()
	if !caps.Edit {
		return platform.Unsupported(o.adapter.Name(), "edit")
	}
	if err := platform.CheckContent(o.adapter.Name(), caps, content); err != nil {
		return err
	}

	return o.adapter.Edit(ctx, handle, content)
}

func (o *outbox) Delete(ctx context.Context, handle platform.MessageHandle) error {
	if !o.adapter.Capabilities().Delete {
		return platform.Unsupported(o.adapter.Name(), "delete")
	}

	return o.adapter.Delete(ctx, handle)
}
