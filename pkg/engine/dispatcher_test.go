package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/pkg/bus"
	"parley/pkg/platform"
)

func TestQuizConversationCompletesAndLaterMessageIsDropped(t *testing.T) {
	adapter := newRecordingAdapter()
	events := &recordingEvents{}
	d := newTestDispatcher(t, adapter, []Command{quizCommand()}, Options{Events: events})
	key := testKey("alice")

	require.NoError(t, d.Dispatch(message(key, "start-quiz")))
	require.Equal(t, []string{"What is 2+2?"}, waitForTexts(t, adapter, 1))

	conv, ok := d.registry.Lookup(key)
	require.True(t, ok)
	require.Equal(t, StatusAwaiting, conv.Status())

	require.NoError(t, d.Dispatch(message(key, "4")))
	require.Equal(t, []string{"What is 2+2?", "Correct!"}, waitForTexts(t, adapter, 2))
	require.Equal(t, StatusCompleted, conv.Status())
	require.Zero(t, d.Live())

	require.NoError(t, d.Dispatch(message(key, "what now?")))
	require.Eventually(t, func() bool { return events.has(bus.EventDropped) }, time.Second, 5*time.Millisecond)
	require.Zero(t, d.Live())
	require.Len(t, adapter.texts(), 2)

	require.Equal(t, []bus.EventType{
		bus.EventConversationStarted,
		bus.EventConversationResumed,
		bus.EventConversationCompleted,
		bus.EventDropped,
	}, events.types())
}

func TestQuizWrongAnswerKeepsAwaiting(t *testing.T) {
	adapter := newRecordingAdapter()
	d := newTestDispatcher(t, adapter, []Command{quizCommand()}, Options{})
	key := testKey("bob")

	require.NoError(t, d.Dispatch(message(key, "start-quiz")))
	require.NoError(t, d.Dispatch(message(key, "5")))
	require.NoError(t, d.Dispatch(message(key, "4")))

	require.Equal(t, []string{"What is 2+2?", "Not quite, try again.", "Correct!"}, waitForTexts(t, adapter, 3))
}

func TestQuizTimesOutWithoutTraffic(t *testing.T) {
	adapter := newRecordingAdapter()
	events := &recordingEvents{}
	d := newTestDispatcher(t, adapter, []Command{quizCommand()}, Options{
		Deadline:      60 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		Events:        events,
	})
	key := testKey("carol")

	require.NoError(t, d.Dispatch(message(key, "start-quiz")))
	waitForTexts(t, adapter, 1)
	conv, ok := d.registry.Lookup(key)
	require.True(t, ok)

	require.Equal(t, []string{"What is 2+2?", "Conversation expired."}, waitForTexts(t, adapter, 2))
	require.Equal(t, StatusTimedOut, conv.Status())
	require.Zero(t, d.Live())
	require.Eventually(t, func() bool { return events.has(bus.EventConversationTimedOut) }, time.Second, 5*time.Millisecond)
}

func TestTimeoutWithoutReplyUsesDefaultNotice(t *testing.T) {
	adapter := newRecordingAdapter()
	cmd := Command{
		Name:    "silent",
		Trigger: exact("go"),
		Factory: func() Handler {
			return HandlerFunc(func(_ context.Context, turn *Turn) Directive {
				if turn.TimedOut() {
					return Complete()
				}
				return Await(nil, nil)
			})
		},
		Deadline: 30 * time.Millisecond,
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{SweepInterval: 10 * time.Millisecond})

	require.NoError(t, d.Dispatch(message(testKey("dan"), "go")))
	require.Equal(t, []string{TimeoutText}, waitForTexts(t, adapter, 1))
}

func TestLookupExpiresOverdueConversationBeforeRouting(t *testing.T) {
	adapter := newRecordingAdapter()
	clock := newManualClock()
	d := newTestDispatcher(t, adapter, []Command{quizCommand()}, Options{
		Deadline:      time.Minute,
		SweepInterval: time.Hour,
		Clock:         clock.Now,
	})
	key := testKey("erin")

	require.NoError(t, d.Dispatch(message(key, "start-quiz")))
	waitForTexts(t, adapter, 1)
	first, _ := d.registry.Lookup(key)

	clock.Advance(2 * time.Minute)
	require.NoError(t, d.Dispatch(message(key, "start-quiz")))

	require.Equal(t, []string{"What is 2+2?", "Conversation expired.", "What is 2+2?"}, waitForTexts(t, adapter, 3))
	second, ok := d.registry.Lookup(key)
	require.True(t, ok)
	require.NotEqual(t, first.ID(), second.ID())
	require.Equal(t, StatusTimedOut, first.Status())
}

func TestDeadlineIsJudgedAtArrivalNotPickup(t *testing.T) {
	adapter := newRecordingAdapter()
	clock := newManualClock()
	started := make(chan struct{})
	release := make(chan struct{})
	block := Command{
		Name:    "block",
		Trigger: exact("block"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				close(started)
				<-release
				return Finish(platform.Text("unblocked"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{quizCommand(), block}, Options{
		Workers:       1,
		Deadline:      time.Minute,
		SweepInterval: 5 * time.Millisecond,
		Clock:         clock.Now,
	})
	bob := testKey("bob")

	require.NoError(t, d.Dispatch(message(bob, "start-quiz")))
	waitForTexts(t, adapter, 1)

	// alice holds the only worker
	require.NoError(t, d.Dispatch(message(testKey("alice"), "block")))
	<-started

	clock.Advance(30 * time.Second)
	require.NoError(t, d.Dispatch(message(bob, "4")))
	clock.Advance(2 * time.Minute)
	// several sweeps pass while the answer waits for the worker
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Equal(t, []string{"What is 2+2?", "unblocked", "Correct!"}, waitForTexts(t, adapter, 3))
	require.Zero(t, d.Live())
}

func TestAnswerArrivingAfterDeadlineExpires(t *testing.T) {
	adapter := newRecordingAdapter()
	clock := newManualClock()
	d := newTestDispatcher(t, adapter, []Command{quizCommand()}, Options{
		Deadline:      time.Minute,
		SweepInterval: time.Hour,
		Clock:         clock.Now,
	})
	key := testKey("fay")

	require.NoError(t, d.Dispatch(message(key, "start-quiz")))
	waitForTexts(t, adapter, 1)

	clock.Advance(61 * time.Second)
	require.NoError(t, d.Dispatch(message(key, "4")))

	require.Equal(t, []string{"What is 2+2?", TimeoutText}, waitForTexts(t, adapter, 2))
}

func TestStateRoundTripsThroughSuspension(t *testing.T) {
	adapter := newRecordingAdapter()
	var (
		mu       sync.Mutex
		received [][]byte
	)
	cmd := Command{
		Name:    "counter",
		Trigger: exact("count"),
		Factory: func() Handler {
			return HandlerFunc(func(_ context.Context, turn *Turn) Directive {
				mu.Lock()
				received = append(received, turn.State)
				mu.Unlock()

				// binary state including zero bytes
				next := append(append([]byte(nil), turn.State...), byte(turn.Number), 0x00)
				if turn.Number == 4 {
					return Finish(platform.Text("done"))
				}
				return Await(nil, next)
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{})
	key := testKey("frank")

	for _, text := range []string{"count", "a", "b", "c"} {
		require.NoError(t, d.Dispatch(message(key, text)))
	}
	waitForTexts(t, adapter, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 4)
	require.Nil(t, received[0])
	require.True(t, bytes.Equal(received[1], []byte{1, 0}))
	require.True(t, bytes.Equal(received[2], []byte{1, 0, 2, 0}))
	require.True(t, bytes.Equal(received[3], []byte{1, 0, 2, 0, 3, 0}))
}

func TestConcurrentCreatesYieldOneConversation(t *testing.T) {
	adapter := newRecordingAdapter()
	var factories atomic.Int32
	var turns atomic.Int32
	cmd := Command{
		Name:    "sticky",
		Trigger: exact("start"),
		Factory: func() Handler {
			factories.Add(1)
			return HandlerFunc(func(context.Context, *Turn) Directive {
				turns.Add(1)
				return Await(nil, nil)
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{Workers: 8})
	key := testKey("gina")

	const senders = 32
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(message(key, "start"))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return turns.Load() == senders }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), factories.Load())
	require.Equal(t, 1, d.Live())
}

func TestDistinctKeysRunInParallel(t *testing.T) {
	adapter := newRecordingAdapter()
	started := make(chan struct{})
	release := make(chan struct{})
	slow := Command{
		Name:    "slow",
		Trigger: exact("slow"),
		Factory: func() Handler {
			return HandlerFunc(func(ctx context.Context, _ *Turn) Directive {
				close(started)
				select {
				case <-release:
				case <-ctx.Done():
				}
				return Finish(platform.Text("slow done"))
			})
		},
	}
	fast := Command{
		Name:    "fast",
		Trigger: exact("fast"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				return Finish(platform.Text("fast done"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{slow, fast}, Options{Workers: 4})

	require.NoError(t, d.Dispatch(message(testKey("slow-user"), "slow")))
	<-started
	require.NoError(t, d.Dispatch(message(testKey("fast-user"), "fast")))

	require.Equal(t, []string{"fast done"}, waitForTexts(t, adapter, 1))
	close(release)
	require.Equal(t, []string{"fast done", "slow done"}, waitForTexts(t, adapter, 2))
}

func TestSameKeyEventsAreOrderedAndNeverOverlap(t *testing.T) {
	adapter := newRecordingAdapter()
	var (
		mu       sync.Mutex
		seen     = map[string][]string{}
		inflight = map[string]*atomic.Int32{}
		overlap  atomic.Bool
	)
	for _, user := range []string{"henry", "iris"} {
		inflight[user] = &atomic.Int32{}
	}

	cmd := Command{
		Name:    "record",
		Trigger: func(ev platform.InboundEvent) bool { return strings.HasPrefix(ev.Text, "n") },
		Factory: func() Handler {
			return HandlerFunc(func(_ context.Context, turn *Turn) Directive {
				counter := inflight[turn.Key.User]
				if counter.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				seen[turn.Key.User] = append(seen[turn.Key.User], turn.Text())
				mu.Unlock()
				counter.Add(-1)
				return Await(nil, nil)
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{Workers: 4})

	const count = 40
	want := make([]string, 0, count)
	for i := 0; i < count; i++ {
		text := fmt.Sprintf("n%d", i)
		want = append(want, text)
		require.NoError(t, d.Dispatch(message(testKey("henry"), text)))
		require.NoError(t, d.Dispatch(message(testKey("iris"), text)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["henry"]) == count && len(seen["iris"]) == count
	}, 3*time.Second, 5*time.Millisecond)

	require.False(t, overlap.Load(), "turns for one key overlapped")
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, seen["henry"])
	require.Equal(t, want, seen["iris"])
}

func TestUnsupportedAudioReplyKeepsConversationAlive(t *testing.T) {
	adapter := newRecordingAdapter()
	events := &recordingEvents{}
	var (
		mu         sync.Mutex
		directErr  error
		carriedErr error
	)
	cmd := Command{
		Name:    "speak",
		Trigger: exact("speak"),
		Factory: func() Handler {
			return HandlerFunc(func(ctx context.Context, turn *Turn) Directive {
				audio := platform.Audio{Title: "hello", Stream: strings.NewReader("pcm")}
				if turn.First() {
					_, err := turn.Send(ctx, audio)
					mu.Lock()
					directErr = err
					mu.Unlock()
					return Await(audio, []byte("tried-audio"))
				}

				mu.Lock()
				carriedErr = turn.SendErr
				mu.Unlock()
				return Finish(platform.Text("fell back to text"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{Events: events})
	key := testKey("jack")

	require.NoError(t, d.Dispatch(message(key, "speak")))
	require.Eventually(t, func() bool { return events.has(bus.EventSendFailed) }, time.Second, 5*time.Millisecond)

	conv, ok := d.registry.Lookup(key)
	require.True(t, ok)
	require.Equal(t, StatusAwaiting, conv.Status())

	require.NoError(t, d.Dispatch(message(key, "and now?")))
	require.Equal(t, []string{"fell back to text"}, waitForTexts(t, adapter, 1))

	mu.Lock()
	defer mu.Unlock()
	require.ErrorIs(t, directErr, platform.ErrUnsupportedCapability)
	require.ErrorIs(t, carriedErr, platform.ErrUnsupportedCapability)
	require.Equal(t, platform.ErrorUnsupported, Category(carriedErr))
}

func TestFailDirectiveReportsAndUnregisters(t *testing.T) {
	adapter := newRecordingAdapter()
	events := &recordingEvents{}
	cmd := Command{
		Name:    "boom",
		Trigger: exact("boom"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				return Fail(errors.New("kaput"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{Events: events})

	require.NoError(t, d.Dispatch(message(testKey("kim"), "boom")))
	require.Equal(t, []string{FailureText}, waitForTexts(t, adapter, 1))
	require.Eventually(t, func() bool { return events.has(bus.EventConversationFailed) }, time.Second, 5*time.Millisecond)
	require.Zero(t, d.Live())
}

func TestFailWithCustomReply(t *testing.T) {
	adapter := newRecordingAdapter()
	cmd := Command{
		Name:    "picky",
		Trigger: exact("picky"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				return FailWith(platform.Text("That service is down."), errors.New("503"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{})

	require.NoError(t, d.Dispatch(message(testKey("lee"), "picky")))
	require.Equal(t, []string{"That service is down."}, waitForTexts(t, adapter, 1))
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	adapter := newRecordingAdapter()
	cmd := Command{
		Name:    "panicky",
		Trigger: exact("panic"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				panic("oh no")
			})
		},
	}
	d := newTestDispatcher(t, adapter, append([]Command{cmd}, quizCommand()), Options{})

	require.NoError(t, d.Dispatch(message(testKey("mia"), "panic")))
	require.NoError(t, d.Dispatch(message(testKey("ned"), "start-quiz")))

	texts := waitForTexts(t, adapter, 2)
	require.ElementsMatch(t, []string{FailureText, "What is 2+2?"}, texts)
	require.Equal(t, 1, d.Live())
}

func TestCancelPhraseCancelsLiveConversation(t *testing.T) {
	adapter := newRecordingAdapter()
	events := &recordingEvents{}
	d := newTestDispatcher(t, adapter, []Command{quizCommand()}, Options{CancelPhrase: "cancel", Events: events})
	key := testKey("olga")

	require.NoError(t, d.Dispatch(message(key, "start-quiz")))
	require.NoError(t, d.Dispatch(message(key, " Cancel ")))
	require.Equal(t, []string{"What is 2+2?", CancelText}, waitForTexts(t, adapter, 2))
	require.Zero(t, d.Live())
	require.True(t, events.has(bus.EventConversationCancelled))

	require.NoError(t, d.Dispatch(message(key, "4")))
	require.Eventually(t, func() bool { return events.has(bus.EventDropped) }, time.Second, 5*time.Millisecond)
	require.Len(t, adapter.texts(), 2)
}

func TestCancelPhraseWithoutConversationRoutesNormally(t *testing.T) {
	adapter := newRecordingAdapter()
	cmd := Command{
		Name:    "literal",
		Trigger: exact("cancel"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				return Finish(platform.Text("nothing to cancel"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{CancelPhrase: "cancel"})

	require.NoError(t, d.Dispatch(message(testKey("pat"), "cancel")))
	require.Equal(t, []string{"nothing to cancel"}, waitForTexts(t, adapter, 1))
}

func TestCancelDuringTurnDiscardsDirective(t *testing.T) {
	adapter := newRecordingAdapter()
	started := make(chan struct{})
	release := make(chan struct{})
	block := Command{
		Name:    "block",
		Trigger: exact("block"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				close(started)
				<-release
				return Await(platform.Text("late reply"), nil)
			})
		},
	}
	ping := Command{
		Name:    "ping",
		Trigger: exact("ping"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				return Finish(platform.Text("pong"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{block, ping}, Options{})
	key := testKey("quinn")

	require.NoError(t, d.Dispatch(message(key, "block")))
	<-started
	require.True(t, d.Cancel(key))
	require.False(t, d.Cancel(key))
	require.Zero(t, d.Live())

	require.NoError(t, d.Dispatch(message(key, "ping")))
	close(release)

	require.Equal(t, []string{"pong"}, waitForTexts(t, adapter, 1))
}

func TestRegistrationOrderWins(t *testing.T) {
	adapter := newRecordingAdapter()
	reply := func(name string) Command {
		return Command{
			Name:    name,
			Trigger: exact("go"),
			Factory: func() Handler {
				return HandlerFunc(func(context.Context, *Turn) Directive {
					return Finish(platform.Text(name))
				})
			},
		}
	}
	d := newTestDispatcher(t, adapter, []Command{reply("alpha"), reply("beta")}, Options{})

	require.NoError(t, d.Dispatch(message(testKey("rae"), "go")))
	require.Equal(t, []string{"alpha"}, waitForTexts(t, adapter, 1))
}

func TestLongRepliesAreSplit(t *testing.T) {
	adapter := newRecordingAdapter()
	adapter.caps.MaxTextLength = 10
	cmd := Command{
		Name:    "long",
		Trigger: exact("long"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				return Finish(platform.Text("aaaa bbbb cccc"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{})

	require.NoError(t, d.Dispatch(message(testKey("sam"), "long")))
	require.Equal(t, []string{"aaaa bbbb", "cccc"}, waitForTexts(t, adapter, 2))
}

func TestDuplicateEventIDsAreDropped(t *testing.T) {
	adapter := newRecordingAdapter()
	d := newTestDispatcher(t, adapter, []Command{quizCommand()}, Options{DedupeWindow: time.Minute})
	key := testKey("tess")

	start := message(key, "start-quiz")
	start.ID = "evt-1"
	require.NoError(t, d.Dispatch(start))
	require.NoError(t, d.Dispatch(start))

	answer := message(key, "4")
	answer.ID = "evt-2"
	require.NoError(t, d.Dispatch(answer))

	require.Equal(t, []string{"What is 2+2?", "Correct!"}, waitForTexts(t, adapter, 2))
}

func TestShutdownCancelsAwaitingConversations(t *testing.T) {
	adapter := newRecordingAdapter()
	events := &recordingEvents{}
	d, err := New(adapter, []Command{quizCommand()}, Options{Events: events})
	require.NoError(t, err)
	d.Start()
	key := testKey("uma")

	require.NoError(t, d.Dispatch(message(key, "start-quiz")))
	waitForTexts(t, adapter, 1)
	conv, _ := d.registry.Lookup(key)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	require.Zero(t, d.Live())
	require.Equal(t, StatusCancelled, conv.Status())
	require.True(t, events.has(bus.EventConversationCancelled))
	require.ErrorIs(t, d.Dispatch(message(key, "4")), ErrDispatcherClosed)
	require.NoError(t, d.Shutdown(ctx))
}

func TestShutdownWaitsForRunningTurn(t *testing.T) {
	adapter := newRecordingAdapter()
	started := make(chan struct{})
	cmd := Command{
		Name:    "slowpoke",
		Trigger: exact("go"),
		Factory: func() Handler {
			return HandlerFunc(func(context.Context, *Turn) Directive {
				close(started)
				time.Sleep(50 * time.Millisecond)
				return Finish(platform.Text("finished"))
			})
		},
	}
	d, err := New(adapter, []Command{cmd}, Options{})
	require.NoError(t, err)
	d.Start()

	require.NoError(t, d.Dispatch(message(testKey("vic"), "go")))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	require.Equal(t, []string{"finished"}, adapter.texts())
}

// deadlineAdapter refuses sends whose context is already done.
type deadlineAdapter struct {
	*recordingAdapter
}

func (a deadlineAdapter) Send(ctx context.Context, msg platform.OutboundMessage) (platform.MessageHandle, error) {
	if err := ctx.Err(); err != nil {
		return platform.MessageHandle{}, err
	}
	return a.recordingAdapter.Send(ctx, msg)
}

func TestReplyIsSentAfterTurnBudgetRunsOut(t *testing.T) {
	adapter := newRecordingAdapter()
	cmd := Command{
		Name:    "dawdle",
		Trigger: exact("go"),
		Factory: func() Handler {
			return HandlerFunc(func(ctx context.Context, _ *Turn) Directive {
				<-ctx.Done()
				return Finish(platform.Text("late but delivered"))
			})
		},
	}
	d := newTestDispatcher(t, deadlineAdapter{adapter}, []Command{cmd}, Options{TurnTimeout: 20 * time.Millisecond})

	require.NoError(t, d.Dispatch(message(testKey("gus"), "go")))
	require.Equal(t, []string{"late but delivered"}, waitForTexts(t, adapter, 1))
}

func TestStartAndShutdownMayRace(t *testing.T) {
	d, err := New(newRecordingAdapter(), []Command{quizCommand()}, Options{SweepInterval: time.Millisecond})
	require.NoError(t, err)

	errs := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Start()
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errs <- d.Shutdown(ctx)
	}()
	wg.Wait()

	require.NoError(t, <-errs)
	require.ErrorIs(t, d.Dispatch(message(testKey("hal"), "start-quiz")), ErrDispatcherClosed)
}

func TestShutdownWithoutStart(t *testing.T) {
	d, err := New(newRecordingAdapter(), []Command{quizCommand()}, Options{})
	require.NoError(t, err)

	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))
	d.Start()
}

func TestNewValidatesCommands(t *testing.T) {
	adapter := newRecordingAdapter()
	valid := quizCommand()

	_, err := New(adapter, []Command{valid, valid}, Options{})
	require.Error(t, err)

	_, err = New(adapter, []Command{{Name: "x", Trigger: exact("x")}}, Options{})
	require.Error(t, err)

	_, err = New(nil, nil, Options{})
	require.Error(t, err)
}

func TestDispatchRejectsSyntheticTimeouts(t *testing.T) {
	d := newTestDispatcher(t, newRecordingAdapter(), nil, Options{})
	require.Error(t, d.Dispatch(platform.NewEvent(testKey("w"), platform.KindTimeout, "")))
	require.Error(t, d.Dispatch(platform.InboundEvent{Kind: platform.KindMessage}))
}

func TestOutboxEnforcesCapabilities(t *testing.T) {
	adapter := newRecordingAdapter()
	adapter.caps.Delete = false
	out := &outbox{adapter: adapter}
	handle := platform.MessageHandle{Platform: "fake", ID: "1"}

	require.NoError(t, out.Edit(context.Background(), handle, platform.Text("edited")))
	require.ErrorIs(t, out.Delete(context.Background(), handle), platform.ErrUnsupportedCapability)

	adapter.caps.Edit = false
	require.ErrorIs(t, out.Edit(context.Background(), handle, platform.Text("again")), platform.ErrUnsupportedCapability)

	_, err := out.Send(context.Background(), testKey("x"), platform.Attachment{Name: "a.txt"}, "")
	require.ErrorIs(t, err, platform.ErrUnsupportedCapability)
}

func TestTurnCarriesScopedStorageAndCapabilities(t *testing.T) {
	adapter := newRecordingAdapter()
	adapter.caps.Audio = true
	var (
		mu   sync.Mutex
		seen *Turn
	)
	cmd := Command{
		Name:    "inspect",
		Trigger: exact("inspect"),
		Factory: func() Handler {
			return HandlerFunc(func(_ context.Context, turn *Turn) Directive {
				mu.Lock()
				seen = turn
				mu.Unlock()
				return Finish(platform.Text("ok"))
			})
		},
	}
	d := newTestDispatcher(t, adapter, []Command{cmd}, Options{})

	require.NoError(t, d.Dispatch(message(testKey("xena"), "inspect")))
	waitForTexts(t, adapter, 1)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	require.Nil(t, seen.Storage)
	require.True(t, seen.Capabilities.Audio)
	require.Equal(t, "inspect", seen.Command)
	require.Equal(t, 1, seen.Number)
	require.NotEmpty(t, seen.ConversationID)
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: ErrSlotOccupied, want: ErrorSlotOccupied},
		{err: fmt.Errorf("wrap: %w", ErrDispatcherClosed), want: ErrorClosed},
		{err: &HandlerFailure{Reason: errors.New("x")}, want: ErrorHandlerFailure},
		{err: &TimeoutExpired{}, want: ErrorTimeoutExpired},
		{err: platform.NewConnectionError("fake", errors.New("down")), want: platform.ErrorConnection},
		{err: platform.Unsupported("fake", "audio"), want: platform.ErrorUnsupported},
	}

	for _, tt := range tests {
		if got := Category(tt.err); got != tt.want {
			t.Fatalf("Category(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
