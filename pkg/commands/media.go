package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"parley/pkg/engine"
	"parley/pkg/platform"
	"parley/pkg/storage"
)

const (
	// mediaScope is the storage namespace shared by every player command.
	mediaScope = "media"

	queueField = "queue"
	voiceField = "voice"

	defaultQueuePageSize = 10
	queueHint            = "Reply with a number to skip that track, next, prev or cancel."
)

var noMediaStorageReply = platform.Text("The media queue needs a storage backend; none is configured.")

// track is one queued item. Playback renders the title as a tone, the same
// way speak does.
type track struct {
	Title string `json:"title"`
	By    string `json:"by,omitempty"`
}

// Jukebox keeps one play queue per channel. Every user in a channel shares
// the queue, so updates are serialized per channel.
type Jukebox struct {
	prefix   string
	pageSize int
	locks    sync.Map
}

func NewJukebox(prefix string, pageSize int) *Jukebox {
	if pageSize <= 0 {
		pageSize = defaultQueuePageSize
	}
	return &Jukebox{prefix: strings.TrimSpace(prefix), pageSize: pageSize}
}

// Commands returns join, leave, play, skip and queue.
func (j *Jukebox) Commands() []engine.Command {
	return []engine.Command{
		j.command("join", "Join the channel's audio.", j.join),
		j.command("leave", "Leave the channel's audio and clear the queue.", j.leave),
		j.command("play", "Queue a track: play <title>.", j.play),
		j.command("skip", "Remove a track from the queue: skip [n], default 1.", j.skip),
		{
			Name:         "queue",
			Description:  "Browse the queue and skip tracks from it.",
			Trigger:      Word(j.prefix, "queue"),
			StorageScope: mediaScope,
			Factory: func() engine.Handler {
				return engine.HandlerFunc(j.browse)
			},
		},
	}
}

func (j *Jukebox) command(name string, description string, fn engine.HandlerFunc) engine.Command {
	return engine.Command{
		Name:         name,
		Description:  description,
		Trigger:      Word(j.prefix, name),
		StorageScope: mediaScope,
		Factory: func() engine.Handler {
			return engine.HandlerFunc(func(ctx context.Context, turn *engine.Turn) engine.Directive {
				if turn.Storage == nil {
					return engine.Finish(noMediaStorageReply)
				}
				return fn(ctx, turn)
			})
		},
	}
}

// channelOf names the storage namespace of a channel's player.
func channelOf(key platform.RoutingKey) string {
	return key.Platform + ":" + key.Channel
}

// locked runs fn while holding the channel's queue lock.
func (j *Jukebox) locked(key platform.RoutingKey, fn func() engine.Directive) engine.Directive {
	value, _ := j.locks.LoadOrStore(channelOf(key), &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func loadQueue(ctx context.Context, store *storage.Scoped, channel string) ([]track, error) {
	raw, ok, err := store.Get(ctx, channel, queueField)
	if err != nil || !ok {
		return nil, err
	}

	var queue []track
	if err := json.Unmarshal(raw, &queue); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return queue, nil
}

func saveQueue(ctx context.Context, store *storage.Scoped, channel string, queue []track) error {
	if len(queue) == 0 {
		return store.Delete(ctx, channel, queueField)
	}

	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	return store.Put(ctx, channel, queueField, raw)
}

// playNow starts t. It returns the text to show when the platform cannot
// play audio, or "" when the audio went out.
func playNow(ctx context.Context, turn *engine.Turn, t track) (string, error) {
	_, err := turn.Send(ctx, platform.Audio{Title: t.Title, Stream: tone(t.Title)})
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, platform.ErrUnsupportedCapability):
		return "🎵 Now playing: " + t.Title, nil
	default:
		return "", fmt.Errorf("play %q: %w", t.Title, err)
	}
}

func (j *Jukebox) join(ctx context.Context, turn *engine.Turn) engine.Directive {
	if err := turn.Storage.Put(ctx, channelOf(turn.Key), voiceField, []byte(turn.Key.User)); err != nil {
		return engine.Fail(fmt.Errorf("join audio: %w", err))
	}

	if !turn.Capabilities.Audio {
		return engine.Finish(platform.Text("Joined. This platform has no audio, so tracks are announced as text."))
	}
	return engine.Finish(platform.Text("Joined the audio channel."))
}

func (j *Jukebox) leave(ctx context.Context, turn *engine.Turn) engine.Directive {
	return j.locked(turn.Key, func() engine.Directive {
		channel := channelOf(turn.Key)
		_, joined, err := turn.Storage.Get(ctx, channel, voiceField)
		if err != nil {
			return engine.Fail(fmt.Errorf("leave audio: %w", err))
		}
		if !joined {
			return engine.Finish(platform.Text("I'm not in an audio channel."))
		}

		if err := turn.Storage.Delete(ctx, channel, voiceField); err != nil {
			return engine.Fail(fmt.Errorf("leave audio: %w", err))
		}
		if err := saveQueue(ctx, turn.Storage, channel, nil); err != nil {
			return engine.Fail(fmt.Errorf("clear queue: %w", err))
		}
		return engine.Finish(platform.Text("Left the audio channel; the queue is cleared."))
	})
}

func (j *Jukebox) play(ctx context.Context, turn *engine.Turn) engine.Directive {
	title := Args(turn.Text())
	if title == "" {
		return engine.Finish(platform.Text("Usage: " + j.prefix + "play <title>"))
	}

	return j.locked(turn.Key, func() engine.Directive {
		channel := channelOf(turn.Key)
		queue, err := loadQueue(ctx, turn.Storage, channel)
		if err != nil {
			return engine.Fail(err)
		}

		next := track{Title: title, By: turn.Key.User}
		queue = append(queue, next)
		if err := saveQueue(ctx, turn.Storage, channel, queue); err != nil {
			return engine.Fail(fmt.Errorf("save queue: %w", err))
		}
		// playing joins implicitly
		if err := turn.Storage.Put(ctx, channel, voiceField, []byte(turn.Key.User)); err != nil {
			return engine.Fail(fmt.Errorf("join audio: %w", err))
		}

		if len(queue) > 1 {
			return engine.Finish(platform.Text(fmt.Sprintf("Queued %d. %s", len(queue), title)))
		}

		fallback, err := playNow(ctx, turn, next)
		if err != nil {
			return engine.Fail(err)
		}
		if fallback == "" {
			return engine.Complete()
		}
		return engine.Finish(platform.Text(fallback))
	})
}

// removeTrack drops position n (1-based) and starts the next track when the
// playing one was removed. It returns the reply text.
func removeTrack(ctx context.Context, turn *engine.Turn, n int) (string, error) {
	channel := channelOf(turn.Key)
	queue, err := loadQueue(ctx, turn.Storage, channel)
	if err != nil {
		return "", err
	}
	if len(queue) == 0 {
		return "The queue is empty.", nil
	}
	if n < 1 || n > len(queue) {
		return fmt.Sprintf("There is no track %d in the queue.", n), nil
	}

	removed := queue[n-1]
	queue = append(queue[:n-1], queue[n:]...)
	if err := saveQueue(ctx, turn.Storage, channel, queue); err != nil {
		return "", fmt.Errorf("save queue: %w", err)
	}

	reply := fmt.Sprintf("Removed %d. %s from the queue.", n, removed.Title)
	if n == 1 && len(queue) > 0 {
		fallback, err := playNow(ctx, turn, queue[0])
		if err != nil {
			return "", err
		}
		if fallback != "" {
			reply += "\n" + fallback
		}
	}
	return reply, nil
}

func (j *Jukebox) skip(ctx context.Context, turn *engine.Turn) engine.Directive {
	n := 1
	if arg := Args(turn.Text()); arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil {
			return engine.Finish(platform.Text("Usage: " + j.prefix + "skip [n]"))
		}
		n = parsed
	}

	return j.locked(turn.Key, func() engine.Directive {
		reply, err := removeTrack(ctx, turn, n)
		if err != nil {
			return engine.Fail(err)
		}
		return engine.Finish(platform.Text(reply))
	})
}

// queueState is the page on screen. The queue itself is reread every turn
// since other users change it meanwhile.
type queueState struct {
	Page int `json:"page"`
}

func (j *Jukebox) browse(ctx context.Context, turn *engine.Turn) engine.Directive {
	if turn.Storage == nil {
		return engine.Finish(noMediaStorageReply)
	}
	if turn.TimedOut() {
		return engine.Complete()
	}

	var state queueState
	if !turn.First() {
		if err := json.Unmarshal(turn.State, &state); err != nil {
			return engine.Fail(fmt.Errorf("decode queue state: %w", err))
		}
	}

	return j.locked(turn.Key, func() engine.Directive {
		queue, err := loadQueue(ctx, turn.Storage, channelOf(turn.Key))
		if err != nil {
			return engine.Fail(err)
		}
		if len(queue) == 0 {
			return engine.Finish(platform.Text("The queue is empty."))
		}
		if turn.First() {
			return j.page(queue, state, "")
		}

		pages := (len(queue) + j.pageSize - 1) / j.pageSize
		state.Page = min(state.Page, pages-1)

		reply := strings.ToLower(turn.Text())
		switch reply {
		case "next":
			if state.Page+1 >= pages {
				return j.page(queue, state, "That is the last page.")
			}
			state.Page++
			return j.page(queue, state, "")
		case "prev":
			if state.Page == 0 {
				return j.page(queue, state, "That is the first page.")
			}
			state.Page--
			return j.page(queue, state, "")
		case "cancel":
			return engine.Finish(platform.Text(engine.CancelText))
		}

		n, err := strconv.Atoi(reply)
		if err != nil {
			return j.page(queue, state, "")
		}
		notice, err := removeTrack(ctx, turn, n)
		if err != nil {
			return engine.Fail(err)
		}

		queue, err = loadQueue(ctx, turn.Storage, channelOf(turn.Key))
		if err != nil {
			return engine.Fail(err)
		}
		if len(queue) == 0 {
			return engine.Finish(platform.Text(notice + "\nThe queue is now empty."))
		}
		return j.page(queue, state, notice)
	})
}

// page renders the current page with the playing track marked.
func (j *Jukebox) page(queue []track, state queueState, notice string) engine.Directive {
	pages := (len(queue) + j.pageSize - 1) / j.pageSize
	state.Page = max(0, min(state.Page, pages-1))
	start := state.Page * j.pageSize
	end := min(start+j.pageSize, len(queue))

	var b strings.Builder
	if notice != "" {
		b.WriteString(notice + "\n")
	}
	fmt.Fprintf(&b, "Queue (page %d/%d):\n", state.Page+1, pages)
	for i := start; i < end; i++ {
		marker := ""
		if i == 0 {
			marker = "▶ "
		}
		fmt.Fprintf(&b, "%d. %s%s\n", i+1, marker, queue[i].Title)
	}
	b.WriteString(queueHint)

	encoded, err := json.Marshal(state)
	if err != nil {
		return engine.Fail(fmt.Errorf("encode queue state: %w", err))
	}
	return engine.Await(platform.Text(b.String()), encoded)
}

// About describes the bot and its version.
func About(prefix string, version string) engine.Command {
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}

	return engine.Command{
		Name:        "about",
		Description: "Show information about this bot.",
		Trigger:     Word(prefix, "about"),
		Factory: func() engine.Handler {
			return engine.HandlerFunc(func(context.Context, *engine.Turn) engine.Directive {
				return engine.Finish(platform.Text(fmt.Sprintf(
					"parley %s\nOne bot, many chat platforms. Send %shelp for the command list.",
					version, prefix,
				)))
			})
		},
	}
}
