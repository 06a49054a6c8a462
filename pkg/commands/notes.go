package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"parley/pkg/engine"
	"parley/pkg/platform"
)

// notesScope is the storage namespace shared by note and notes.
const notesScope = "notes"

const notesHint = "Reply with a number to read a note, next, prev or cancel."

var noStorageReply = platform.Text("Notes need a storage backend; none is configured.")

// Note saves one note, asking for the text when none follows the command word.
func Note(prefix string) engine.Command {
	return engine.Command{
		Name:         "note",
		Description:  "Remember a note: note <text>, or note and then the text.",
		Trigger:      Word(prefix, "note"),
		StorageScope: notesScope,
		Factory: func() engine.Handler {
			return engine.HandlerFunc(note)
		},
	}
}

func note(ctx context.Context, turn *engine.Turn) engine.Directive {
	if turn.Storage == nil {
		return engine.Finish(noStorageReply)
	}

	var text string
	switch {
	case turn.TimedOut():
		return engine.Complete()
	case turn.First():
		text = Args(turn.Text())
		if text == "" {
			return engine.Await(platform.Text("What should I remember?"), nil)
		}
	default:
		text = turn.Text()
	}

	field := fmt.Sprintf("%020d", time.Now().UTC().UnixNano())
	if err := turn.Storage.Put(ctx, noteOwner(turn.Key), field, []byte(text)); err != nil {
		return engine.Fail(fmt.Errorf("save note: %w", err))
	}

	return engine.Finish(platform.Text("Saved."))
}

// noteOwner is the per-user namespace notes are kept under.
func noteOwner(key platform.RoutingKey) string {
	return key.Slot().String()
}

// Notes pages through the sender's saved notes.
func Notes(prefix string, pageSize int) engine.Command {
	if pageSize <= 0 {
		pageSize = defaultNotesPageSize
	}

	return engine.Command{
		Name:         "notes",
		Description:  "Browse your notes page by page.",
		Trigger:      Word(prefix, "notes"),
		StorageScope: notesScope,
		Factory: func() engine.Handler {
			return notesHandler{pageSize: pageSize}
		},
	}
}

type notesHandler struct {
	pageSize int
}

// notesState is carried between turns: the note ids as of the first turn and
// the page being shown.
type notesState struct {
	Fields []string `json:"fields"`
	Page   int      `json:"page"`
}

func (h notesHandler) Handle(ctx context.Context, turn *engine.Turn) engine.Directive {
	if turn.Storage == nil {
		return engine.Finish(noStorageReply)
	}
	if turn.TimedOut() {
		return engine.Complete()
	}

	var state notesState
	if turn.First() {
		fields, err := turn.Storage.Fields(ctx, noteOwner(turn.Key))
		if err != nil {
			return engine.Fail(fmt.Errorf("list notes: %w", err))
		}
		if len(fields) == 0 {
			return engine.Finish(platform.Text("You have no notes."))
		}
		slices.Sort(fields)
		state.Fields = fields
		return h.page(ctx, turn, state)
	}

	if err := json.Unmarshal(turn.State, &state); err != nil {
		return engine.Fail(fmt.Errorf("decode notes state: %w", err))
	}

	reply := strings.ToLower(turn.Text())
	switch reply {
	case "next":
		if state.Page+1 >= h.pages(state) {
			return h.await(platform.Text("That is the last page. "+notesHint), state)
		}
		state.Page++
		return h.page(ctx, turn, state)
	case "prev":
		if state.Page == 0 {
			return h.await(platform.Text("That is the first page. "+notesHint), state)
		}
		state.Page--
		return h.page(ctx, turn, state)
	case "cancel":
		return engine.Finish(platform.Text(engine.CancelText))
	}

	n, err := strconv.Atoi(reply)
	if err != nil || n < 1 || n > len(state.Fields) {
		return h.await(platform.Text(notesHint), state)
	}

	body, ok, err := turn.Storage.Get(ctx, noteOwner(turn.Key), state.Fields[n-1])
	if err != nil {
		return engine.Fail(fmt.Errorf("read note: %w", err))
	}
	if !ok {
		return h.await(platform.Text(fmt.Sprintf("Note %d was deleted. %s", n, notesHint)), state)
	}

	return engine.Finish(platform.Text(fmt.Sprintf("Note %d:\n%s", n, body)))
}

func (h notesHandler) pages(state notesState) int {
	return (len(state.Fields) + h.pageSize - 1) / h.pageSize
}

// page renders the current page. Notes deleted since the first turn are shown
// as missing rather than renumbering the list.
func (h notesHandler) page(ctx context.Context, turn *engine.Turn, state notesState) engine.Directive {
	start := state.Page * h.pageSize
	end := min(start+h.pageSize, len(state.Fields))

	var b strings.Builder
	fmt.Fprintf(&b, "Notes (page %d/%d):\n", state.Page+1, h.pages(state))
	for i := start; i < end; i++ {
		body, ok, err := turn.Storage.Get(ctx, noteOwner(turn.Key), state.Fields[i])
		if err != nil {
			return engine.Fail(fmt.Errorf("read note: %w", err))
		}
		line := "(deleted)"
		if ok {
			line = preview(string(body))
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, line)
	}
	b.WriteString(notesHint)

	return h.await(platform.Text(b.String()), state)
}

func (h notesHandler) await(reply platform.Content, state notesState) engine.Directive {
	encoded, err := json.Marshal(state)
	if err != nil {
		return engine.Fail(fmt.Errorf("encode notes state: %w", err))
	}

	return engine.Await(reply, encoded)
}

const notePreviewLimit = 60

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= notePreviewLimit {
		return text
	}

	return string(runes[:notePreviewLimit]) + "..."
}
