// Package commands holds the built-in bot commands.
package commands

import (
	"context"
	"fmt"
	"strings"

	"parley/pkg/engine"
	"parley/pkg/platform"
)

const defaultNotesPageSize = 10

// Options configures the built-in command set.
type Options struct {
	// Prefix is prepended to every trigger word, e.g. ";;" for ";;help".
	Prefix        string
	NotesPageSize int
	// QueuePageSize is how many tracks one page of the queue view shows.
	QueuePageSize int
	// Version is reported by about.
	Version string
}

// Builtins returns help, quiz, ask, note, notes, speak, the player commands
// and about, in that order.
func Builtins(opts Options) []engine.Command {
	if opts.NotesPageSize <= 0 {
		opts.NotesPageSize = defaultNotesPageSize
	}
	prefix := strings.TrimSpace(opts.Prefix)

	list := []engine.Command{
		Quiz(prefix),
		Ask(prefix),
		Note(prefix),
		Notes(prefix, opts.NotesPageSize),
		Speak(prefix),
	}
	list = append(list, NewJukebox(prefix, opts.QueuePageSize).Commands()...)
	list = append(list, About(prefix, opts.Version))

	return append([]engine.Command{Help(prefix, list)}, list...)
}

// Word triggers on messages whose first word is prefix+name, ignoring case.
func Word(prefix string, name string) func(platform.InboundEvent) bool {
	word := strings.TrimSpace(prefix) + strings.TrimSpace(name)

	return func(ev platform.InboundEvent) bool {
		if ev.Kind != platform.KindMessage {
			return false
		}
		fields := strings.Fields(ev.Text)
		return len(fields) > 0 && strings.EqualFold(fields[0], word)
	}
}

// Args returns text with its first word removed.
func Args(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexFunc(text, isSpace); i >= 0 {
		return strings.TrimSpace(text[i:])
	}

	return ""
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// Help lists the given commands plus itself.
func Help(prefix string, commands []engine.Command) engine.Command {
	return engine.Command{
		Name:        "help",
		Description: "List the available commands.",
		Trigger:     Word(prefix, "help"),
		Factory: func() engine.Handler {
			return engine.HandlerFunc(func(context.Context, *engine.Turn) engine.Directive {
				var b strings.Builder
				b.WriteString("Commands:\n")
				fmt.Fprintf(&b, "%shelp: List the available commands.\n", prefix)
				for _, cmd := range commands {
					fmt.Fprintf(&b, "%s%s: %s\n", prefix, cmd.Name, cmd.Description)
				}
				return engine.Finish(platform.Text(strings.TrimRight(b.String(), "\n")))
			})
		},
	}
}
