package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"parley/pkg/bus"
	"parley/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsExitCommand(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{input: "exit", want: true},
		{input: " quit ", want: true},
		{input: ":q", want: true},
		{input: "EXIT", want: true},
		{input: "hello", want: false},
		{input: "quit now", want: false},
	}

	for _, tt := range tests {
		if got := isExitCommand(tt.input); got != tt.want {
			t.Fatalf("isExitCommand(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestBotLines(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantOut []string
	}{
		{name: "single line", input: "hello", wantOut: []string{"hello"}},
		{name: "multi line", input: "one\ntwo", wantOut: []string{"one", "two"}},
		{name: "trim outer whitespace", input: "  one\ntwo  ", wantOut: []string{"one", "two"}},
		{name: "empty input", input: "   ", wantOut: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := botLines(tt.input); !reflect.DeepEqual(got, tt.wantOut) {
				t.Fatalf("botLines(%q) = %#v, want %#v", tt.input, got, tt.wantOut)
			}
		})
	}
}

func TestResolveMessages(t *testing.T) {
	messages = []string{" start-quiz ", "", "4"}
	t.Cleanup(func() { messages = nil })

	got := resolveMessages([]string{"note", "buy", "milk"})
	want := []string{"start-quiz", "4", "note buy milk"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolveMessages() = %#v, want %#v", got, want)
	}
}

func TestPrintBotMessage(t *testing.T) {
	var out bytes.Buffer
	printBotMessage(&out, bus.OutboundMessage{Op: bus.OpSend, Content: "a\nb"})
	printBotMessage(&out, bus.OutboundMessage{Op: bus.OpEdit, Content: "c"})
	printBotMessage(&out, bus.OutboundMessage{Op: bus.OpDelete, MessageID: "m1"})

	want := "🤖 a\n🤖 b\n✏️  c\n🗑  message m1 removed\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestRunChatPlainTranscript(t *testing.T) {
	cfg := config.Default()

	var out bytes.Buffer
	in := strings.NewReader("start-quiz\n4\n\nnote buy milk\nnotes\n1\nquit\nnever sent\n")
	if err := runChat(context.Background(), cfg, in, &out, true, discardLogger()); err != nil {
		t.Fatalf("runChat() error = %v", err)
	}

	transcript := out.String()
	for _, want := range []string{"🤖 What is 2+2?", "🤖 Correct!", "🤖 Saved.", "🤖 1. buy milk", "🤖 Note 1:"} {
		if !strings.Contains(transcript, want) {
			t.Fatalf("transcript missing %q:\n%s", want, transcript)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	if !strings.HasPrefix(out.String(), "parley dev (") {
		t.Fatalf("version output = %q", out.String())
	}
}
