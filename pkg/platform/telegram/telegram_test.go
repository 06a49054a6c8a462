package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"parley/pkg/config"
	"parley/pkg/platform"
)

func newTestAdapter(t *testing.T, allowFrom ...string) *Adapter {
	t.Helper()

	adapter, err := NewAdapter(config.TelegramConfig{Token: "123:abc", AllowFrom: allowFrom}, slog.Default())
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	return adapter
}

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{Token: "  "}, nil); err == nil {
		t.Fatal("NewAdapter() without token succeeded")
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
	if allowFromSet([]string{" ", ""}) != nil {
		t.Fatal("allowFromSet of blanks should be nil")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestToEventsMessage(t *testing.T) {
	adapter := newTestAdapter(t)

	events := adapter.toEvents(telego.Update{
		UpdateID: 11,
		Message: &telego.Message{
			MessageID:       7,
			MessageThreadID: 3,
			Chat:            telego.Chat{ID: -100},
			From:            &telego.User{ID: 42},
			Text:            " start-quiz ",
		},
	})
	if len(events) != 1 {
		t.Fatalf("toEvents() len = %d, want 1", len(events))
	}

	ev := events[0]
	if ev.Kind != platform.KindMessage || ev.Text != "start-quiz" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ID != "11" || ev.MessageID != "7" {
		t.Fatalf("ID = %q, MessageID = %q", ev.ID, ev.MessageID)
	}
	want := platform.NewKey("telegram", "-100", "42").WithToken("3")
	if ev.Key != want {
		t.Fatalf("Key = %+v, want %+v", ev.Key, want)
	}
	if ev.Key.Slot() != platform.NewKey("telegram", "-100", "42") {
		t.Fatalf("Slot() = %+v", ev.Key.Slot())
	}
}

func TestToEventsFiltersUnroutableUpdates(t *testing.T) {
	adapter := newTestAdapter(t, "42")

	tests := []struct {
		name   string
		update telego.Update
	}{
		{name: "no message", update: telego.Update{UpdateID: 1}},
		{name: "empty text", update: telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: 1}, From: &telego.User{ID: 42}}}},
		{name: "no sender", update: telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: 1}, Text: "hi"}}},
		{name: "unauthorized", update: telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: 1}, From: &telego.User{ID: 7}, Text: "hi"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if events := adapter.toEvents(tt.update); len(events) != 0 {
				t.Fatalf("toEvents() = %+v, want none", events)
			}
		})
	}
}

func TestToEventsMembership(t *testing.T) {
	adapter := newTestAdapter(t)

	events := adapter.toEvents(telego.Update{
		UpdateID: 5,
		Message: &telego.Message{
			Chat:           telego.Chat{ID: 9},
			NewChatMembers: []telego.User{{ID: 1}, {ID: 2}},
		},
	})
	if len(events) != 2 {
		t.Fatalf("join events = %d, want 2", len(events))
	}
	if events[0].Kind != platform.KindJoin || events[1].Key.User != "2" || events[0].ID == events[1].ID {
		t.Fatalf("join events = %+v", events)
	}

	events = adapter.toEvents(telego.Update{
		UpdateID: 6,
		Message:  &telego.Message{Chat: telego.Chat{ID: 9}, LeftChatMember: &telego.User{ID: 3}},
	})
	if len(events) != 1 || events[0].Kind != platform.KindLeave || events[0].Key.User != "3" {
		t.Fatalf("leave events = %+v", events)
	}
}

func TestToEventsReaction(t *testing.T) {
	adapter := newTestAdapter(t)

	events := adapter.toEvents(telego.Update{
		UpdateID: 8,
		MessageReaction: &telego.MessageReactionUpdated{
			Chat:        telego.Chat{ID: 5},
			MessageID:   99,
			User:        &telego.User{ID: 42},
			NewReaction: []telego.ReactionType{&telego.ReactionTypeEmoji{Type: "emoji", Emoji: "👍"}},
		},
	})
	if len(events) != 1 {
		t.Fatalf("toEvents() len = %d, want 1", len(events))
	}
	if ev := events[0]; ev.Kind != platform.KindReaction || ev.Text != "👍" || ev.Target != "99" {
		t.Fatalf("reaction = %+v", ev)
	}

	anonymous := adapter.toEvents(telego.Update{MessageReaction: &telego.MessageReactionUpdated{Chat: telego.Chat{ID: 5}}})
	if len(anonymous) != 0 {
		t.Fatalf("anonymous reaction produced %+v", anonymous)
	}
}

func TestReplyParameters(t *testing.T) {
	if replyParameters("") != nil || replyParameters("abc") != nil || replyParameters("0") != nil {
		t.Fatal("replyParameters should ignore empty and invalid ids")
	}
	params := replyParameters(" 12 ")
	if params == nil || params.MessageID != 12 || !params.AllowSendingWithoutReply {
		t.Fatalf("replyParameters = %+v", params)
	}
}

func TestParseHandle(t *testing.T) {
	chatID, messageID, err := parseHandle(platform.MessageHandle{Channel: "-100", ID: "7"})
	if err != nil || chatID != -100 || messageID != 7 {
		t.Fatalf("parseHandle() = %d, %d, %v", chatID, messageID, err)
	}

	if _, _, err := parseHandle(platform.MessageHandle{Channel: "room", ID: "7"}); err == nil {
		t.Fatal("parseHandle() accepted a non-numeric chat")
	}
	if _, _, err := parseHandle(platform.MessageHandle{Channel: "1", ID: "x"}); err == nil {
		t.Fatal("parseHandle() accepted a non-numeric message id")
	}
}

func TestSendRequiresConnectionAndCapability(t *testing.T) {
	adapter := newTestAdapter(t)
	key := platform.NewKey("telegram", "1", "2")

	_, err := adapter.Send(context.Background(), platform.OutboundMessage{Key: key, Content: platform.Text("hi")})
	if !platform.IsConnectionError(err) {
		t.Fatalf("Send() before Connect error = %v, want connection error", err)
	}

	_, err = adapter.Send(context.Background(), platform.OutboundMessage{Key: key, Content: platform.Audio{Title: "x"}})
	if !errors.Is(err, platform.ErrUnsupportedCapability) {
		t.Fatalf("Send(audio) error = %v, want ErrUnsupportedCapability", err)
	}

	if err := adapter.Edit(context.Background(), platform.MessageHandle{Channel: "1", ID: "2"}, platform.Attachment{Name: "a"}); !errors.Is(err, platform.ErrUnsupportedCapability) {
		t.Fatalf("Edit(attachment) error = %v, want ErrUnsupportedCapability", err)
	}
}

func TestCloseWithoutConnect(t *testing.T) {
	if err := newTestAdapter(t).Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}
