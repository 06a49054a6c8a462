package matrix

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"parley/pkg/config"
	"parley/pkg/platform"
)

const botUser = "@parley:example.org"

func newTestAdapter(t *testing.T, rooms ...string) *Adapter {
	t.Helper()

	adapter, err := NewAdapter(config.MatrixConfig{
		Homeserver:   "https://matrix.example.org",
		UserID:       botUser,
		AccessToken:  "secret",
		AllowedRooms: rooms,
	}, nil)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}

	return adapter
}

func messageEvent(sender string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:    event.EventMessage,
		ID:      "$evt1",
		RoomID:  "!room:example.org",
		Sender:  id.UserID(sender),
		Content: event.Content{Parsed: content},
	}
}

func TestNewAdapterValidatesConfig(t *testing.T) {
	tests := []config.MatrixConfig{
		{UserID: botUser, AccessToken: "x"},
		{Homeserver: "https://h", AccessToken: "x"},
		{Homeserver: "https://h", UserID: botUser},
	}
	for _, cfg := range tests {
		if _, err := NewAdapter(cfg, nil); err == nil {
			t.Fatalf("NewAdapter(%+v) succeeded", cfg)
		}
	}
}

func TestToEventMessage(t *testing.T) {
	adapter := newTestAdapter(t)

	ev, ok := adapter.toEvent(messageEvent("@ana:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: " start-quiz "}))
	if !ok {
		t.Fatal("toEvent() skipped a plain message")
	}
	if ev.Kind != platform.KindMessage || ev.Text != "start-quiz" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Key != platform.NewKey("matrix", "!room:example.org", "@ana:example.org") {
		t.Fatalf("Key = %+v", ev.Key)
	}
	if ev.ID != "$evt1" || ev.MessageID != "$evt1" {
		t.Fatalf("ID = %q, MessageID = %q", ev.ID, ev.MessageID)
	}
}

func TestToEventThreadSetsToken(t *testing.T) {
	adapter := newTestAdapter(t)
	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "4",
		RelatesTo: &event.RelatesTo{Type: event.RelThread, EventID: "$root"},
	}

	ev, ok := adapter.toEvent(messageEvent("@ana:example.org", content))
	if !ok {
		t.Fatal("toEvent() skipped a thread message")
	}
	if ev.Key.Token != "$root" {
		t.Fatalf("Token = %q, want $root", ev.Key.Token)
	}
}

func TestToEventSkips(t *testing.T) {
	adapter := newTestAdapter(t, "!allowed:example.org")

	own := messageEvent(botUser, &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"})
	own.RoomID = "!allowed:example.org"
	edit := messageEvent("@ana:example.org", &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "* fixed",
		RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$old"},
	})
	edit.RoomID = "!allowed:example.org"
	otherRoom := messageEvent("@ana:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"})
	empty := messageEvent("@ana:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "  "})
	empty.RoomID = "!allowed:example.org"

	for name, evt := range map[string]*event.Event{"own": own, "edit": edit, "other room": otherRoom, "empty": empty, "nil": nil} {
		if _, ok := adapter.toEvent(evt); ok {
			t.Fatalf("toEvent(%s) was not skipped", name)
		}
	}
}

func TestToEventReaction(t *testing.T) {
	adapter := newTestAdapter(t)
	evt := &event.Event{
		Type:   event.EventReaction,
		ID:     "$react",
		RoomID: "!room:example.org",
		Sender: "@ana:example.org",
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: "$msg", Key: "👍"},
		}},
	}

	ev, ok := adapter.toEvent(evt)
	if !ok {
		t.Fatal("toEvent() skipped a reaction")
	}
	if ev.Kind != platform.KindReaction || ev.Text != "👍" || ev.Target != "$msg" {
		t.Fatalf("reaction = %+v", ev)
	}
}

func TestToEventMembership(t *testing.T) {
	adapter := newTestAdapter(t)
	member := func(user string, membership event.Membership) *event.Event {
		return &event.Event{
			Type:     event.StateMember,
			ID:       id.EventID("$" + string(membership)),
			RoomID:   "!room:example.org",
			Sender:   id.UserID(user),
			StateKey: &user,
			Content:  event.Content{Parsed: &event.MemberEventContent{Membership: membership}},
		}
	}

	joined, ok := adapter.toEvent(member("@ben:example.org", event.MembershipJoin))
	if !ok || joined.Kind != platform.KindJoin || joined.Key.User != "@ben:example.org" {
		t.Fatalf("join = %+v, %v", joined, ok)
	}
	left, ok := adapter.toEvent(member("@ben:example.org", event.MembershipLeave))
	if !ok || left.Kind != platform.KindLeave {
		t.Fatalf("leave = %+v, %v", left, ok)
	}
	if _, ok := adapter.toEvent(member("@ben:example.org", event.MembershipInvite)); ok {
		t.Fatal("invite produced an event")
	}
	if _, ok := adapter.toEvent(member(botUser, event.MembershipJoin)); ok {
		t.Fatal("own join produced an event")
	}
}

func TestRelation(t *testing.T) {
	if relation("", "") != nil {
		t.Fatal("relation() without thread or reply should be nil")
	}

	reply := relation("", "$q")
	if reply == nil || reply.InReplyTo == nil || reply.InReplyTo.EventID != "$q" || reply.Type != "" {
		t.Fatalf("reply relation = %+v", reply)
	}

	thread := relation("$root", "$q")
	if thread.Type != event.RelThread || thread.EventID != "$root" || !thread.IsFallingBack {
		t.Fatalf("thread relation = %+v", thread)
	}
	if thread.InReplyTo == nil || thread.InReplyTo.EventID != "$q" {
		t.Fatalf("thread reply = %+v", thread.InReplyTo)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	adapter := newTestAdapter(t)
	key := platform.NewKey("matrix", "!room:example.org", "@ana:example.org")

	_, err := adapter.Send(context.Background(), platform.OutboundMessage{Key: key, Content: platform.Text("hi")})
	if !platform.IsConnectionError(err) {
		t.Fatalf("Send() error = %v, want connection error", err)
	}

	_, err = adapter.Send(context.Background(), platform.OutboundMessage{Key: key, Content: platform.Audio{}})
	if !errors.Is(err, platform.ErrUnsupportedCapability) {
		t.Fatalf("Send(audio) error = %v, want ErrUnsupportedCapability", err)
	}

	if err := adapter.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
