package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"parley/pkg/config"
	"parley/pkg/platform"
)

const platformName = "matrix"
const eventBuffer = 64

// MaxTextLength keeps bodies well below the homeserver's 64KiB event limit.
const MaxTextLength = 32000

// Adapter bridges a Matrix account's sync loop into platform events.
type Adapter struct {
	cfg    config.MatrixConfig
	userID id.UserID
	log    *slog.Logger

	mu     sync.Mutex
	client *mautrix.Client
	events chan platform.InboundEvent
	stop   context.CancelFunc
	done   chan struct{}
}

func NewAdapter(cfg config.MatrixConfig, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Homeserver) == "" {
		return nil, errors.New("platforms.matrix.homeserver is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("platforms.matrix.user_id is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("platforms.matrix.access_token is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:    cfg,
		userID: id.UserID(strings.TrimSpace(cfg.UserID)),
		log:    log.With("component", "platform.matrix"),
	}, nil
}

func (a *Adapter) Name() string {
	return platformName
}

func (a *Adapter) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		Edit:          true,
		Delete:        true,
		Reactions:     true,
		Attachments:   true,
		MaxTextLength: MaxTextLength,
	}
}

// Connect verifies the access token and starts syncing. The event stream
// closes when the sync loop stops, whether by error, ctx or Close.
func (a *Adapter) Connect(ctx context.Context) error {
	a.stopSync()

	client, err := mautrix.NewClient(strings.TrimSpace(a.cfg.Homeserver), a.userID, strings.TrimSpace(a.cfg.AccessToken))
	if err != nil {
		return platform.NewConnectionError(platformName, fmt.Errorf("creating matrix client: %w", err))
	}
	if _, err := client.Whoami(ctx); err != nil {
		return platform.NewConnectionError(platformName, fmt.Errorf("verify access token: %w", err))
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return platform.NewConnectionError(platformName, fmt.Errorf("unexpected syncer type: %T", client.Syncer))
	}

	syncCtx, cancel := context.WithCancel(ctx)
	events := make(chan platform.InboundEvent, eventBuffer)
	done := make(chan struct{})

	forward := func(_ context.Context, evt *event.Event) {
		ev, ok := a.toEvent(evt)
		if !ok {
			return
		}
		select {
		case events <- ev:
		case <-syncCtx.Done():
		}
	}
	syncer.OnSync(client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, forward)
	syncer.OnEventType(event.EventReaction, forward)
	syncer.OnEventType(event.StateMember, forward)

	a.mu.Lock()
	a.client = client
	a.events = events
	a.stop = cancel
	a.done = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		defer close(events)

		if err := client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			a.log.Error("Matrix sync failed", "error", err, "error_category", platform.ErrorConnection)
		}
	}()

	a.log.Info("Matrix platform connected", "homeserver", a.cfg.Homeserver, "user_id", a.userID.String())
	return nil
}

// toEvent normalizes a synced event. Our own events, edits and rooms outside
// allowed_rooms are skipped.
func (a *Adapter) toEvent(evt *event.Event) (platform.InboundEvent, bool) {
	if evt == nil || !a.roomAllowed(evt.RoomID.String()) {
		return platform.InboundEvent{}, false
	}

	room := evt.RoomID.String()
	switch evt.Type {
	case event.EventMessage:
		if evt.Sender == a.userID {
			return platform.InboundEvent{}, false
		}
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content.RelatesTo.GetReplaceID() != "" {
			return platform.InboundEvent{}, false
		}
		body := strings.TrimSpace(content.Body)
		if body == "" {
			return platform.InboundEvent{}, false
		}

		key := platform.NewKey(platformName, room, evt.Sender.String())
		if thread := content.RelatesTo.GetThreadParent(); thread != "" {
			key = key.WithToken(thread.String())
		}
		ev := platform.NewEvent(key, platform.KindMessage, body)
		ev.ID = evt.ID.String()
		ev.MessageID = evt.ID.String()
		return ev, true

	case event.EventReaction:
		if evt.Sender == a.userID {
			return platform.InboundEvent{}, false
		}
		content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
		if !ok || content.RelatesTo.Key == "" {
			return platform.InboundEvent{}, false
		}

		ev := platform.NewEvent(platform.NewKey(platformName, room, evt.Sender.String()), platform.KindReaction, content.RelatesTo.Key)
		ev.ID = evt.ID.String()
		ev.Target = content.RelatesTo.EventID.String()
		return ev, true

	case event.StateMember:
		if evt.StateKey == nil || id.UserID(*evt.StateKey) == a.userID {
			return platform.InboundEvent{}, false
		}
		kind, ok := membershipKind(evt.Content.AsMember().Membership)
		if !ok {
			return platform.InboundEvent{}, false
		}

		ev := platform.NewEvent(platform.NewKey(platformName, room, *evt.StateKey), kind, "")
		ev.ID = evt.ID.String()
		return ev, true
	}

	return platform.InboundEvent{}, false
}

func membershipKind(membership event.Membership) (platform.Kind, bool) {
	switch membership {
	case event.MembershipJoin:
		return platform.KindJoin, true
	case event.MembershipLeave, event.MembershipBan:
		return platform.KindLeave, true
	default:
		return "", false
	}
}

// roomAllowed checks if the room is in the allowed list.
func (a *Adapter) roomAllowed(roomID string) bool {
	if len(a.cfg.AllowedRooms) == 0 {
		return true
	}

	return slices.Contains(a.cfg.AllowedRooms, roomID)
}

func (a *Adapter) Events() <-chan platform.InboundEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

func (a *Adapter) Send(ctx context.Context, msg platform.OutboundMessage) (platform.MessageHandle, error) {
	if err := platform.CheckContent(platformName, a.Capabilities(), msg.Content); err != nil {
		return platform.MessageHandle{}, err
	}

	client, err := a.connectedClient()
	if err != nil {
		return platform.MessageHandle{}, err
	}

	var content *event.MessageEventContent
	switch c := msg.Content.(type) {
	case platform.Text:
		content = &event.MessageEventContent{MsgType: event.MsgText, Body: string(c)}
	case platform.Attachment:
		content, err = a.uploadFile(ctx, client, c)
		if err != nil {
			return platform.MessageHandle{}, platform.NewTransportError(platformName, "send", err)
		}
	default:
		return platform.MessageHandle{}, platform.Unsupported(platformName, "send "+string(msg.Content.ContentKind()))
	}
	content.RelatesTo = relation(msg.Key.Token, msg.ReplyTo)

	resp, err := client.SendMessageEvent(ctx, id.RoomID(msg.Key.Channel), event.EventMessage, content)
	if err != nil {
		return platform.MessageHandle{}, platform.NewTransportError(platformName, "send", err)
	}

	return platform.MessageHandle{Platform: platformName, Channel: msg.Key.Channel, ID: resp.EventID.String()}, nil
}

func (a *Adapter) uploadFile(ctx context.Context, client *mautrix.Client, file platform.Attachment) (*event.MessageEventContent, error) {
	mime := file.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}

	upload, err := client.UploadBytes(ctx, file.Data, mime)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.Name, err)
	}

	return &event.MessageEventContent{
		MsgType: event.MsgFile,
		Body:    file.Name,
		URL:     upload.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: mime, Size: len(file.Data)},
	}, nil
}

// Edit sends an m.replace event for the original message.
func (a *Adapter) Edit(ctx context.Context, handle platform.MessageHandle, content platform.Content) error {
	text, ok := content.(platform.Text)
	if !ok {
		return platform.Unsupported(platformName, "edit "+string(content.ContentKind()))
	}

	client, err := a.connectedClient()
	if err != nil {
		return err
	}

	edit := &event.MessageEventContent{MsgType: event.MsgText, Body: string(text)}
	edit.SetEdit(id.EventID(handle.ID))

	_, err = client.SendMessageEvent(ctx, id.RoomID(handle.Channel), event.EventMessage, edit)
	return platform.NewTransportError(platformName, "edit", err)
}

func (a *Adapter) Delete(ctx context.Context, handle platform.MessageHandle) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}

	_, err = client.RedactEvent(ctx, id.RoomID(handle.Channel), id.EventID(handle.ID))
	return platform.NewTransportError(platformName, "delete", err)
}

// Close stops syncing and waits for the event stream to close.
func (a *Adapter) Close() error {
	a.stopSync()
	return nil
}

func (a *Adapter) stopSync() {
	a.mu.Lock()
	client, stop, done := a.client, a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	client.StopSync()
	<-done
}

func (a *Adapter) connectedClient() (*mautrix.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil, platform.NewConnectionError(platformName, errors.New("not connected"))
	}
	return a.client, nil
}

// relation threads a reply under the conversation's thread root, or quotes
// the message being answered outside threads.
func relation(thread string, replyTo string) *event.RelatesTo {
	switch {
	case thread != "":
		rel := &event.RelatesTo{Type: event.RelThread, EventID: id.EventID(thread)}
		if replyTo != "" {
			rel.InReplyTo = &event.InReplyTo{EventID: id.EventID(replyTo)}
			rel.IsFallingBack = true
		}
		return rel
	case replyTo != "":
		return &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)}}
	default:
		return nil
	}
}
