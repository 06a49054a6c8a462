package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"parley/pkg/config"
	"parley/pkg/platform"
)

const platformName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second
const typingMaxDuration = 30 * time.Second
const eventBuffer = 64

// MaxTextLength is Telegram's limit for one message body.
const MaxTextLength = 4096

var allowedUpdates = []string{"message", "message_reaction"}

// Adapter bridges Telegram long polling into platform events.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu     sync.Mutex
	bot    *telego.Bot
	events chan platform.InboundEvent
	stop   context.CancelFunc
	done   chan struct{}
	typing map[int64]*typingSession
}

type typingSession struct {
	cancel context.CancelFunc
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("platforms.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "platform.telegram"),
		typing:    make(map[int64]*typingSession),
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

// Connect checks the token with getMe and starts long polling. Polling runs
// until ctx ends or Close is called; the event stream closes with it.
func (a *Adapter) Connect(ctx context.Context) error {
	a.stopPolling()

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token), telego.WithDiscardLogger())
	if err != nil {
		return platform.NewConnectionError(platformName, fmt.Errorf("initialize telegram bot: %w", err))
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return platform.NewConnectionError(platformName, fmt.Errorf("get bot identity: %w", err))
	}

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{AllowedUpdates: allowedUpdates})
	if err != nil {
		cancel()
		return platform.NewConnectionError(platformName, fmt.Errorf("start long polling: %w", err))
	}

	events := make(chan platform.InboundEvent, eventBuffer)
	done := make(chan struct{})

	a.mu.Lock()
	a.bot = bot
	a.events = events
	a.stop = cancel
	a.done = done
	a.mu.Unlock()

	go a.poll(pollCtx, updates, events, done)
	a.log.Info("Telegram platform connected", "username", me.Username)
	return nil
}

func (a *Adapter) poll(ctx context.Context, updates <-chan telego.Update, events chan<- platform.InboundEvent, done chan<- struct{}) {
	defer close(done)
	defer close(events)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					a.log.Warn("Telegram updates channel closed")
				}
				return
			}

			for _, ev := range a.toEvents(update) {
				if ev.Kind == platform.KindMessage {
					a.startTyping(ctx, ev.Key.Channel)
				}

				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// toEvents normalizes one update. Updates from senders outside allow_from and
// update types the engine does not route yield nothing.
func (a *Adapter) toEvents(update telego.Update) []platform.InboundEvent {
	updateID := strconv.Itoa(update.UpdateID)

	if reaction := update.MessageReaction; reaction != nil {
		if reaction.User == nil {
			return nil
		}
		senderID := strconv.FormatInt(reaction.User.ID, 10)
		if !a.senderAllowed(senderID) {
			return nil
		}
		emoji := reactionEmoji(reaction.NewReaction)
		if emoji == "" {
			return nil
		}

		ev := platform.NewEvent(platform.NewKey(platformName, strconv.FormatInt(reaction.Chat.ID, 10), senderID), platform.KindReaction, emoji)
		ev.ID = updateID
		ev.Target = strconv.Itoa(reaction.MessageID)
		return []platform.InboundEvent{ev}
	}

	message := update.Message
	if message == nil {
		return nil
	}
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	var events []platform.InboundEvent
	for i, member := range message.NewChatMembers {
		ev := platform.NewEvent(platform.NewKey(platformName, chatID, strconv.FormatInt(member.ID, 10)), platform.KindJoin, "")
		ev.ID = fmt.Sprintf("%s/join/%d", updateID, i)
		events = append(events, ev)
	}
	if left := message.LeftChatMember; left != nil {
		ev := platform.NewEvent(platform.NewKey(platformName, chatID, strconv.FormatInt(left.ID, 10)), platform.KindLeave, "")
		ev.ID = updateID + "/leave"
		events = append(events, ev)
	}
	if len(events) > 0 {
		return events
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		content = strings.TrimSpace(message.Caption)
	}
	if content == "" {
		return nil
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return nil
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return nil
	}

	key := platform.NewKey(platformName, chatID, senderID)
	if message.MessageThreadID != 0 {
		key = key.WithToken(strconv.Itoa(message.MessageThreadID))
	}

	ev := platform.NewEvent(key, platform.KindMessage, content)
	ev.ID = updateID
	ev.MessageID = strconv.Itoa(message.MessageID)
	a.log.Debug("Received message", "chat_id", chatID, "sender_id", senderID, "content", previewText(content))

	return []platform.InboundEvent{ev}
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

	bot, err := a.connectedBot()
	if err != nil {
		return platform.MessageHandle{}, err
	}
	chatID, err := parseChatID(msg.Key.Channel)
	if err != nil {
		return platform.MessageHandle{}, platform.NewTransportError(platformName, "send", err)
	}
	a.stopTyping(chatID)

	threadID, _ := strconv.Atoi(msg.Key.Token)
	replyTo := replyParameters(msg.ReplyTo)

	var sent *telego.Message
	switch content := msg.Content.(type) {
	case platform.Text:
		params := tu.Message(tu.ID(chatID), string(content))
		params.MessageThreadID = threadID
		params.ReplyParameters = replyTo
		a.log.Debug("Sending message", "chat_id", chatID, "content", previewText(string(content)))
		sent, err = bot.SendMessage(ctx, params)

	case platform.Attachment:
		params := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(content.Data), content.Name)))
		params.MessageThreadID = threadID
		params.ReplyParameters = replyTo
		sent, err = bot.SendDocument(ctx, params)
	}
	if err != nil {
		return platform.MessageHandle{}, platform.NewTransportError(platformName, "send", err)
	}
	if sent == nil {
		return platform.MessageHandle{}, platform.NewTransportError(platformName, "send", errors.New("empty response"))
	}

	return platform.MessageHandle{
		Platform: platformName,
		Channel:  msg.Key.Channel,
		ID:       strconv.Itoa(sent.MessageID),
	}, nil
}

func (a *Adapter) Edit(ctx context.Context, handle platform.MessageHandle, content platform.Content) error {
	text, ok := content.(platform.Text)
	if !ok {
		return platform.Unsupported(platformName, "edit "+string(content.ContentKind()))
	}

	bot, err := a.connectedBot()
	if err != nil {
		return err
	}
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return platform.NewTransportError(platformName, "edit", err)
	}

	_, err = bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      string(text),
	})
	return platform.NewTransportError(platformName, "edit", err)
}

func (a *Adapter) Delete(ctx context.Context, handle platform.MessageHandle) error {
	bot, err := a.connectedBot()
	if err != nil {
		return err
	}
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return platform.NewTransportError(platformName, "delete", err)
	}

	err = bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(chatID), MessageID: messageID})
	return platform.NewTransportError(platformName, "delete", err)
}

// Close stops long polling and waits for the event stream to close.
func (a *Adapter) Close() error {
	a.stopPolling()
	return nil
}

func (a *Adapter) stopPolling() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	for chatID, session := range a.typing {
		session.cancel()
		delete(a.typing, chatID)
	}
	a.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (a *Adapter) connectedBot() (*telego.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bot == nil {
		return nil, platform.NewConnectionError(platformName, errors.New("not connected"))
	}
	return a.bot, nil
}

// startTyping shows the typing indicator in a chat until the next reply is
// sent there, refreshing it periodically, for at most typingMaxDuration.
func (a *Adapter) startTyping(ctx context.Context, channel string) {
	chatID, err := parseChatID(channel)
	if err != nil {
		return
	}

	a.mu.Lock()
	bot := a.bot
	if _, running := a.typing[chatID]; running || bot == nil {
		a.mu.Unlock()
		return
	}
	typingCtx, cancel := context.WithTimeout(ctx, typingMaxDuration)
	session := &typingSession{cancel: cancel}
	a.typing[chatID] = session
	a.mu.Unlock()

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	go func() {
		defer a.clearTyping(chatID, session)

		sendTyping()
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

func (a *Adapter) stopTyping(chatID int64) {
	a.mu.Lock()
	session, ok := a.typing[chatID]
	delete(a.typing, chatID)
	a.mu.Unlock()

	if ok {
		session.cancel()
	}
}

func (a *Adapter) clearTyping(chatID int64, session *typingSession) {
	session.cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.typing[chatID] == session {
		delete(a.typing, chatID)
	}
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// reactionEmoji returns the first emoji in a reaction list. Custom and paid
// reactions carry no emoji and are skipped.
func reactionEmoji(reactions []telego.ReactionType) string {
	for _, reaction := range reactions {
		raw, err := json.Marshal(reaction)
		if err != nil {
			continue
		}

		var decoded struct {
			Type  string `json:"type"`
			Emoji string `json:"emoji"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}
		if decoded.Type == "emoji" && decoded.Emoji != "" {
			return decoded.Emoji
		}
	}

	return ""
}

func replyParameters(replyTo string) *telego.ReplyParameters {
	messageID, err := strconv.Atoi(strings.TrimSpace(replyTo))
	if err != nil || messageID == 0 {
		return nil
	}

	return &telego.ReplyParameters{MessageID: messageID, AllowSendingWithoutReply: true}
}

func parseChatID(channel string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(channel), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", channel, err)
	}

	return chatID, nil
}

func parseHandle(handle platform.MessageHandle) (int64, int, error) {
	chatID, err := parseChatID(handle.Channel)
	if err != nil {
		return 0, 0, err
	}
	messageID, err := strconv.Atoi(strings.TrimSpace(handle.ID))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message id %q: %w", handle.ID, err)
	}

	return chatID, messageID, nil
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
