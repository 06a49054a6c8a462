// Package storage persists opt-in command state keyed by bot, command,
// conversation and field.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"parley/pkg/config"
)

// ErrInvalidKey is returned for keys missing a required component.
var ErrInvalidKey = errors.New("invalid storage key")

// Key addresses one stored value. Conversation is a namespace chosen by the
// command: a conversation id for per-conversation data, or a user-level id for
// data that outlives conversations.
type Key struct {
	Bot          string `json:"bot"`
	Command      string `json:"command"`
	Conversation string `json:"conversation"`
	Field        string `json:"field"`
}

// Store is the persistence boundary. Implementations are safe for concurrent use.
type Store interface {
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error
	// List returns every key that starts with the non-empty leading components
	// of prefix.
	List(ctx context.Context, prefix Key) ([]Key, error)
	Close() error
}

func (k Key) String() string {
	return strings.Join(k.parts(), "/")
}

func (k Key) parts() []string {
	return []string{
		url.PathEscape(k.Bot),
		url.PathEscape(k.Command),
		url.PathEscape(k.Conversation),
		url.PathEscape(k.Field),
	}
}

// Validate requires every component to be set.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Bot) == "" || strings.TrimSpace(k.Command) == "" ||
		strings.TrimSpace(k.Conversation) == "" || strings.TrimSpace(k.Field) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}

	return nil
}

// prefixString renders the leading non-empty components of a list prefix,
// terminated by a separator so "ab" never matches "abc".
func (k Key) prefixString() (string, error) {
	if strings.TrimSpace(k.Bot) == "" {
		return "", fmt.Errorf("%w: list prefix needs a bot", ErrInvalidKey)
	}

	parts := k.parts()
	components := []string{k.Bot, k.Command, k.Conversation, k.Field}
	used := 0
	for i, component := range components {
		if component == "" {
			break
		}
		used = i + 1
	}
	for i := used; i < len(components); i++ {
		if components[i] != "" {
			return "", fmt.Errorf("%w: list prefix has a gap", ErrInvalidKey)
		}
	}

	if used == len(components) {
		return strings.Join(parts, "/"), nil
	}

	return strings.Join(parts[:used], "/") + "/", nil
}

// matches reports whether key falls under prefix.
func (k Key) matches(prefix Key) bool {
	components := []struct{ value, want string }{
		{k.Bot, prefix.Bot},
		{k.Command, prefix.Command},
		{k.Conversation, prefix.Conversation},
		{k.Field, prefix.Field},
	}
	for _, c := range components {
		if c.want == "" {
			return true
		}
		if c.value != c.want {
			return false
		}
	}

	return true
}

// ParseKey reverses Key.String.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}

	decoded := make([]string, len(parts))
	for i, part := range parts {
		value, err := url.PathUnescape(part)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalidKey, raw, err)
		}
		decoded[i] = value
	}

	return Key{Bot: decoded[0], Command: decoded[1], Conversation: decoded[2], Field: decoded[3]}, nil
}

// Open builds the backend named by cfg.Backend.
func Open(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.StorageMemory:
		return NewMemoryStore(), nil
	case config.StorageSQLite:
		return NewSQLiteStore(cfg.Path)
	case config.StorageBolt:
		return NewBoltStore(cfg.Path)
	case config.StorageValkey:
		return NewValkeyStore(ValkeyOptions{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			TTL:       cfg.Valkey.TTL.Std(),
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// Scoped narrows a Store to one bot and command. Commands receive one per turn.
type Scoped struct {
	store   Store
	bot     string
	command string
}

// Scope returns a Scoped view, or nil when store is nil.
func Scope(store Store, bot string, command string) *Scoped {
	if store == nil {
		return nil
	}

	return &Scoped{store: store, bot: bot, command: command}
}

func (s *Scoped) key(conversation string, field string) Key {
	return Key{Bot: s.bot, Command: s.command, Conversation: conversation, Field: field}
}

func (s *Scoped) Get(ctx context.Context, conversation string, field string) ([]byte, bool, error) {
	return s.store.Get(ctx, s.key(conversation, field))
}

func (s *Scoped) Put(ctx context.Context, conversation string, field string, value []byte) error {
	return s.store.Put(ctx, s.key(conversation, field), value)
}

func (s *Scoped) Delete(ctx context.Context, conversation string, field string) error {
	return s.store.Delete(ctx, s.key(conversation, field))
}

// Fields lists the field names stored under one conversation namespace.
func (s *Scoped) Fields(ctx context.Context, conversation string) ([]string, error) {
	keys, err := s.store.List(ctx, Key{Bot: s.bot, Command: s.command, Conversation: conversation})
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, key.Field)
	}

	return fields, nil
}
