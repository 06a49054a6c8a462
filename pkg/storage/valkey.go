package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

const defaultValkeyConnectTimeout = 5 * time.Second

// ValkeyOptions configures NewValkeyStore.
type ValkeyOptions struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	TTL            time.Duration
	ConnectTimeout time.Duration
}

// ValkeyStore keeps values in Valkey (or Redis) under a key prefix, optionally
// expiring them after TTL.
type ValkeyStore struct {
	client valkeylib.Client
	prefix string
	ttl    time.Duration
}

// NewValkeyStore connects and pings the server before returning.
func NewValkeyStore(opts ValkeyOptions) (*ValkeyStore, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, errors.New("storage.valkey.address is required for the valkey backend")
	}

	clientOpts := valkeylib.ClientOption{
		InitAddress: []string{opts.Address},
		SelectDB:    opts.DB,
	}
	if opts.Password != "" {
		clientOpts.Password = opts.Password
	}

	client, err := valkeylib.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultValkeyConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey (timeout: %v): %w", timeout, err)
	}

	return newValkeyStore(client, opts.KeyPrefix, opts.TTL), nil
}

func newValkeyStore(client valkeylib.Client, prefix string, ttl time.Duration) *ValkeyStore {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &ValkeyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *ValkeyStore) fullKey(key Key) string {
	return s.prefix + key.String()
}

func (s *ValkeyStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.fullKey(key)).Build()).AsBytes()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	return data, true, nil
}

func (s *ValkeyStore) Put(ctx context.Context, key Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	var cmd valkeylib.Completed
	if s.ttl > 0 {
		cmd = s.client.B().Set().Key(s.fullKey(key)).Value(string(value)).Ex(s.ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.fullKey(key)).Value(string(value)).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	return nil
}

func (s *ValkeyStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.fullKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	return nil
}

// List scans with SCAN MATCH so large keyspaces are never blocked.
func (s *ValkeyStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	rawPrefix, err := prefix.prefixString()
	if err != nil {
		return nil, err
	}

	pattern := escapeGlob(s.prefix+rawPrefix) + "*"
	var keys []Key
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", rawPrefix, err)
		}

		for _, raw := range entry.Elements {
			key, err := ParseKey(strings.TrimPrefix(raw, s.prefix))
			if err != nil {
				continue
			}
			keys = append(keys, key)
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	// SCAN order is arbitrary; match the other backends
	slices.SortFunc(keys, func(a, b Key) int { return strings.Compare(a.String(), b.String()) })
	return keys, nil
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

// escapeGlob quotes the glob metacharacters SCAN MATCH understands.
func escapeGlob(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(value)
}
