package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parley/pkg/platform"
)

const defaultShards = 32

// Registry maps routing slots to live conversations.
//
// Keys are spread over fnv-hashed shards, each with its own lock, so unrelated
// keys never contend. Keys are compared by slot: the conversation token is
// ignored.
type Registry struct {
	shards []*registryShard
	log    *slog.Logger

	// whenIdle lets the owner veto an expiry while events for the key are
	// still queued. Nil runs every expiry.
	whenIdle func(key platform.RoutingKey, expire func() bool) bool
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[platform.RoutingKey]*Conversation
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}

	r := &Registry{
		shards: make([]*registryShard, shards),
		log:    slog.Default().With("component", "engine.registry"),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{entries: make(map[platform.RoutingKey]*Conversation)}
	}

	return r
}

func (r *Registry) shard(key platform.RoutingKey) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Lookup returns the conversation registered for key. The entry may already be
// past its deadline; callers resolve that when they begin a turn.
func (r *Registry) Lookup(key platform.RoutingKey) (*Conversation, bool) {
	key = key.Slot()
	shard := r.shard(key)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	conv, ok := shard.entries[key]
	return conv, ok
}

// Register claims key for conv. It fails with ErrSlotOccupied while another
// non-terminal conversation holds the key; a terminal leftover is replaced.
func (r *Registry) Register(key platform.RoutingKey, conv *Conversation) error {
	key = key.Slot()
	shard := r.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.entries[key]; ok && existing != conv && !existing.Status().Terminal() {
		return ErrSlotOccupied
	}
	shard.entries[key] = conv
	return nil
}

// Unregister removes key only while it still maps to conv, so a late call for
// an old conversation never evicts its successor.
func (r *Registry) Unregister(key platform.RoutingKey, conv *Conversation) bool {
	key = key.Slot()
	shard := r.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.entries[key]; ok && existing == conv {
		delete(shard.entries, key)
		return true
	}

	return false
}

// Len counts registered conversations.
func (r *Registry) Len() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}

	return total
}

// Snapshot returns Info for every registered conversation, oldest first.
func (r *Registry) Snapshot() []Info {
	conversations := r.all()
	infos := make([]Info, 0, len(conversations))
	for _, conv := range conversations {
		infos = append(infos, conv.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })

	return infos
}

func (r *Registry) all() []*Conversation {
	var conversations []*Conversation
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, conv := range shard.entries {
			conversations = append(conversations, conv)
		}
		shard.mu.RUnlock()
	}

	return conversations
}

// Sweep expires awaiting conversations whose deadline has passed, removes them
// and returns them so their timeout turn can be delivered. Terminal leftovers
// are dropped as well. A key the owner reports busy is skipped.
func (r *Registry) Sweep(now time.Time) []*Conversation {
	var expired []*Conversation
	for _, shard := range r.shards {
		shard.mu.Lock()
		for key, conv := range shard.entries {
			if r.expire(key, conv, now) {
				delete(shard.entries, key)
				expired = append(expired, conv)
				continue
			}
			if status := conv.Status(); status.Terminal() {
				delete(shard.entries, key)
				if status == StatusTimedOut {
					expired = append(expired, conv)
				}
			}
		}
		shard.mu.Unlock()
	}

	return expired
}

func (r *Registry) expire(key platform.RoutingKey, conv *Conversation, now time.Time) bool {
	if r.whenIdle == nil {
		return conv.expire(now)
	}

	return r.whenIdle(key, func() bool { return conv.expire(now) })
}

// Run sweeps every interval until ctx is done, passing expired conversations
// to onExpire.
func (r *Registry) Run(ctx context.Context, interval time.Duration, now func() time.Time, onExpire func(*Conversation)) {
	if interval <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := r.Sweep(now())
			if len(expired) > 0 {
				r.log.Debug("Sweep expired conversations", "count", len(expired))
			}
			for _, conv := range expired {
				if onExpire != nil {
					onExpire(conv)
				}
			}
		}
	}
}
