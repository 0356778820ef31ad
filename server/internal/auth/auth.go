// Package auth resolves funk keys to user identities for the relay. Verify
// results are cached for a short TTL so repeated AUTH packets stay off the
// database; connection logging and last-seen stamps run on a small worker
// pool so the packet loop never blocks on store I/O.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcordes92/dfg-funk/server/internal/store"
)

// ErrInvalidKey is returned by Verify for unknown keys and inactive users.
var ErrInvalidKey = errors.New("invalid funk key")

const (
	// DefaultTTL bounds how long a verified key is served from cache.
	DefaultTTL = 3 * time.Second

	workerCount  = 4
	taskQueueCap = 256
	taskTimeout  = 5 * time.Second
)

// Store is the slice of the persistence layer the oracle needs.
type Store interface {
	VerifyFunkKey(ctx context.Context, key string) (store.User, error)
	LogConnection(ctx context.Context, userID int64, channel uint8, action, ip string) error
	TouchLastSeen(ctx context.Context, userID int64) error
}

// Identity is a verified user and the channel set it may use.
type Identity struct {
	UserID   int64
	Username string
	Allowed  map[uint8]struct{}
}

// AllowedChannel reports whether the identity may use the channel.
func (id Identity) AllowedChannel(ch uint8) bool {
	_, ok := id.Allowed[ch]
	return ok
}

type cacheEntry struct {
	identity Identity
	expires  time.Time
}

// Oracle verifies credentials and offloads best-effort store writes.
type Oracle struct {
	store Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	tasks     chan func(ctx context.Context)
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

// New builds an oracle around the store and starts its workers. A
// non-positive ttl selects DefaultTTL.
func New(st Store, ttl time.Duration) *Oracle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	o := &Oracle{
		store: st,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
		tasks: make(chan func(ctx context.Context), taskQueueCap),
		now:   time.Now,
	}
	for i := 0; i < workerCount; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	return o
}

// Close stops the workers after the queued tasks drain. No Verify or
// Record calls may follow.
func (o *Oracle) Close() {
	o.closeOnce.Do(func() { close(o.tasks) })
	o.wg.Wait()
}

// Verify resolves a credential to an identity. Unknown keys and inactive
// users return ErrInvalidKey; only successes are cached.
func (o *Oracle) Verify(ctx context.Context, credential string) (Identity, error) {
	if id, ok := o.cached(credential); ok {
		return id, nil
	}

	u, err := o.store.VerifyFunkKey(ctx, credential)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return Identity{}, ErrInvalidKey
		}
		return Identity{}, fmt.Errorf("verify credential: %w", err)
	}

	allowed := make(map[uint8]struct{}, len(u.Channels))
	for _, ch := range u.Channels {
		allowed[ch] = struct{}{}
	}
	id := Identity{UserID: u.ID, Username: u.Username, Allowed: allowed}

	o.mu.Lock()
	o.cache[credential] = cacheEntry{identity: id, expires: o.now().Add(o.ttl)}
	o.mu.Unlock()
	return id, nil
}

func (o *Oracle) cached(credential string) (Identity, bool) {
	o.mu.RLock()
	entry, ok := o.cache[credential]
	o.mu.RUnlock()
	if !ok || o.now().After(entry.expires) {
		return Identity{}, false
	}
	return entry.identity, true
}

// RecordConnect logs a connect event without blocking the caller.
func (o *Oracle) RecordConnect(userID int64, channel uint8, peerIP string) {
	o.enqueue("record connect", func(ctx context.Context) {
		if err := o.store.LogConnection(ctx, userID, channel, store.ActionConnect, peerIP); err != nil {
			slog.Warn("record connect failed", "user_id", userID, "channel", channel, "err", err)
		}
	})
}

// RecordDisconnect logs a disconnect event without blocking the caller.
func (o *Oracle) RecordDisconnect(userID int64, channel uint8, peerIP string) {
	o.enqueue("record disconnect", func(ctx context.Context) {
		if err := o.store.LogConnection(ctx, userID, channel, store.ActionDisconnect, peerIP); err != nil {
			slog.Warn("record disconnect failed", "user_id", userID, "channel", channel, "err", err)
		}
	})
}

// TouchLastSeen stamps the user's last-seen time without blocking the caller.
func (o *Oracle) TouchLastSeen(userID int64) {
	o.enqueue("touch last seen", func(ctx context.Context) {
		if err := o.store.TouchLastSeen(ctx, userID); err != nil {
			slog.Warn("touch last seen failed", "user_id", userID, "err", err)
		}
	})
}

func (o *Oracle) enqueue(name string, task func(ctx context.Context)) {
	select {
	case o.tasks <- task:
	default:
		slog.Warn("auth worker queue full, dropping task", "task", name)
	}
}

func (o *Oracle) worker() {
	defer o.wg.Done()
	for task := range o.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		task(ctx)
		cancel()
	}
}
