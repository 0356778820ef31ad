// Package registry tracks which peer addresses are listening on which
// channels and when each peer was last heard from.
//
// The relay registers a peer on every successful channel authentication and
// touches it on every packet. A background sweeper reaps peers that have
// been silent for longer than the staleness window, removing them from all
// channel memberships in the same critical section so the forward and
// reverse views never drift.
package registry

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultStaleAfter is how long a peer may stay silent before it is reaped.
const DefaultStaleAfter = 30 * time.Second

type peer struct {
	addr     *net.UDPAddr
	userID   int64
	username string
	channels map[uint8]struct{}
	lastSeen time.Time
}

// Peer is a read-only snapshot of one registered peer.
type Peer struct {
	Key      string
	Addr     *net.UDPAddr
	UserID   int64
	Username string
	Channels []uint8
	LastSeen time.Time
}

// Reaped describes one peer removed by Reap, so the caller can tear down
// its jitter buffers and write disconnect log entries.
type Reaped struct {
	Key      string
	Addr     *net.UDPAddr
	UserID   int64
	Username string
	Channels []uint8
}

// Registry is the shared peer/channel index. All methods are safe for
// concurrent use; every mutation runs under one lock.
type Registry struct {
	mu         sync.RWMutex
	peers      map[string]*peer
	channels   map[uint8]map[string]struct{}
	staleAfter time.Duration

	log *slog.Logger
	now func() time.Time
}

// New creates an empty registry. Peers silent for longer than staleAfter
// are removed by Reap.
func New(staleAfter time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		peers:      make(map[string]*peer),
		channels:   make(map[uint8]map[string]struct{}),
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
	}
}

// Register records that addr is listening on channel, creating the peer
// entry if absent and refreshing its last-seen time.
func (r *Registry) Register(addr *net.UDPAddr, channel uint8, userID int64, username string) {
	key := addr.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[key]
	if !ok {
		p = &peer{
			addr:     addr,
			userID:   userID,
			username: username,
			channels: make(map[uint8]struct{}),
		}
		r.peers[key] = p
		r.log.Debug("peer registered", "addr", key, "user", username, "channel", channel)
	}
	p.channels[channel] = struct{}{}
	p.lastSeen = r.now()

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[key] = struct{}{}
}

// Touch refreshes the peer's last-seen time. Returns false when the peer
// is not registered.
func (r *Registry) Touch(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[key]
	if !ok {
		return false
	}
	p.lastSeen = r.now()
	return true
}

// Recipients returns the addresses listening on channel, excluding the peer
// with the given key. The returned slice is a snapshot safe to use after
// the lock is released.
func (r *Registry) Recipients(channel uint8, excludeKey string) []*net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.channels[channel]
	if !ok {
		return nil
	}
	out := make([]*net.UDPAddr, 0, len(members))
	for key := range members {
		if key == excludeKey {
			continue
		}
		if p, ok := r.peers[key]; ok {
			out = append(out, p.addr)
		}
	}
	return out
}

// Reap removes every peer whose last-seen age exceeds the staleness window
// and returns what was removed.
func (r *Registry) Reap() []Reaped {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []Reaped
	for key, p := range r.peers {
		if now.Sub(p.lastSeen) <= r.staleAfter {
			continue
		}
		channels := make([]uint8, 0, len(p.channels))
		for ch := range p.channels {
			channels = append(channels, ch)
			if members, ok := r.channels[ch]; ok {
				delete(members, key)
				if len(members) == 0 {
					delete(r.channels, ch)
				}
			}
		}
		delete(r.peers, key)
		reaped = append(reaped, Reaped{
			Key:      key,
			Addr:     p.addr,
			UserID:   p.userID,
			Username: p.username,
			Channels: channels,
		})
		r.log.Info("peer reaped", "addr", key, "user", p.username, "silent_for", now.Sub(p.lastSeen))
	}
	return reaped
}

// Remove deletes one peer and all its memberships. Returns false when the
// peer is not registered.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[key]
	if !ok {
		return false
	}
	for ch := range p.channels {
		if members, ok := r.channels[ch]; ok {
			delete(members, key)
			if len(members) == 0 {
				delete(r.channels, ch)
			}
		}
	}
	delete(r.peers, key)
	return true
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns a copy of all registered peers for monitoring.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for key, p := range r.peers {
		channels := make([]uint8, 0, len(p.channels))
		for ch := range p.channels {
			channels = append(channels, ch)
		}
		out = append(out, Peer{
			Key:      key,
			Addr:     p.addr,
			UserID:   p.userID,
			Username: p.username,
			Channels: channels,
			LastSeen: p.lastSeen,
		})
	}
	return out
}

// ChannelCounts returns the number of listeners per channel.
func (r *Registry) ChannelCounts() map[uint8]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint8]int, len(r.channels))
	for ch, members := range r.channels {
		out[ch] = len(members)
	}
	return out
}
