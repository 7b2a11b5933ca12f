package peer

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps discovered-peer identifiers to Peers. It is the sole
// shared mutable state of the session manager and is safe for use from
// the concurrent browse, advertise and session event sources.
type Registry struct {
	mu    sync.RWMutex
	peers map[ID]*Peer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[ID]*Peer),
	}
}

// Add inserts or replaces the Peer under its identifier.
// A repeated found event for the same identifier refreshes the entry.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	r.peers[p.ID] = p
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Add",
		"peer_id":      p.ID,
		"display_name": p.DisplayName,
	}).Debug("Peer registered")
}

// Get returns the Peer for the identifier, if registered.
func (r *Registry) Get(id ID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	return p, ok
}

// Remove deletes the entry and reports whether it existed.
// Removing an unknown identifier is a no-op, which absorbs duplicate or
// out-of-order loss events.
func (r *Registry) Remove(id ID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	delete(r.peers, id)

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"peer_id":  id,
	}).Debug("Peer removed")

	return p, true
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// Snapshot returns a copy of the current peer set.
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}
