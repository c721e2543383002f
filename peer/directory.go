package peer

import (
	"sync"

	"marketbroker/identity"
	"marketbroker/market"
)

type peerEntry struct {
	baseURL string
	secret  string
}

// MemoryDirectory is an in-memory Directory + SecretStore keyed by both
// NodeId and offer subscription. The real mapping (which peer published a
// given offer, and which secret authenticates it) is populated by the
// embedding service's configuration or discovery layer.
type MemoryDirectory struct {
	mu          sync.RWMutex
	byNode      map[string]peerEntry
	bySubscription map[market.SubscriptionId]peerEntry
}

// NewMemoryDirectory constructs an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byNode:         make(map[string]peerEntry),
		bySubscription: make(map[market.SubscriptionId]peerEntry),
	}
}

// RegisterNode associates a peer NodeId with its base URL and shared secret.
func (d *MemoryDirectory) RegisterNode(node identity.NodeId, baseURL, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byNode[node.String()] = peerEntry{baseURL: baseURL, secret: secret}
}

// RegisterSubscription associates an offer subscription with the peer
// hosting it.
func (d *MemoryDirectory) RegisterSubscription(offer market.SubscriptionId, baseURL, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bySubscription[offer] = peerEntry{baseURL: baseURL, secret: secret}
}

func (d *MemoryDirectory) ResolveNode(peer identity.NodeId) (string, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byNode[peer.String()]
	return e.baseURL, e.secret, ok
}

func (d *MemoryDirectory) ResolveSubscription(offer market.SubscriptionId) (string, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.bySubscription[offer]
	return e.baseURL, e.secret, ok
}

// SecretFor implements SecretStore by looking the caller up as a NodeId in
// the node directory.
func (d *MemoryDirectory) SecretFor(caller string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byNode[caller]
	return e.secret, ok
}

var (
	_ Directory    = (*MemoryDirectory)(nil)
	_ SecretStore  = (*MemoryDirectory)(nil)
)
