package market

import "sync"

// SubscriptionStore is a read-only view of the Demands and Offers a party
// currently has active. The negotiation broker does not own matching; it
// only needs to know whether a subscription is still live and who owns it.
type SubscriptionStore interface {
	GetDemand(id SubscriptionId) (*Demand, bool)
	GetOffer(id SubscriptionId) (*Offer, bool)
}

// MemorySubscriptionStore is a minimal in-memory SubscriptionStore. The
// external matcher (out of scope) is expected to populate it via Put/Remove
// as it publishes and retires Demands/Offers on the caller's behalf.
type MemorySubscriptionStore struct {
	mu      sync.RWMutex
	demands map[SubscriptionId]*Demand
	offers  map[SubscriptionId]*Offer
}

// NewMemorySubscriptionStore constructs an empty SubscriptionStore.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		demands: make(map[SubscriptionId]*Demand),
		offers:  make(map[SubscriptionId]*Offer),
	}
}

func (s *MemorySubscriptionStore) PutDemand(d *Demand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demands[d.Id] = d
}

func (s *MemorySubscriptionStore) RemoveDemand(id SubscriptionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.demands, id)
}

func (s *MemorySubscriptionStore) GetDemand(id SubscriptionId) (*Demand, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.demands[id]
	return d, ok
}

func (s *MemorySubscriptionStore) PutOffer(o *Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.Id] = o
}

func (s *MemorySubscriptionStore) RemoveOffer(id SubscriptionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offers, id)
}

func (s *MemorySubscriptionStore) GetOffer(id SubscriptionId) (*Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	return o, ok
}
