package federation

import (
	"sort"
	"sync"
	"time"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// PeerSet tracks known federation peers and their advertised capabilities.
// Peers are created on advertisement receipt, refreshed on every gossip
// update, and expired once they miss the staleness window.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*model.FederationPeer
	nowFn func() time.Time
}

// NewPeerSet creates an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		peers: make(map[string]*model.FederationPeer),
		nowFn: time.Now,
	}
}

// Upsert records or refreshes a peer from its advertisement.
func (s *PeerSet) Upsert(advert model.PeerAdvert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[advert.PeerID] = &model.FederationPeer{
		PeerID:       advert.PeerID,
		Endpoint:     advert.Endpoint,
		Capabilities: advert.Capabilities,
		LastSeen:     s.nowFn(),
	}
}

// Remove drops a peer, typically on a gossip leave event.
func (s *PeerSet) Remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// Candidates returns fresh peers that advertise the query type and do not
// appear in the visited set, sorted by peer id for deterministic ordering.
func (s *PeerSet) Candidates(queryType string, visited []string, window time.Duration) []model.FederationPeer {
	skip := make(map[string]bool, len(visited))
	for _, v := range visited {
		skip[v] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFn()
	var out []model.FederationPeer
	for _, p := range s.peers {
		if skip[p.PeerID] || !p.Fresh(now, window) || !p.Advertises(queryType) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Prune removes peers not refreshed within the staleness window and
// returns how many remain fresh.
func (s *PeerSet) Prune(window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	for id, p := range s.peers {
		if !p.Fresh(now, window) {
			delete(s.peers, id)
		}
	}
	return len(s.peers)
}

// All returns a snapshot of every known peer, sorted by peer id.
func (s *PeerSet) All() []model.FederationPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.FederationPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
