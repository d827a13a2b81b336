package model

import "time"

// PeerAdvert is the capability advertisement a broker gossips to its peers.
// It rides memberlist node metadata as JSON.
type PeerAdvert struct {
	PeerID   string `json:"peer_id"`
	Endpoint string `json:"endpoint"`
	// Capabilities maps realm name to the query types it serves.
	Capabilities map[string][]string `json:"capabilities"`
}

// FederationPeer is one known remote broker instance.
type FederationPeer struct {
	PeerID       string              `json:"peer_id"`
	Endpoint     string              `json:"endpoint"`
	Capabilities map[string][]string `json:"capabilities"`
	LastSeen     time.Time           `json:"last_seen"`
}

// Advertises reports whether any realm on the peer serves the query type.
func (p *FederationPeer) Advertises(queryType string) bool {
	for _, types := range p.Capabilities {
		for _, t := range types {
			if t == queryType {
				return true
			}
		}
	}
	return false
}

// Fresh reports whether the peer was refreshed within the staleness window.
func (p *FederationPeer) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastSeen) <= window
}
