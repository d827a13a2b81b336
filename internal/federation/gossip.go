package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// Gossip advertises this broker's realm capabilities to its peers and
// collects theirs, over a memberlist cluster. Each broker's advertisement
// rides its node metadata; the advertise ticker re-broadcasts it so peers
// can prune anyone silent for longer than the staleness window.
type Gossip struct {
	cfg        config.FederationConfig
	nodeID     string
	advertFn   func() model.PeerAdvert
	peers      *PeerSet
	logger     *zap.Logger
	memberlist *memberlist.Memberlist
	stopCh     chan struct{}
}

// NewGossip creates and joins the federation gossip cluster.
func NewGossip(cfg config.FederationConfig, nodeID string, advertFn func() model.PeerAdvert, peers *PeerSet, logger *zap.Logger) (*Gossip, error) {
	g := &Gossip{
		cfg:      cfg,
		nodeID:   nodeID,
		advertFn: advertFn,
		peers:    peers,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{gossip: g}
	mlConfig.LogOutput = &zapWriter{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.Bootstrap) > 0 {
		if _, err := ml.Join(cfg.Bootstrap); err != nil {
			logger.Warn("Failed to join some bootstrap peers", zap.Error(err))
		}
	}

	go g.advertiseLoop()
	return g, nil
}

// advertiseLoop re-broadcasts this broker's metadata on the configured
// interval and prunes stale peers.
func (g *Gossip) advertiseLoop() {
	ticker := time.NewTicker(g.cfg.AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if err := g.memberlist.UpdateNode(g.cfg.AdvertiseInterval / 2); err != nil {
				g.logger.Warn("Failed to re-advertise node metadata", zap.Error(err))
			}
			fresh := g.peers.Prune(g.cfg.StalenessWindow())
			g.logger.Debug("Pruned stale federation peers", zap.Int("fresh", fresh))
		}
	}
}

// Shutdown leaves the gossip cluster.
func (g *Gossip) Shutdown() error {
	close(g.stopCh)
	if err := g.memberlist.Leave(time.Second); err != nil {
		g.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return g.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate. It serializes the current
// capability advertisement, truncating never: an advert over the limit is
// dropped with a warning rather than corrupted.
func (g *Gossip) NodeMeta(limit int) []byte {
	data, err := json.Marshal(g.advertFn())
	if err != nil {
		g.logger.Warn("Failed to marshal capability advert", zap.Error(err))
		return nil
	}
	if len(data) > limit {
		g.logger.Warn("Capability advert exceeds gossip metadata limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate. Adverts travel as node
// metadata, so direct messages are ignored.
func (g *Gossip) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (g *Gossip) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}

// absorb parses a node's metadata into the peer set.
func (g *Gossip) absorb(node *memberlist.Node) {
	if node.Name == g.nodeID || len(node.Meta) == 0 {
		return
	}
	var advert model.PeerAdvert
	if err := json.Unmarshal(node.Meta, &advert); err != nil {
		g.logger.Warn("Failed to unmarshal peer advert",
			zap.String("node", node.Name),
			zap.Error(err))
		return
	}
	if advert.PeerID == "" {
		advert.PeerID = node.Name
	}
	g.peers.Upsert(advert)
}

// gossipEvents handles memberlist membership events.
type gossipEvents struct {
	gossip *Gossip
}

// NotifyJoin is called when a peer joins the cluster.
func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.gossip.logger.Info("Federation peer joined",
		zap.String("peer", node.Name),
		zap.String("addr", node.Addr.String()))
	e.gossip.absorb(node)
}

// NotifyLeave is called when a peer leaves the cluster.
func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.gossip.logger.Info("Federation peer left", zap.String("peer", node.Name))
	e.gossip.peers.Remove(node.Name)
}

// NotifyUpdate is called when a peer's metadata changes.
func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.gossip.absorb(node)
}

// zapWriter adapts memberlist's log output to zap.
type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Write(p []byte) (int, error) {
	w.logger.Debug("memberlist", zap.ByteString("line", p))
	return len(p), nil
}
