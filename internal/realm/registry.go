package realm

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/algorithm"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// Registry owns the set of realms. The realm set is read-mostly after
// startup; runtime realm creation takes a brief exclusive lock off the
// query hot path.
type Registry struct {
	mu           sync.RWMutex
	realms       map[string]*Realm
	order        []string
	rings        map[string]*algorithm.Ring // query type -> realm spreading ring
	defaultRealm string
	logger       *zap.Logger
}

// NewRegistry creates an empty realm registry. The default realm receives
// queries whose type no realm serves; empty disables the fallback.
func NewRegistry(defaultRealm string, logger *zap.Logger) *Registry {
	return &Registry{
		realms:       make(map[string]*Realm),
		rings:        make(map[string]*algorithm.Ring),
		defaultRealm: defaultRealm,
		logger:       logger,
	}
}

// Add registers a realm. Fails when the name is already taken.
func (g *Registry) Add(r *Realm) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.realms[r.Name()]; exists {
		return brokererrors.Wrapf(brokererrors.ErrCodeInternal, nil, "realm %q already exists", r.Name())
	}
	g.realms[r.Name()] = r
	g.order = append(g.order, r.Name())

	ring, ok := g.rings[r.PrimaryQueryType()]
	if !ok {
		ring = algorithm.NewRing(64)
		g.rings[r.PrimaryQueryType()] = ring
	}
	ring.Add(r.Name())

	g.logger.Info("Realm registered",
		zap.String("realm", r.Name()),
		zap.String("query_type", r.PrimaryQueryType()))
	return nil
}

// Get returns a realm by name.
func (g *Registry) Get(name string) (*Realm, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.realms[name]
	return r, ok
}

// List returns all realms in registration order.
func (g *Registry) List() []*Realm {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Realm, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.realms[name])
	}
	return out
}

// Route returns the realm serving the query. When several realms serve the
// same type, the user key spreads load across them through a stable hash,
// so routing is deterministic and idempotent per key. Queries whose type no
// realm serves fail with ErrUnknownQueryType; callers fall back to the
// default realm rather than dropping the query.
func (g *Registry) Route(query *model.Query) (*Realm, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ring, ok := g.rings[query.Type]
	if !ok || len(ring.Members()) == 0 {
		return nil, brokererrors.ErrUnknownQueryType
	}

	members := ring.Members()
	if len(members) == 1 {
		return g.realms[members[0]], nil
	}
	key := query.UserKey
	if key == "" {
		key = query.ID
	}
	name := ring.Locate(key)
	return g.realms[name], nil
}

// AssignUserToRealm deterministically maps a user key to the realm serving
// the query type. The mapping is idempotent for the same key as long as the
// realm set is unchanged.
func (g *Registry) AssignUserToRealm(userKey, queryType string) (*Realm, error) {
	return g.Route(&model.Query{Type: queryType, UserKey: userKey})
}

// Default returns the fallback realm for unknown query types, if configured.
func (g *Registry) Default() (*Realm, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.defaultRealm == "" {
		return nil, false
	}
	r, ok := g.realms[g.defaultRealm]
	return r, ok
}

// OthersServing returns realms other than the named one that can serve the
// query type, in registration order. Used for cross-realm escalation.
func (g *Registry) OthersServing(excludeRealm, queryType string) []*Realm {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Realm
	for _, name := range g.order {
		if name == excludeRealm {
			continue
		}
		r := g.realms[name]
		for _, c := range r.Capabilities() {
			if c == queryType {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Capabilities returns the full realm -> query types map this broker
// advertises to federation peers.
func (g *Registry) Capabilities() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string][]string, len(g.realms))
	for name, r := range g.realms {
		out[name] = r.Capabilities()
	}
	return out
}

// Shutdown stops every realm.
func (g *Registry) Shutdown() {
	for _, r := range g.List() {
		r.Shutdown()
	}
}
