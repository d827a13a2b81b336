package federation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/metrics"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/realm"
)

// forwardFunc adapts a function to the Forwarder interface.
type forwardFunc func(ctx context.Context, endpoint string, query *model.Query) (*model.Result, error)

func (f forwardFunc) Forward(ctx context.Context, endpoint string, query *model.Query) (*model.Result, error) {
	return f(ctx, endpoint, query)
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func testRealms(t *testing.T, cfgs ...config.RealmConfig) *realm.Registry {
	t.Helper()
	reg := realm.NewRegistry("", zap.NewNop())
	health := config.HealthConfig{
		Alpha: 0.65, Beta: 0.20, Gamma: 0.15,
		BlacklistThreshold: 0.30, RecoveryKappa: 1.0 / 60.0,
		TargetLatency: 2 * time.Second,
	}
	m := testMetrics()
	for _, cfg := range cfgs {
		require.NoError(t, reg.Add(realm.New(cfg, health, nil, nil, m, zap.NewNop())))
	}
	return reg
}

func chatQuery(id string) *model.Query {
	return &model.Query{ID: id, Type: "chat"}
}

func TestSelectCrossRealmFindsCompatibleWorker(t *testing.T) {
	realms := testRealms(t,
		config.RealmConfig{
			Name: "chat-main", PrimaryQueryType: "chat", QueueCapacity: 4,
			Workers: []config.WorkerConfig{{Address: "w1:9000", Capabilities: []string{"chat"}}},
		},
		config.RealmConfig{
			Name: "vision", PrimaryQueryType: "vision", QueueCapacity: 4,
			Workers: []config.WorkerConfig{{Address: "w2:9000", Capabilities: []string{"vision"}}},
		},
	)

	r := NewRouter("node-a", realms, NewPeerSet(), nil, time.Minute, testMetrics(), zap.NewNop())

	// From the vision realm's perspective a chat query has a cross-realm home.
	worker, owner, err := r.SelectCrossRealm("vision", "chat")
	require.NoError(t, err)
	assert.Equal(t, "w1:9000", worker.Address)
	assert.Equal(t, "chat-main", owner.Name())

	// The origin realm itself is never a cross-realm candidate.
	_, _, err = r.SelectCrossRealm("chat-main", "chat")
	assert.ErrorIs(t, err, brokererrors.ErrNoEligibleWorker)
}

func TestForwardToFirstHealthyPeer(t *testing.T) {
	peers := NewPeerSet()
	peers.Upsert(advert("peer-a", "http://a:8080", "chat"))
	peers.Upsert(advert("peer-b", "http://b:8080", "chat"))

	var tried []string
	fwd := forwardFunc(func(_ context.Context, endpoint string, q *model.Query) (*model.Result, error) {
		tried = append(tried, endpoint)
		if endpoint == "http://a:8080" {
			return nil, errors.New("connection refused")
		}
		assert.True(t, q.Visited("node-a"), "forwarded query must carry the sender's visit mark")
		assert.Equal(t, "node-a", q.OriginPeer)
		return &model.Result{QueryID: q.ID, Status: model.ResultStatusOK}, nil
	})

	r := NewRouter("node-a", testRealms(t), peers, fwd, time.Minute, testMetrics(), zap.NewNop())

	res, err := r.Forward(context.Background(), chatQuery("q1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8080", "http://b:8080"}, tried)
	assert.Equal(t, "peer-b", res.ServedBy)
	assert.Equal(t, uint64(1), r.Stats().CrossFederationQueries)
}

func TestForwardNoCandidates(t *testing.T) {
	r := NewRouter("node-a", testRealms(t), NewPeerSet(), nil, time.Minute, testMetrics(), zap.NewNop())

	_, err := r.Forward(context.Background(), chatQuery("q1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrNoEligibleWorker)
}

func TestForwardSkipsVisitedPeers(t *testing.T) {
	peers := NewPeerSet()
	peers.Upsert(advert("peer-a", "http://a:8080", "chat"))

	r := NewRouter("node-b", testRealms(t), peers, nil, time.Minute, testMetrics(), zap.NewNop())

	q := chatQuery("q1").WithVisit("peer-a")
	_, err := r.Forward(context.Background(), q)
	assert.ErrorIs(t, err, brokererrors.ErrNoEligibleWorker,
		"the only candidate was already visited")
}

func TestForwardLoopReportFailsClosed(t *testing.T) {
	peers := NewPeerSet()
	peers.Upsert(advert("peer-a", "http://a:8080", "chat"))
	peers.Upsert(advert("peer-b", "http://b:8080", "chat"))

	calls := 0
	fwd := forwardFunc(func(context.Context, string, *model.Query) (*model.Result, error) {
		calls++
		return nil, brokererrors.ErrForwardLoop
	})

	r := NewRouter("node-a", testRealms(t), peers, fwd, time.Minute, testMetrics(), zap.NewNop())

	_, err := r.Forward(context.Background(), chatQuery("q1"))
	assert.ErrorIs(t, err, brokererrors.ErrForwardLoop)
	assert.Equal(t, 1, calls, "a loop report is never retried against another peer")
}

func TestCheckLoop(t *testing.T) {
	r := NewRouter("node-a", testRealms(t), NewPeerSet(), nil, time.Minute, testMetrics(), zap.NewNop())

	assert.NoError(t, r.CheckLoop(chatQuery("q1")))
	assert.ErrorIs(t, r.CheckLoop(chatQuery("q1").WithVisit("node-a")), brokererrors.ErrForwardLoop)
}

// TestMultiHopNeverRevisitsANode chains three brokers in a gossip ring
// a -> b -> c -> a with no worker anywhere, and asserts the query hops
// each node exactly once: the cycle back to node-a is cut by the visited
// set and the terminal error is capability exhaustion, not a loop fault.
func TestMultiHopNeverRevisitsANode(t *testing.T) {
	routers := make(map[string]*Router, 3)
	var receiveOrder []string

	endpointToNode := map[string]string{
		"http://a:8080": "node-a",
		"http://b:8080": "node-b",
		"http://c:8080": "node-c",
	}

	// The stub plays the receiving broker: refuse loops, mark the node
	// visited, then escalate onward since no node has a local worker.
	fwd := forwardFunc(func(ctx context.Context, endpoint string, q *model.Query) (*model.Result, error) {
		node := endpointToNode[endpoint]
		target := routers[node]
		if err := target.CheckLoop(q); err != nil {
			return nil, err
		}
		receiveOrder = append(receiveOrder, node)
		return target.Forward(ctx, q.WithVisit(node))
	})

	ring := map[string][2]string{
		"node-a": {"node-b", "http://b:8080"},
		"node-b": {"node-c", "http://c:8080"},
		"node-c": {"node-a", "http://a:8080"},
	}
	for node, next := range ring {
		peers := NewPeerSet()
		peers.Upsert(advert(next[0], next[1], "chat"))
		routers[node] = NewRouter(node, testRealms(t), peers, fwd, time.Minute, testMetrics(), zap.NewNop())
	}

	_, err := routers["node-a"].Forward(context.Background(), chatQuery("q1"))
	require.Error(t, err)
	assert.NotEqual(t, brokererrors.ErrCodeForwardLoop, brokererrors.CodeOf(err),
		"exhaustion must surface as NO_ELIGIBLE_WORKER, not a loop fault")
	assert.ErrorIs(t, err, brokererrors.ErrNoEligibleWorker)

	// The query travels a -> b -> c; the hop back to node-a never happens.
	assert.Equal(t, []string{"node-b", "node-c"}, receiveOrder)
}
