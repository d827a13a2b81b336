package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/store"
)

// failingStore always refuses pings.
type failingStore struct {
	store.MemoryShardStore
}

func (f *failingStore) Ping(context.Context) error {
	return errors.New("backend unreachable")
}

func TestLivenessAlwaysHealthy(t *testing.T) {
	hc := NewHealthCheck(store.NewSet(nil), zap.NewNop())
	defer hc.Stop()

	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestReadinessReflectsStorePings(t *testing.T) {
	healthy := store.NewSet(map[string]store.ShardStore{"shard-0": store.NewMemoryShardStore()})
	hc := NewHealthCheck(healthy, zap.NewNop())
	defer hc.Stop()

	rec := httptest.NewRecorder()
	hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	broken := store.NewSet(map[string]store.ShardStore{"shard-0": &failingStore{}})
	hc2 := NewHealthCheck(broken, zap.NewNop())
	defer hc2.Stop()

	rec = httptest.NewRecorder()
	hc2.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend unreachable")
}
