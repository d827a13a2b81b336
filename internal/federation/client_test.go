package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

func TestForwardClientDecodesTerminalResult(t *testing.T) {
	var gotQuery model.Query
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, ForwardPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotQuery))
		json.NewEncoder(w).Encode(model.Result{
			QueryID: gotQuery.ID,
			Status:  model.ResultStatusOK,
			Payload: json.RawMessage(`{"ok":true}`),
		})
	}))
	defer ts.Close()

	c := NewForwardClient(5*time.Second, zap.NewNop())
	res, err := c.Forward(context.Background(), ts.URL, &model.Query{
		ID:           "q1",
		Type:         "chat",
		VisitedPeers: []string{"node-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "q1", res.QueryID)
	assert.Equal(t, model.ResultStatusOK, res.Status)
	assert.Equal(t, []string{"node-a"}, gotQuery.VisitedPeers)
}

func TestForwardClientMapsLoopEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusLoopDetected)
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "error",
			"error_code": "FORWARD_LOOP",
			"message":    "query already visited this broker",
		})
	}))
	defer ts.Close()

	c := NewForwardClient(5*time.Second, zap.NewNop())
	_, err := c.Forward(context.Background(), ts.URL, &model.Query{ID: "q1", Type: "chat"})
	require.ErrorIs(t, err, brokererrors.ErrForwardLoop)
}

func TestForwardClientSurfacesPeerFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "error",
			"error_code": "NO_ELIGIBLE_WORKER",
			"message":    "no eligible worker available",
		})
	}))
	defer ts.Close()

	c := NewForwardClient(5*time.Second, zap.NewNop())
	_, err := c.Forward(context.Background(), ts.URL, &model.Query{ID: "q1", Type: "chat"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, brokererrors.ErrForwardLoop)
	assert.Contains(t, err.Error(), "503")
}
