package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// ForwardPath is the peer endpoint that accepts federated queries.
const ForwardPath = "/internal/federation/forward"

// ForwardClient sends queries to peer brokers. The forward is synchronous:
// the peer drives the query to a terminal result and returns it in the
// response body.
type ForwardClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewForwardClient creates a federation forward client.
func NewForwardClient(timeout time.Duration, logger *zap.Logger) *ForwardClient {
	return &ForwardClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// errorEnvelope mirrors the ingress API error response shape.
type errorEnvelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Forward posts the query to a peer and decodes its terminal result.
func (c *ForwardClient) Forward(ctx context.Context, endpoint string, query *model.Query) (*model.Result, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal forwarded query: %w", err)
	}

	url := strings.TrimRight(endpoint, "/") + ForwardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read forward response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil && env.ErrorCode == string(brokererrors.ErrCodeForwardLoop) {
			return nil, brokererrors.ErrForwardLoop
		}
		return nil, fmt.Errorf("peer %s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result model.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode forward result: %w", err)
	}
	return &result, nil
}
