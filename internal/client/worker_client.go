// Package client provides the outbound RPC clients the broker uses to reach
// workers and peer brokers. Workers are opaque endpoints; the broker only
// knows how to hand them a query and read back a payload.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// Invoker dispatches a query to a remote worker and returns its payload.
type Invoker interface {
	Invoke(ctx context.Context, workerAddr string, query *model.Query) (json.RawMessage, error)
}

// WorkerClient invokes workers over HTTP. The per-dispatch deadline comes
// from the caller's context; the embedded client timeout is a hard ceiling.
type WorkerClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWorkerClient creates a worker RPC client.
func NewWorkerClient(maxTimeout time.Duration, logger *zap.Logger) *WorkerClient {
	return &WorkerClient{
		httpClient: &http.Client{Timeout: maxTimeout},
		logger:     logger,
	}
}

// invokeResponse is the wire shape workers answer with.
type invokeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Invoke posts the query to the worker's invoke endpoint and returns the
// result payload. Deadline expiry maps to ErrDispatchTimeout so health
// scoring treats it as a failed outcome, not a crash.
func (c *WorkerClient) Invoke(ctx context.Context, workerAddr string, query *model.Query) (json.RawMessage, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	url := workerURL(workerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, brokererrors.Wrap(brokererrors.ErrDispatchTimeout, err)
		}
		return nil, fmt.Errorf("worker call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read worker response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var decoded invokeResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("worker error: %s", decoded.Error)
	}
	return decoded.Result, nil
}

func workerURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/invoke"
	}
	return "http://" + strings.TrimRight(addr, "/") + "/invoke"
}
