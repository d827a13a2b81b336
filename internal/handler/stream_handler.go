package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/broker"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// FrameKind enumerates the message kinds on the bidirectional stream.
// The set is closed: frames with any other kind are rejected.
type FrameKind string

const (
	// FrameKindSubmit is a client frame carrying a query submission.
	FrameKindSubmit FrameKind = "submit"
	// FrameKindCancel is a client frame canceling a previously submitted query.
	FrameKindCancel FrameKind = "cancel"
	// FrameKindAck is a broker frame acknowledging an accepted submission.
	FrameKindAck FrameKind = "ack"
	// FrameKindResult is a broker frame carrying a terminal result.
	FrameKindResult FrameKind = "result"
	// FrameKindError is a broker frame reporting a per-frame failure.
	FrameKindError FrameKind = "error"
)

// Frame is the wire shape of every stream message, client- and broker-sent.
type Frame struct {
	Kind      FrameKind             `json:"kind"`
	ID        string                `json:"id,omitempty"`
	Query     *broker.SubmitRequest `json:"query,omitempty"`
	Realm     string                `json:"realm,omitempty"`
	Result    *model.Result         `json:"result,omitempty"`
	ErrorCode string                `json:"error_code,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// StreamHandler serves GET /v1/stream: a WebSocket channel over which a
// client submits queries and receives ack and result frames correlated
// by query id.
type StreamHandler struct {
	broker *broker.Broker
	logger *zap.Logger
	routes map[FrameKind]func(ctx context.Context, s *streamSession, f Frame)
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(b *broker.Broker, logger *zap.Logger) *StreamHandler {
	h := &StreamHandler{broker: b, logger: logger}
	h.routes = map[FrameKind]func(ctx context.Context, s *streamSession, f Frame){
		FrameKindSubmit: h.handleSubmit,
		FrameKindCancel: h.handleCancel,
	}
	return h
}

// streamSession is one accepted WebSocket connection. Writes are serialized
// because the connection does not support concurrent writers.
type streamSession struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	wg     sync.WaitGroup
}

func (s *streamSession) write(ctx context.Context, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("Failed to marshal stream frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("Stream write failed", zap.Error(err))
	}
}

func (s *streamSession) writeError(ctx context.Context, id string, code brokererrors.ErrorCode, message string) {
	s.write(ctx, Frame{Kind: FrameKindError, ID: id, ErrorCode: string(code), Message: message})
}

// Serve handles GET /v1/stream.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket accept failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := &streamSession{
		conn:   conn,
		logger: h.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	session.logger.Info("Stream session opened")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			session.writeError(ctx, "", brokererrors.ErrCodeInternal, "malformed frame: "+err.Error())
			continue
		}

		route, ok := h.routes[frame.Kind]
		if !ok {
			session.writeError(ctx, frame.ID, "UNSUPPORTED_FRAME_KIND", "unsupported frame kind: "+string(frame.Kind))
			continue
		}
		route(ctx, session, frame)
	}

	cancel()
	session.wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "closing")
	session.logger.Info("Stream session closed")
}

// handleSubmit accepts a submit frame, acks it, and pushes the terminal
// result frame when it arrives.
func (h *StreamHandler) handleSubmit(ctx context.Context, s *streamSession, f Frame) {
	if f.Query == nil || f.Query.Type == "" {
		s.writeError(ctx, f.ID, brokererrors.ErrCodeInternal, "submit frame requires a query with a type")
		return
	}

	req := *f.Query
	if req.ID == "" {
		req.ID = f.ID
	}

	q, realmName, ch, err := h.broker.Submit(ctx, req)
	if err != nil {
		s.writeError(ctx, req.ID, brokererrors.CodeOf(err), err.Error())
		return
	}

	s.write(ctx, Frame{Kind: FrameKindAck, ID: q.ID, Realm: realmName})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case res := <-ch:
			if res != nil {
				s.write(ctx, Frame{Kind: FrameKindResult, ID: res.QueryID, Result: res})
			}
		case <-ctx.Done():
		}
	}()
}

// handleCancel cancels a previously submitted query. The canceled terminal
// result still arrives as a result frame through the submit path.
func (h *StreamHandler) handleCancel(ctx context.Context, s *streamSession, f Frame) {
	if f.ID == "" {
		s.writeError(ctx, "", brokererrors.ErrCodeInternal, "cancel frame requires an id")
		return
	}
	if err := h.broker.CancelQuery(f.ID); err != nil {
		s.writeError(ctx, f.ID, brokererrors.CodeOf(err), err.Error())
	}
}
