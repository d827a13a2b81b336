package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/broker"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// FederationHandler serves the peer-to-peer forwarding route. A peer posts
// a tagged query; this broker drives it to a terminal result and returns it
// in the response, or rejects it on a routing loop.
type FederationHandler struct {
	broker *broker.Broker
	logger *zap.Logger
}

// NewFederationHandler creates a new FederationHandler.
func NewFederationHandler(b *broker.Broker, logger *zap.Logger) *FederationHandler {
	return &FederationHandler{broker: b, logger: logger}
}

// Forward handles POST /internal/federation/forward.
func (h *FederationHandler) Forward(w http.ResponseWriter, r *http.Request) {
	var q model.Query
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&q); err != nil {
		writeValidationError(w, r, "malformed forwarded query: "+err.Error())
		return
	}
	if q.ID == "" || q.Type == "" {
		writeValidationError(w, r, "forwarded query requires id and type")
		return
	}

	h.logger.Info("Forwarded query received",
		zap.String("query_id", q.ID),
		zap.String("query_type", q.Type),
		zap.String("origin_peer", q.OriginPeer),
		zap.Int("visited_peers", len(q.VisitedPeers)),
	)

	res, err := h.broker.SubmitForwarded(r.Context(), &q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
