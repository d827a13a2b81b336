package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/broker"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
)

// maxBodyBytes bounds ingress request bodies.
const maxBodyBytes = 4 << 20

// QueryHandler serves the query submission, polling, and cancellation routes.
type QueryHandler struct {
	broker *broker.Broker
	logger *zap.Logger
}

// NewQueryHandler creates a new QueryHandler.
func NewQueryHandler(b *broker.Broker, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{broker: b, logger: logger}
}

// submitAck is the acknowledgement returned on accepted submission.
type submitAck struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	Realm  string `json:"realm"`
}

// Submit handles POST /v1/queries.
func (h *QueryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req broker.SubmitRequest
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeValidationError(w, r, "type is required")
		return
	}

	q, realmName, _, err := h.broker.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitAck{Status: "accepted", ID: q.ID, Realm: realmName})
}

// Get handles GET /v1/queries/{id}: it returns the terminal result when
// delivered, or a pending marker while the query is still in flight.
func (h *QueryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if res, ok := h.broker.Result(id); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if h.broker.Known(id) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "id": id})
		return
	}
	writeError(w, r, h.logger, brokererrors.ErrQueryNotFound)
}

// Cancel handles DELETE /v1/queries/{id}. Queued queries are removed
// outright; in-flight queries are canceled best-effort and any late
// worker result is discarded.
func (h *QueryHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.broker.CancelQuery(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled", "id": id})
}
