package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/federation"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/realm"
)

// RealmFactory builds, registers, and starts a realm at runtime.
type RealmFactory func(cfg config.RealmConfig) (*realm.Realm, error)

// FederationView exposes the federation state consumed by the admin surface.
type FederationView interface {
	Peers() []model.FederationPeer
	Stats() federation.Stats
}

// AdminHandler serves realm, worker, and federation management routes.
type AdminHandler struct {
	realms      *realm.Registry
	fed         FederationView // nil when federation is disabled
	createRealm RealmFactory
	logger      *zap.Logger
}

// NewAdminHandler creates a new AdminHandler. fed may be nil.
func NewAdminHandler(realms *realm.Registry, fed FederationView, createRealm RealmFactory, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{realms: realms, fed: fed, createRealm: createRealm, logger: logger}
}

// ListRealms handles GET /v1/admin/realms.
func (h *AdminHandler) ListRealms(w http.ResponseWriter, r *http.Request) {
	list := h.realms.List()
	infos := make([]model.RealmInfo, 0, len(list))
	for _, rl := range list {
		infos = append(infos, rl.Info())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"realms": infos})
}

// realmView is the single-realm admin response, including its worker pool.
type realmView struct {
	model.RealmInfo
	Workers []model.Worker `json:"workers"`
}

// GetRealm handles GET /v1/admin/realms/{name}.
func (h *AdminHandler) GetRealm(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rl, ok := h.realms.Get(name)
	if !ok {
		writeNotFound(w, r, fmt.Sprintf("realm %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, realmView{RealmInfo: rl.Info(), Workers: rl.Registry().Workers()})
}

// createRealmRequest declares a realm on the admin surface. Durations are
// Go duration strings ("30s").
type createRealmRequest struct {
	Name             string                `json:"name"`
	PrimaryQueryType string                `json:"primary_query_type"`
	QueueCapacity    int                   `json:"queue_capacity"`
	Consumers        int                   `json:"consumers"`
	MinWorkers       int                   `json:"min_workers,omitempty"`
	MaxWorkers       int                   `json:"max_workers,omitempty"`
	DispatchTimeout  string                `json:"dispatch_timeout,omitempty"`
	MaxRetries       int                   `json:"max_retries"`
	Strategy         string                `json:"strategy,omitempty"`
	Workers          []createWorkerRequest `json:"workers,omitempty"`
}

type createWorkerRequest struct {
	Realm        string   `json:"realm,omitempty"`
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities"`
}

// CreateRealm handles POST /v1/admin/realms.
func (h *AdminHandler) CreateRealm(w http.ResponseWriter, r *http.Request) {
	var req createRealmRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.Name == "" || req.PrimaryQueryType == "" {
		writeValidationError(w, r, "name and primary_query_type are required")
		return
	}
	if req.QueueCapacity <= 0 {
		writeValidationError(w, r, "queue_capacity must be positive")
		return
	}
	if _, exists := h.realms.Get(req.Name); exists {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Status:    "error",
			ErrorCode: "REALM_EXISTS",
			Message:   fmt.Sprintf("realm %q already exists", req.Name),
			RequestID: r.Header.Get("X-Request-ID"),
		})
		return
	}

	if req.MaxWorkers > 0 && req.MinWorkers > req.MaxWorkers {
		writeValidationError(w, r, "min_workers exceeds max_workers")
		return
	}
	if req.MaxWorkers > 0 && len(req.Workers) > req.MaxWorkers {
		writeValidationError(w, r, "declared workers exceed max_workers")
		return
	}
	cfg := config.RealmConfig{
		Name:             req.Name,
		PrimaryQueryType: req.PrimaryQueryType,
		QueueCapacity:    req.QueueCapacity,
		Consumers:        req.Consumers,
		MinWorkers:       req.MinWorkers,
		MaxWorkers:       req.MaxWorkers,
		MaxRetries:       req.MaxRetries,
		Strategy:         req.Strategy,
	}
	if req.DispatchTimeout != "" {
		d, err := time.ParseDuration(req.DispatchTimeout)
		if err != nil {
			writeValidationError(w, r, fmt.Sprintf("invalid dispatch_timeout %q", req.DispatchTimeout))
			return
		}
		cfg.DispatchTimeout = d
	}
	for _, wc := range req.Workers {
		cfg.Workers = append(cfg.Workers, config.WorkerConfig{Address: wc.Address, Capabilities: wc.Capabilities})
	}

	rl, err := h.createRealm(cfg)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("Realm created",
		zap.String("realm", rl.Name()),
		zap.String("primary_query_type", rl.PrimaryQueryType()),
	)
	writeJSON(w, http.StatusCreated, rl.Info())
}

// RegisterWorker handles POST /v1/admin/workers.
func (h *AdminHandler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req createWorkerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.Realm == "" || req.Address == "" {
		writeValidationError(w, r, "realm and address are required")
		return
	}

	rl, ok := h.realms.Get(req.Realm)
	if !ok {
		writeNotFound(w, r, fmt.Sprintf("realm %q not found", req.Realm))
		return
	}

	caps := req.Capabilities
	if len(caps) == 0 {
		caps = []string{rl.PrimaryQueryType()}
	}
	if err := rl.RegisterWorker(req.Address, caps); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("Worker registered",
		zap.String("realm", req.Realm),
		zap.String("address", req.Address),
		zap.Strings("capabilities", caps),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered", "address": req.Address, "realm": req.Realm})
}

// DeregisterWorker handles DELETE /v1/admin/workers/{address}. The realm
// may be narrowed with ?realm=; otherwise all realms are searched.
func (h *AdminHandler) DeregisterWorker(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	realmName := r.URL.Query().Get("realm")

	var searched []*realm.Realm
	if realmName != "" {
		rl, ok := h.realms.Get(realmName)
		if !ok {
			writeNotFound(w, r, fmt.Sprintf("realm %q not found", realmName))
			return
		}
		searched = []*realm.Realm{rl}
	} else {
		searched = h.realms.List()
	}

	for _, rl := range searched {
		if rl.Registry().Deregister(address) {
			h.logger.Info("Worker deregistered",
				zap.String("realm", rl.Name()),
				zap.String("address", address),
			)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered", "address": address, "realm": rl.Name()})
			return
		}
	}
	writeNotFound(w, r, fmt.Sprintf("worker %q not found", address))
}

// FederationPeers handles GET /v1/admin/federation/peers.
func (h *AdminHandler) FederationPeers(w http.ResponseWriter, r *http.Request) {
	if h.fed == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": false,
			"peers":   []model.FederationPeer{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"peers":   h.fed.Peers(),
		"stats":   h.fed.Stats(),
	})
}
