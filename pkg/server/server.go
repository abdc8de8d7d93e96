// Package server exposes the control plane's HTTP surface: model
// start/stop, inventory and discovery introspection, and the liveness
// and readiness endpoints the teacher's health package already provides.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/semoss/model-deployer/pkg/blobstore"
	"github.com/semoss/model-deployer/pkg/discovery"
	"github.com/semoss/model-deployer/pkg/health"
	"github.com/semoss/model-deployer/pkg/inventory"
	"github.com/semoss/model-deployer/pkg/orchestrator"
	"github.com/semoss/model-deployer/pkg/placement"
	"github.com/semoss/model-deployer/pkg/readiness"
)

// Orchestrator is the saga surface the server drives.
type Orchestrator interface {
	Start(ctx context.Context, req orchestrator.ModelRequest) (*orchestrator.StartResult, error)
	Stop(ctx context.Context, req orchestrator.ModelRequest) error
}

// InventoryReader is the inventory surface the server reports.
type InventoryReader interface {
	Snapshot(ctx context.Context, cfg *blobstore.NodePoolConfig) ([]inventory.PoolTotals, error)
	Residents(ctx context.Context, cfg *blobstore.NodePoolConfig) ([]inventory.Resident, error)
}

// PoolConfigSource supplies the node-pool configuration the inventory
// snapshot is computed against.
type PoolConfigSource interface {
	NodePools(ctx context.Context) (*blobstore.NodePoolConfig, error)
}

// DiscoveryReader lists the discovery store's znodes for introspection.
type DiscoveryReader interface {
	List(ctx context.Context, state discovery.State) ([]discovery.Entry, error)
}

// Server is the control plane's HTTP API.
type Server struct {
	orch    Orchestrator
	inv     InventoryReader
	blobs   PoolConfigSource
	store   DiscoveryReader
	apiKeys map[string]bool
	health  *health.HealthChecker
}

// New builds a Server. apiKeys lists the shared secrets accepted on
// mutating routes via the X-API-Key header.
func New(orch Orchestrator, inv InventoryReader, blobs PoolConfigSource, store DiscoveryReader, apiKeys []string, checker *health.HealthChecker) *Server {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}
	return &Server{orch: orch, inv: inv, blobs: blobs, store: store, apiKeys: keys, health: checker}
}

// Handler builds the routed mux, wiring mutating routes behind the
// shared-secret middleware and the health checker's own endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/models/start", s.requireAPIKey(http.HandlerFunc(s.handleStart)))
	mux.Handle("/api/v1/models/stop", s.requireAPIKey(http.HandlerFunc(s.handleStop)))
	mux.HandleFunc("/api/v1/inventory", s.handleInventory)
	mux.HandleFunc("/api/v1/discovery", s.handleDiscovery)
	if s.health != nil {
		health.AttachHealthEndpoints(mux, s.health)
	}
	return mux
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || !s.apiKeys[key] {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-API-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	Model       string `json:"model"`
	ModelID     string `json:"model_id"`
	ModelRepoID string `json:"model_repo_id"`
	ModelType   string `json:"model_type"`
}

type startResponse struct {
	ModelID  string `json:"model_id"`
	Endpoint string `json:"endpoint"`
	Degraded bool   `json:"degraded"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Model == "" || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model and model_id are required")
		return
	}

	res, err := s.orch.Start(r.Context(), orchestrator.ModelRequest{
		ModelID: req.ModelID, ModelName: req.Model, ModelRepoID: req.ModelRepoID, ModelType: req.ModelType,
	})
	if err != nil {
		s.writeOrchestratorError(w, req.ModelID, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{ModelID: res.ModelID, Endpoint: res.Endpoint, Degraded: res.Degraded})
}

// stopRequest requires only model_id: the serving resources are keyed by
// model_name, which the orchestrator recovers from the model's own
// discovery-store record, so model is accepted but optional.
type stopRequest struct {
	Model   string `json:"model"`
	ModelID string `json:"model_id"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model_id is required")
		return
	}

	if err := s.orch.Stop(r.Context(), orchestrator.ModelRequest{ModelID: req.ModelID, ModelName: req.Model}); err != nil {
		s.writeOrchestratorError(w, req.ModelID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model_id": req.ModelID, "state_after": "stopped"})
}

type inventoryResponse struct {
	Pools     []inventory.PoolTotals `json:"pools"`
	Residents []inventory.Resident   `json:"residents"`
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.blobs.NodePools(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "transient_api", err.Error())
		return
	}
	pools, err := s.inv.Snapshot(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusBadGateway, "transient_api", err.Error())
		return
	}
	residents, err := s.inv.Residents(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusBadGateway, "transient_api", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inventoryResponse{Pools: pools, Residents: residents})
}

type discoveryEntryJSON struct {
	ID             string `json:"id"`
	IP             string `json:"ip"`
	ModelName      string `json:"model_name"`
	ModelType      string `json:"model_type,omitempty"`
	ModelRepoID    string `json:"model_repo_id,omitempty"`
	DeploymentType string `json:"deployment_type,omitempty"`
	Legacy         bool   `json:"legacy,omitempty"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	out := map[string][]discoveryEntryJSON{}
	for _, state := range []discovery.State{discovery.Warming, discovery.Active, discovery.Cooling} {
		entries, err := s.store.List(r.Context(), state)
		if err != nil {
			writeError(w, http.StatusBadGateway, "transient_api", err.Error())
			return
		}
		list := make([]discoveryEntryJSON, 0, len(entries))
		for _, e := range entries {
			list = append(list, discoveryEntryJSON{
				ID: e.ID, IP: e.Record.IP, ModelName: e.Record.ModelName,
				ModelType: e.Record.ModelType, ModelRepoID: e.Record.ModelRepoID,
				DeploymentType: e.Record.DeploymentType, Legacy: e.Record.Legacy,
			})
		}
		out[string(state)] = list
	}
	writeJSON(w, http.StatusOK, out)
}

// writeOrchestratorError maps a saga failure to the HTTP status the
// caller should see, per the error-kind table: placement misses are a
// client-correctable conflict, exposure timeouts are a gateway timeout,
// anything else surfaces as a transient upstream failure since the saga
// has already compensated every completed step by the time it returns.
func (s *Server) writeOrchestratorError(w http.ResponseWriter, modelID string, err error) {
	var noFit placement.NoFitDetail
	switch {
	case errors.As(err, &noFit):
		writeErrorWithState(w, http.StatusConflict, "placement_no_fit", err.Error(), modelID, "none")
	case errors.Is(err, readiness.ErrExposureTimeout):
		writeErrorWithState(w, http.StatusGatewayTimeout, "exposure_timeout", err.Error(), modelID, "unknown")
	case errors.Is(err, blobstore.ErrNotFound):
		writeErrorWithState(w, http.StatusNotFound, "not_found", err.Error(), modelID, "none")
	default:
		klog.Errorf("server: orchestrator error for %s: %v", modelID, err)
		writeErrorWithState(w, http.StatusBadGateway, "transient_api", err.Error(), modelID, "unknown")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errKind, message string) {
	writeJSON(w, status, map[string]string{"error": errKind, "message": message})
}

func writeErrorWithState(w http.ResponseWriter, status int, errKind, message, modelID, stateAfter string) {
	writeJSON(w, status, map[string]string{
		"error": errKind, "message": message, "model_id": modelID, "state_after": stateAfter,
	})
}

// StartupReadiness flips checker ready once the given probe (the binary
// passes a node-pool configuration fetch from the blob store) succeeds.
func StartupReadiness(checker *health.HealthChecker, probe func(ctx context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := probe(ctx); err != nil {
		klog.Errorf("server: startup readiness probe failed: %v", err)
		return
	}
	checker.SetReady(true)
}
