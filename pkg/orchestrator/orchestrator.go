// Package orchestrator drives a model through its lifecycle: Start runs a
// saga that registers, provisions, exposes, and promotes a model, rolling
// back every completed step on failure; Stop runs the mirror saga to tear
// a model down, restoring its prior state if teardown fails partway.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/semoss/model-deployer/pkg/blobstore"
	"github.com/semoss/model-deployer/pkg/discovery"
	"github.com/semoss/model-deployer/pkg/inventory"
	"github.com/semoss/model-deployer/pkg/placement"
)

// ModelRequest describes a model a caller wants started or stopped.
type ModelRequest struct {
	ModelID     string
	ModelName   string
	ModelRepoID string
	ModelType   string
}

// StartResult reports the outcome of a successful (possibly degraded) start.
type StartResult struct {
	ModelID  string
	Endpoint string
	Degraded bool
}

// Store is the discovery-store surface the saga needs. *discovery.Store
// satisfies it.
type Store interface {
	Get(ctx context.Context, state discovery.State, id string) (discovery.Record, bool, error)
	Put(ctx context.Context, state discovery.State, id string, rec discovery.Record) error
	Remove(ctx context.Context, state discovery.State, id string) error
}

// ManifestApplier is the manifest-service surface the saga needs.
// *manifest.Service satisfies it.
type ManifestApplier interface {
	Apply(ctx context.Context, modelID, modelName string) (kind string, err error)
	Remove(ctx context.Context, kind, modelName string) error
}

// ExposureManager is the exposure-layer surface the saga needs.
// *exposure.Layer satisfies it.
type ExposureManager interface {
	CreateLoadBalancer(ctx context.Context, modelName string) error
	RemoveLoadBalancer(ctx context.Context, modelName string) error
	GetExternalAddress(ctx context.Context, modelName string, timeout time.Duration) (string, error)
	CreateExternalName(ctx context.Context, modelName, lbIP string) error
	RemoveExternalName(ctx context.Context, modelName string) error
	CreateIngress(ctx context.Context, modelName, host, tlsSecretName string) error
	RemoveIngress(ctx context.Context, modelName string) error
}

// ReadinessWaiter is the readiness-gate surface the saga needs.
// *readiness.Gate satisfies it.
type ReadinessWaiter interface {
	Wait(ctx context.Context, modelName string, timeout time.Duration) (bool, error)
}

// ManifestSource supplies manifest bytes and node-pool configuration for
// the placement check. *blobstore.Store satisfies it.
type ManifestSource interface {
	ModelManifest(ctx context.Context, modelName string) ([]byte, error)
	NodePools(ctx context.Context) (*blobstore.NodePoolConfig, error)
}

// InventorySnapshotter reports live pool availability. *inventory.Inventory
// satisfies it.
type InventorySnapshotter interface {
	Snapshot(ctx context.Context, cfg *blobstore.NodePoolConfig) ([]inventory.PoolTotals, error)
}

// Orchestrator is the saga coordinator; it is the single writer of
// discovery-store state for the models it manages.
type Orchestrator struct {
	store     Store
	blobs     ManifestSource
	manifests ManifestApplier
	exposure  ExposureManager
	readyGate ReadinessWaiter
	inv       InventorySnapshotter

	readinessTimeout time.Duration
	useLimits        bool
	host             string
	tlsSecretName    string
	crossCluster     bool

	locks sync.Map // model_id -> *sync.Mutex
}

// New builds an Orchestrator from its collaborators.
func New(
	store Store,
	blobs ManifestSource,
	manifests ManifestApplier,
	exposureLayer ExposureManager,
	readyGate ReadinessWaiter,
	inv InventorySnapshotter,
	readinessTimeout time.Duration,
	crossCluster bool,
	host, tlsSecretName string,
) *Orchestrator {
	return &Orchestrator{
		store:            store,
		blobs:            blobs,
		manifests:        manifests,
		exposure:         exposureLayer,
		readyGate:        readyGate,
		inv:              inv,
		readinessTimeout: readinessTimeout,
		useLimits:        true,
		crossCluster:     crossCluster,
		host:             host,
		tlsSecretName:    tlsSecretName,
	}
}

func (o *Orchestrator) lockFor(modelID string) *sync.Mutex {
	l, _ := o.locks.LoadOrStore(modelID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Start admits, provisions, exposes, and promotes req.ModelID to active.
// On any failure it runs the compensations of every completed step in
// reverse order, which also removes the warming record. A readiness
// timeout is not a failure: the model is still promoted to active, with
// Degraded set on the result.
func (o *Orchestrator) Start(ctx context.Context, req ModelRequest) (*StartResult, error) {
	lock := o.lockFor(req.ModelID)
	lock.Lock()
	defer lock.Unlock()

	if _, exists, err := o.store.Get(ctx, discovery.Warming, req.ModelID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("orchestrator: start already in progress for %s", req.ModelID)
	}
	if _, exists, err := o.store.Get(ctx, discovery.Active, req.ModelID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("orchestrator: %s is already active", req.ModelID)
	}

	if err := o.admit(ctx, req.ModelName); err != nil {
		return nil, err
	}

	var completed []func()
	rollback := func() {
		for i := len(completed) - 1; i >= 0; i-- {
			completed[i]()
		}
	}

	if err := o.store.Put(ctx, discovery.Warming, req.ModelID, discovery.Record{
		IP: discovery.WarmingIP, ModelName: req.ModelName, ModelType: req.ModelType,
		ModelRepoID: req.ModelRepoID, DeploymentType: "kserve",
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: registering warming state: %w", err)
	}
	completed = append(completed, func() {
		if err := o.store.Remove(context.Background(), discovery.Warming, req.ModelID); err != nil {
			klog.Errorf("orchestrator: rollback: unregister warming %s: %v", req.ModelID, err)
		}
	})

	kind, err := o.manifests.Apply(ctx, req.ModelID, req.ModelName)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("orchestrator: applying manifest for %s: %w", req.ModelName, err)
	}
	completed = append(completed, func() {
		if err := o.manifests.Remove(context.Background(), kind, req.ModelName); err != nil {
			klog.Errorf("orchestrator: rollback: remove manifest %s: %v", req.ModelName, err)
		}
	})

	if err := o.exposure.CreateLoadBalancer(ctx, req.ModelName); err != nil {
		rollback()
		return nil, fmt.Errorf("orchestrator: creating load balancer for %s: %w", req.ModelName, err)
	}
	completed = append(completed, func() {
		if err := o.exposure.RemoveLoadBalancer(context.Background(), req.ModelName); err != nil {
			klog.Errorf("orchestrator: rollback: remove load balancer %s: %v", req.ModelName, err)
		}
	})

	lbAddress, err := o.exposure.GetExternalAddress(ctx, req.ModelName, o.readinessTimeout)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("orchestrator: resolving load balancer address for %s: %w", req.ModelName, err)
	}

	if o.crossCluster && lbAddress != "" {
		if err := o.exposure.CreateExternalName(ctx, req.ModelName, lbAddress); err != nil {
			rollback()
			return nil, fmt.Errorf("orchestrator: creating external-name service for %s: %w", req.ModelName, err)
		}
		completed = append(completed, func() {
			if err := o.exposure.RemoveExternalName(context.Background(), req.ModelName); err != nil {
				klog.Errorf("orchestrator: rollback: remove external-name %s: %v", req.ModelName, err)
			}
		})

		if err := o.exposure.CreateIngress(ctx, req.ModelName, o.host, o.tlsSecretName); err != nil {
			rollback()
			return nil, fmt.Errorf("orchestrator: creating ingress for %s: %w", req.ModelName, err)
		}
		completed = append(completed, func() {
			if err := o.exposure.RemoveIngress(context.Background(), req.ModelName); err != nil {
				klog.Errorf("orchestrator: rollback: remove ingress %s: %v", req.ModelName, err)
			}
		})
	}

	ready, err := o.readyGate.Wait(ctx, req.ModelName, o.readinessTimeout)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("orchestrator: readiness check for %s: %w", req.ModelName, err)
	}
	degraded := !ready
	if degraded {
		klog.Warningf("orchestrator: %s did not become ready within %s, promoting as degraded", req.ModelName, o.readinessTimeout)
	}

	if err := o.store.Remove(ctx, discovery.Warming, req.ModelID); err != nil {
		klog.Errorf("orchestrator: clearing warming state for %s: %v", req.ModelID, err)
		rollback()
		return nil, fmt.Errorf("orchestrator: clearing warming state for %s: %w", req.ModelID, err)
	}
	endpoint := fmt.Sprintf("%s:80", lbAddress)
	if err := o.store.Put(ctx, discovery.Active, req.ModelID, discovery.Record{
		IP: endpoint, ModelName: req.ModelName, ModelType: req.ModelType,
		ModelRepoID: req.ModelRepoID, DeploymentType: "kserve",
	}); err != nil {
		rollback()
		return nil, fmt.Errorf("orchestrator: registering active state for %s: %w", req.ModelID, err)
	}

	return &StartResult{ModelID: req.ModelID, Endpoint: endpoint, Degraded: degraded}, nil
}

// admit runs the placement check before any cluster mutation: it fetches
// the manifest, extracts its resource ask, snapshots live pool
// availability, and fails fast with placement.NoFitDetail if nothing fits.
func (o *Orchestrator) admit(ctx context.Context, modelName string) error {
	raw, err := o.blobs.ModelManifest(ctx, modelName)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching manifest for placement check of %s: %w", modelName, err)
	}
	req, err := placement.ExtractRequirement(raw, o.useLimits)
	if err != nil {
		return fmt.Errorf("orchestrator: extracting resource requirement for %s: %w", modelName, err)
	}

	cfg, err := o.blobs.NodePools(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: loading node pool configuration: %w", err)
	}
	totals, err := o.inv.Snapshot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("orchestrator: snapshotting pool inventory: %w", err)
	}

	pools := make([]placement.PoolAvailability, 0, len(totals))
	for _, t := range totals {
		pools = append(pools, t.ForUseLimits(o.useLimits))
	}

	if _, err := placement.FindPool(req, pools); err != nil {
		return fmt.Errorf("orchestrator: placement for %s: %w", modelName, err)
	}
	return nil
}

// Stop moves an active or warming model through cooling and removes its
// resources. On failure partway through teardown it restores the model's
// original discovery-store record so the deployment is not silently lost.
func (o *Orchestrator) Stop(ctx context.Context, req ModelRequest) error {
	lock := o.lockFor(req.ModelID)
	lock.Lock()
	defer lock.Unlock()

	if _, exists, err := o.store.Get(ctx, discovery.Cooling, req.ModelID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("orchestrator: stop already in progress for %s", req.ModelID)
	}

	originalState, originalRecord, err := o.currentState(ctx, req.ModelID)
	if err != nil {
		return err
	}
	if originalState == "" {
		return fmt.Errorf("orchestrator: %s is not warming or active", req.ModelID)
	}

	// The caller is only required to name model_id; the serving resources
	// are keyed by model_name, which the stored record already carries.
	modelName := req.ModelName
	if modelName == "" {
		modelName = originalRecord.ModelName
	}

	if err := o.store.Put(ctx, discovery.Cooling, req.ModelID, discovery.Record{
		IP: discovery.CoolingIP, ModelName: modelName, ModelType: req.ModelType,
		ModelRepoID: req.ModelRepoID, DeploymentType: "kserve", OriginalState: originalState,
	}); err != nil {
		return fmt.Errorf("orchestrator: registering cooling state for %s: %w", req.ModelID, err)
	}

	if err := o.teardown(ctx, modelName); err != nil {
		klog.Errorf("orchestrator: teardown failed for %s, restoring %s: %v", req.ModelID, originalState, err)
		if restoreErr := o.store.Put(ctx, originalState, req.ModelID, originalRecord); restoreErr != nil {
			klog.Errorf("orchestrator: failed to restore %s to %s: %v", req.ModelID, originalState, restoreErr)
		}
		if clearErr := o.store.Remove(ctx, discovery.Cooling, req.ModelID); clearErr != nil {
			klog.Errorf("orchestrator: failed to clear cooling state for %s: %v", req.ModelID, clearErr)
		}
		return fmt.Errorf("orchestrator: stopping %s: %w", modelName, err)
	}

	for _, state := range []discovery.State{discovery.Warming, discovery.Active, discovery.Cooling} {
		if err := o.store.Remove(ctx, state, req.ModelID); err != nil {
			klog.Errorf("orchestrator: clearing %s state for %s: %v", state, req.ModelID, err)
		}
	}
	return nil
}

func (o *Orchestrator) currentState(ctx context.Context, modelID string) (discovery.State, discovery.Record, error) {
	if rec, ok, err := o.store.Get(ctx, discovery.Active, modelID); err != nil {
		return "", discovery.Record{}, err
	} else if ok {
		return discovery.Active, rec, nil
	}
	if rec, ok, err := o.store.Get(ctx, discovery.Warming, modelID); err != nil {
		return "", discovery.Record{}, err
	} else if ok {
		return discovery.Warming, rec, nil
	}
	return "", discovery.Record{}, nil
}

func (o *Orchestrator) teardown(ctx context.Context, modelName string) error {
	if err := o.exposure.RemoveIngress(ctx, modelName); err != nil {
		return err
	}
	if err := o.exposure.RemoveExternalName(ctx, modelName); err != nil {
		return err
	}
	if err := o.exposure.RemoveLoadBalancer(ctx, modelName); err != nil {
		return err
	}
	if err := o.manifests.Remove(ctx, "InferenceService", modelName); err != nil {
		return err
	}
	return nil
}
