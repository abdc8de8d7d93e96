// Package inventory reads live node and pod state from the serving
// cluster and aggregates it into per-pool capacity, usage, and resident
// model summaries for the placement engine and the control-plane's
// inventory endpoint.
package inventory

import (
	"context"
	"fmt"
	"math"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"

	"github.com/semoss/model-deployer/pkg/blobstore"
	"github.com/semoss/model-deployer/pkg/placement"
)

// PoolTotals is the aggregated availability for one pool, for both
// request-based and limit-based accounting.
type PoolTotals struct {
	Name                string
	HasGPU              bool
	NodeNames           []string
	CPURequestsAvail    float64
	MemRequestsAvailGiB float64
	GPURequestsAvail    int64
	CPULimitsAvail      float64
	MemLimitsAvailGiB   float64
	GPULimitsAvail      int64
}

// ForUseLimits projects a PoolTotals into the placement.PoolAvailability
// shape the placement engine compares asks against.
func (p PoolTotals) ForUseLimits(useLimits bool) placement.PoolAvailability {
	if useLimits {
		return placement.PoolAvailability{
			Name: p.Name, HasGPU: p.HasGPU,
			CPUAvailable: p.CPULimitsAvail, MemAvailable: p.MemLimitsAvailGiB, GPUAvailable: p.GPULimitsAvail,
		}
	}
	return placement.PoolAvailability{
		Name: p.Name, HasGPU: p.HasGPU,
		CPUAvailable: p.CPURequestsAvail, MemAvailable: p.MemRequestsAvailGiB, GPUAvailable: p.GPURequestsAvail,
	}
}

// Resident summarizes one model's footprint within a pool.
type Resident struct {
	Name      string
	ModelID   string
	Namespace string
	Node      string
	Pool      string
	Status    string
	URL       string
	CPU       float64
	MemoryGiB float64
	GPU       int64
}

// Inventory reads the live cluster to answer "what is available" and
// "what is running" questions, scoped to a single serving namespace.
type Inventory struct {
	namespace string
	client    kubernetes.Interface
}

// New builds an Inventory reader bound to the given namespace.
func New(namespace string, client kubernetes.Interface) *Inventory {
	return &Inventory{namespace: namespace, client: client}
}

// Snapshot computes per-pool totals for every declared pool, matching
// nodes to pools by their declared label selector (first matching pool
// wins, mirroring the original analyzer's pool-label matching).
func (inv *Inventory) Snapshot(ctx context.Context, cfg *blobstore.NodePoolConfig) ([]PoolTotals, error) {
	nodes, err := inv.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("inventory: listing nodes: %w", err)
	}

	order := cfg.PoolOrder
	if len(order) == 0 {
		for name := range cfg.NodePools {
			order = append(order, name)
		}
	}

	totals := make(map[string]*PoolTotals, len(order))
	for _, name := range order {
		poolCfg := cfg.NodePools[name]
		totals[name] = &PoolTotals{Name: name, HasGPU: poolCfg.GPU != nil}
	}

	for _, node := range nodes.Items {
		poolName := matchPool(node.Labels, cfg.NodePools, order)
		if poolName == "" {
			continue
		}
		usage, err := inv.nodeUsage(ctx, node)
		if err != nil {
			return nil, err
		}
		t := totals[poolName]
		t.NodeNames = append(t.NodeNames, node.Name)
		t.CPURequestsAvail = round2(t.CPURequestsAvail + usage.cpuReqAvail)
		t.MemRequestsAvailGiB = round2(t.MemRequestsAvailGiB + usage.memReqAvailGiB)
		t.GPURequestsAvail += usage.gpuReqAvail
		t.CPULimitsAvail = round2(t.CPULimitsAvail + usage.cpuLimAvail)
		t.MemLimitsAvailGiB = round2(t.MemLimitsAvailGiB + usage.memLimAvailGiB)
		t.GPULimitsAvail += usage.gpuLimAvail
	}

	out := make([]PoolTotals, 0, len(order))
	for _, name := range order {
		out = append(out, *totals[name])
	}
	return out, nil
}

// matchPool returns the first pool (in declared order) whose labels are
// entirely present on the node.
func matchPool(nodeLabels map[string]string, pools map[string]blobstore.PoolConfig, order []string) string {
	for _, name := range order {
		cfg := pools[name]
		if len(cfg.Labels) == 0 {
			continue
		}
		match := true
		for k, v := range cfg.Labels {
			if nodeLabels[k] != v {
				match = false
				break
			}
		}
		if match {
			return name
		}
	}
	return ""
}

type nodeUsage struct {
	cpuReqAvail, memReqAvailGiB float64
	gpuReqAvail                 int64
	cpuLimAvail, memLimAvailGiB float64
	gpuLimAvail                 int64
}

func (inv *Inventory) nodeUsage(ctx context.Context, node corev1.Node) (nodeUsage, error) {
	allocCPU := node.Status.Allocatable.Cpu().AsApproximateFloat64()
	allocMemGiB := bytesToGiB(node.Status.Allocatable.Memory().Value())
	allocGPU := sumGPU(node.Status.Allocatable)

	selector := fields.OneTermEqualSelector("spec.nodeName", node.Name).String()
	pods, err := inv.client.CoreV1().Pods(inv.namespace).List(ctx, metav1.ListOptions{FieldSelector: selector})
	if err != nil {
		return nodeUsage{}, fmt.Errorf("inventory: listing pods on node %s: %w", node.Name, err)
	}

	var usedCPUReq, usedCPULim float64
	var usedMemReqGiB, usedMemLimGiB float64
	var usedGPUReq, usedGPULim int64

	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
			continue
		}
		for _, c := range pod.Spec.Containers {
			if c.Name == "queue-proxy" {
				continue
			}
			if cpu, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
				usedCPUReq += cpu.AsApproximateFloat64()
			}
			if mem, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
				usedMemReqGiB += bytesToGiB(mem.Value())
			}
			usedGPUReq += sumGPU(c.Resources.Requests)

			if cpu, ok := c.Resources.Limits[corev1.ResourceCPU]; ok {
				usedCPULim += cpu.AsApproximateFloat64()
			}
			if mem, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
				usedMemLimGiB += bytesToGiB(mem.Value())
			}
			usedGPULim += sumGPU(c.Resources.Limits)
		}
	}

	return nodeUsage{
		cpuReqAvail:    round2(allocCPU - usedCPUReq),
		memReqAvailGiB: round2(allocMemGiB - usedMemReqGiB),
		gpuReqAvail:    allocGPU - usedGPUReq,
		cpuLimAvail:    round2(allocCPU - usedCPULim),
		memLimAvailGiB: round2(allocMemGiB - usedMemLimGiB),
		gpuLimAvail:    allocGPU - usedGPULim,
	}, nil
}

func sumGPU(rl corev1.ResourceList) int64 {
	var total int64
	for name, qty := range rl {
		if strings.HasSuffix(string(name), "/gpu") {
			total += qty.Value()
		}
	}
	return total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func bytesToGiB(b int64) float64 {
	return round2(float64(b) / (1 << 30))
}

// Residents walks every pod in the namespace and attributes it to a
// resident model, deduplicating replica pods that belong to the same
// inference service, and attributes each resident to the pool its node
// belongs to using the same declared-order label matching as Snapshot.
func (inv *Inventory) Residents(ctx context.Context, cfg *blobstore.NodePoolConfig) ([]Resident, error) {
	pods, err := inv.client.CoreV1().Pods(inv.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("inventory: listing pods: %w", err)
	}

	nodePool, err := inv.nodePoolIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}

	byModel := map[string]*Resident{}
	var order []string
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
			continue
		}
		key := residentKey(pod)
		if key == "" {
			continue
		}
		r, ok := byModel[key]
		if !ok {
			r = &Resident{
				Name:      key,
				ModelID:   pod.Labels["model-id"],
				Namespace: pod.Namespace,
				Node:      pod.Spec.NodeName,
				Pool:      nodePool[pod.Spec.NodeName],
				Status:    string(pod.Status.Phase),
				URL:       residentURL(pod),
			}
			byModel[key] = r
			order = append(order, key)
		}
		for _, c := range pod.Spec.Containers {
			if c.Name == "queue-proxy" {
				continue
			}
			if cpu, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
				r.CPU = round2(r.CPU + cpu.AsApproximateFloat64())
			}
			if mem, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
				r.MemoryGiB = round2(r.MemoryGiB + bytesToGiB(mem.Value()))
			}
			r.GPU += sumGPU(c.Resources.Requests)
		}
	}

	out := make([]Resident, 0, len(order))
	for _, k := range order {
		out = append(out, *byModel[k])
	}
	return out, nil
}

// nodePoolIndex maps every node in the cluster to the pool it belongs to,
// reusing matchPool so resident attribution agrees with Snapshot.
func (inv *Inventory) nodePoolIndex(ctx context.Context, cfg *blobstore.NodePoolConfig) (map[string]string, error) {
	nodes, err := inv.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("inventory: listing nodes: %w", err)
	}

	order := cfg.PoolOrder
	if len(order) == 0 {
		for name := range cfg.NodePools {
			order = append(order, name)
		}
	}

	index := make(map[string]string, len(nodes.Items))
	for _, node := range nodes.Items {
		if poolName := matchPool(node.Labels, cfg.NodePools, order); poolName != "" {
			index[node.Name] = poolName
		}
	}
	return index, nil
}

// residentKey dedupes replica pods belonging to one model: first by the
// KServe inference-service label, then by the predictor deployment name
// prefix, then by the pod's own name with its generated suffix stripped.
func residentKey(pod corev1.Pod) string {
	if svc, ok := pod.Labels["serving.kserve.io/inferenceservice"]; ok {
		return svc
	}
	if idx := strings.Index(pod.Name, "-predictor-"); idx > 0 {
		return pod.Name[:idx]
	}
	if idx := strings.LastIndex(pod.Name, "-"); idx > 0 {
		return pod.Name[:idx]
	}
	return pod.Name
}

// residentURL derives the in-cluster address a resident's predictor
// container is reachable at, matching the port the readiness gate and
// the load balancer service both target.
func residentURL(pod corev1.Pod) string {
	if pod.Status.PodIP == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:8080", pod.Status.PodIP)
}
