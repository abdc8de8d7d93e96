package placement

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// Requirement is the resource ask extracted from a manifest.
type Requirement struct {
	CPUCores  float64
	MemoryGiB float64
	GPUCount  int64
}

// PoolAvailability is the live, aggregated resource snapshot of one pool,
// as produced by the inventory package. inventory.PoolTotals.ForUseLimits
// decides whether it carries limit-based or request-based availability.
type PoolAvailability struct {
	Name         string
	HasGPU       bool
	CPUAvailable float64
	MemAvailable float64 // GiB
	GPUAvailable int64
}

// NoFitDetail explains why placement failed, listing every pool's
// availability alongside the ask that could not be satisfied.
type NoFitDetail struct {
	Requirement Requirement
	Pools       []PoolAvailability
}

func (d NoFitDetail) Error() string {
	return fmt.Sprintf("placement: no pool fits requirement %+v across %d pools", d.Requirement, len(d.Pools))
}

// minimalManifest captures only the fields placement needs to inspect.
type minimalManifest struct {
	Kind string `json:"kind"`
	Spec struct {
		Predictor struct {
			Template struct {
				Spec struct {
					Containers []corev1.Container `json:"containers"`
				} `json:"spec"`
			} `json:"template"`
			Containers []corev1.Container `json:"containers"`
		} `json:"predictor"`
		Template struct {
			Spec struct {
				Containers []corev1.Container `json:"containers"`
			} `json:"spec"`
		} `json:"template"`
	} `json:"spec"`
}

// ExtractRequirement parses a serving manifest and returns its resource
// ask. For an InferenceService, only the predictor's first container is
// considered (mirroring the original's single-container assumption for
// KServe predictors). For a plain Deployment, every container's resources
// are summed.
func ExtractRequirement(manifestYAML []byte, useLimits bool) (Requirement, error) {
	var m minimalManifest
	if err := yaml.Unmarshal(manifestYAML, &m); err != nil {
		return Requirement{}, fmt.Errorf("placement: parsing manifest: %w", err)
	}

	var containers []corev1.Container
	switch m.Kind {
	case "InferenceService":
		if len(m.Spec.Predictor.Containers) > 0 {
			containers = m.Spec.Predictor.Containers[:1]
		} else if len(m.Spec.Predictor.Template.Spec.Containers) > 0 {
			containers = m.Spec.Predictor.Template.Spec.Containers[:1]
		}
	case "Deployment":
		containers = m.Spec.Template.Spec.Containers
	default:
		return Requirement{}, fmt.Errorf("placement: unsupported manifest kind %q", m.Kind)
	}

	var req Requirement
	for _, c := range containers {
		rl := c.Resources.Requests
		if useLimits {
			rl = c.Resources.Limits
		}
		if rl == nil {
			continue
		}
		if cpu, ok := rl[corev1.ResourceCPU]; ok {
			req.CPUCores += parseCPUCores(cpu.String())
		}
		if mem, ok := rl[corev1.ResourceMemory]; ok {
			req.MemoryGiB += bytesToGiB(parseMemoryBytes(mem.String()))
		}
		for name, qty := range rl {
			if isGPUResource(string(name)) {
				req.GPUCount += qty.Value()
			}
		}
	}
	req.CPUCores = round2(req.CPUCores)
	return req, nil
}

func isGPUResource(name string) bool {
	return len(name) >= 4 && name[len(name)-4:] == "/gpu"
}

// FindPool implements the greedy first-fit placement policy: walk pools in
// their declared order and return the first whose available resources
// cover the requirement. GPU-requiring asks skip any pool with no GPU
// regardless of its other headroom.
func FindPool(req Requirement, pools []PoolAvailability) (string, error) {
	for _, p := range pools {
		if req.GPUCount > 0 && !p.HasGPU {
			continue
		}
		if p.CPUAvailable >= req.CPUCores && p.MemAvailable >= req.MemoryGiB && p.GPUAvailable >= req.GPUCount {
			return p.Name, nil
		}
	}
	return "", NoFitDetail{Requirement: req, Pools: pools}
}
