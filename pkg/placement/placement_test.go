package placement

import (
	"errors"
	"testing"
)

const inferenceServiceManifest = `
apiVersion: serving.kserve.io/v1beta1
kind: InferenceService
metadata:
  name: my-model
spec:
  predictor:
    containers:
      - name: predictor
        resources:
          requests:
            cpu: "2"
            memory: "4Gi"
`

const deploymentManifest = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: my-model
spec:
  template:
    spec:
      containers:
        - name: a
          resources:
            requests:
              cpu: "1"
              memory: "1Gi"
        - name: b
          resources:
            requests:
              cpu: "1"
              memory: "1Gi"
`

func TestExtractRequirementInferenceService(t *testing.T) {
	req, err := ExtractRequirement([]byte(inferenceServiceManifest), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.CPUCores != 2 || req.MemoryGiB != 4 {
		t.Fatalf("got %+v", req)
	}
}

func TestExtractRequirementDeploymentSumsContainers(t *testing.T) {
	req, err := ExtractRequirement([]byte(deploymentManifest), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.CPUCores != 2 || req.MemoryGiB != 2 {
		t.Fatalf("got %+v", req)
	}
}

func TestFindPoolFirstFit(t *testing.T) {
	pools := []PoolAvailability{
		{Name: "small", CPUAvailable: 1, MemAvailable: 2},
		{Name: "medium", CPUAvailable: 4, MemAvailable: 8},
		{Name: "large", CPUAvailable: 16, MemAvailable: 64},
	}
	name, err := FindPool(Requirement{CPUCores: 2, MemoryGiB: 4}, pools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "medium" {
		t.Fatalf("got %q, want medium", name)
	}
}

func TestFindPoolSkipsNonGPUPools(t *testing.T) {
	pools := []PoolAvailability{
		{Name: "cpu-pool", CPUAvailable: 100, MemAvailable: 100, HasGPU: false},
		{Name: "gpu-pool", CPUAvailable: 8, MemAvailable: 16, HasGPU: true, GPUAvailable: 2},
	}
	name, err := FindPool(Requirement{CPUCores: 1, MemoryGiB: 1, GPUCount: 1}, pools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "gpu-pool" {
		t.Fatalf("got %q, want gpu-pool", name)
	}
}

func TestFindPoolNoFit(t *testing.T) {
	pools := []PoolAvailability{
		{Name: "small", CPUAvailable: 1, MemAvailable: 1},
	}
	_, err := FindPool(Requirement{CPUCores: 100, MemoryGiB: 100}, pools)
	var detail NoFitDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected NoFitDetail, got %v", err)
	}
	if len(detail.Pools) != 1 {
		t.Fatalf("expected pool detail to be carried, got %+v", detail)
	}
}
