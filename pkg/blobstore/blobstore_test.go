package blobstore

import (
	"encoding/json"
	"reflect"
	"testing"
)

const nodePoolsDoc = `{
  "node_pools": {
    "small": {"labels": {"size": "small"}, "machine_type": "n1-standard-2", "instances": 3},
    "large": {"labels": {"size": "large"}, "machine_type": "n1-standard-16", "instances": 1},
    "gpu": {"labels": {"size": "gpu"}, "machine_type": "n1-standard-8", "instances": 2, "gpu": {"type": "nvidia-t4", "count": 1}}
  },
  "machine_specs": {
    "n1-standard-2": {"cpu": 2, "memory_gi": 7.5}
  }
}`

func TestPoolOrderPreservesDeclarationOrder(t *testing.T) {
	order, err := poolOrder([]byte(nodePoolsDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"small", "large", "gpu"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
}

func TestNodePoolsUnmarshalDecodesPoolFields(t *testing.T) {
	var cfg NodePoolConfig
	if err := json.Unmarshal([]byte(nodePoolsDoc), &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.NodePools) != 3 {
		t.Fatalf("expected 3 pools, got %d", len(cfg.NodePools))
	}
	if cfg.NodePools["gpu"].GPU == nil || cfg.NodePools["gpu"].GPU.Count != 1 {
		t.Fatalf("expected gpu spec parsed, got %+v", cfg.NodePools["gpu"].GPU)
	}
	if cfg.NodePools["small"].Instances != 3 {
		t.Fatalf("expected small pool instances=3, got %d", cfg.NodePools["small"].Instances)
	}
}

func TestPoolOrderRejectsNonObjectNodePools(t *testing.T) {
	_, err := poolOrder([]byte(`{"node_pools": "not-an-object"}`))
	if err == nil {
		t.Fatalf("expected error for malformed node_pools value")
	}
}
