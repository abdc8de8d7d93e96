// Package blobstore fetches per-model serving manifests and the shared
// node-pool configuration document from object storage.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

const nodePoolsKey = "node_pools.json"

// Store is a thin typed client over a single bucket.
type Store struct {
	bucket *storage.BucketHandle
}

// New opens a handle to the named bucket using application-default
// credentials, matching the original StorageManager's client bootstrap.
func New(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating storage client: %w", err)
	}
	return &Store{bucket: client.Bucket(bucketName)}, nil
}

// ErrNotFound is returned when a requested blob does not exist.
var ErrNotFound = fmt.Errorf("blobstore: object not found")

// ModelManifest fetches the raw YAML bytes for {modelName}.yaml.
func (s *Store) ModelManifest(ctx context.Context, modelName string) ([]byte, error) {
	return s.download(ctx, modelName+".yaml")
}

// MachineSpec describes one declared machine type's nominal capacity.
type MachineSpec struct {
	CPU       float64 `json:"cpu"`
	MemoryGiB float64 `json:"memory_gi"`
}

// GPUSpec describes the accelerator attached to a pool, if any.
type GPUSpec struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// PoolConfig is one entry of the node_pools.json document.
type PoolConfig struct {
	Labels      map[string]string `json:"labels"`
	MachineType string            `json:"machine_type"`
	Instances   int               `json:"instances"`
	GPU         *GPUSpec          `json:"gpu,omitempty"`
}

// NodePoolConfig is the full node_pools.json document. PoolOrder preserves
// the order pools appeared in the source document, since the placement
// engine's declared-order first-fit policy depends on it and a Go map
// iterates in randomized order.
type NodePoolConfig struct {
	NodePools    map[string]PoolConfig  `json:"node_pools"`
	MachineSpecs map[string]MachineSpec `json:"machine_specs"`
	PoolOrder    []string               `json:"-"`
}

// NodePools fetches and parses node_pools.json.
func (s *Store) NodePools(ctx context.Context) (*NodePoolConfig, error) {
	data, err := s.download(ctx, nodePoolsKey)
	if err != nil {
		return nil, err
	}

	order, err := poolOrder(data)
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading pool declaration order: %w", err)
	}

	var cfg NodePoolConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("blobstore: decoding node_pools.json: %w", err)
	}
	cfg.PoolOrder = order
	return &cfg, nil
}

// poolOrder walks the raw JSON token stream to recover the order the
// "node_pools" object's keys were declared in, since encoding/json does
// not preserve map key order on unmarshal.
func poolOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := skipToKey(dec, "node_pools"); err != nil {
		return nil, err
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("node_pools is not an object")
	}
	var order []string
	depth := 0
	for dec.More() || depth > 0 {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case json.Delim:
			if t == '{' || t == '[' {
				depth++
			} else if t == '}' || t == ']' {
				depth--
				if depth < 0 {
					return order, nil
				}
			}
		case string:
			if depth == 0 {
				order = append(order, t)
				// skip the value for this key
				if err := skipValue(dec); err != nil {
					return nil, err
				}
			}
		}
	}
	return order, nil
}

func skipToKey(dec *json.Decoder, key string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if s, ok := tok.(string); ok && s == key {
			return nil
		}
	}
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	if d == '{' || d == '[' {
		depth := 1
		for depth > 0 {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if dd, ok := tok.(json.Delim); ok {
				if dd == '{' || dd == '[' {
					depth++
				} else {
					depth--
				}
			}
		}
	}
	return nil
}

func (s *Store) download(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading %s: %w", key, err)
	}
	return data, nil
}

// ListModels returns the model names that have a manifest in the bucket,
// excluding the node-pool configuration document.
func (s *Store) ListModels(ctx context.Context) ([]string, error) {
	it := s.bucket.Objects(ctx, nil)
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blobstore: listing objects: %w", err)
		}
		if attrs.Name == nodePoolsKey {
			continue
		}
		if len(attrs.Name) > 5 && attrs.Name[len(attrs.Name)-5:] == ".yaml" {
			names = append(names, attrs.Name[:len(attrs.Name)-5])
		}
	}
	return names, nil
}
