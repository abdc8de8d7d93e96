// Package discovery is the typed adapter over the hierarchical
// coordination store that records which models are warming, active, or
// cooling, and where the control plane itself can be reached.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"k8s.io/klog/v2"
)

// State is one of the three lifecycle buckets a model id can live under.
type State string

const (
	Warming State = "warming"
	Active  State = "active"
	Cooling State = "cooling"
)

const (
	modelsRoot  = "/models"
	servicesKey = "/services/kube-model-deployer"

	// WarmingIP and CoolingIP are the sentinel ip values written while a
	// model has no externally reachable address yet.
	WarmingIP = "WARMING"
	CoolingIP = "COOLING"
)

// Record is the payload stored at /models/{state}/{id}.
type Record struct {
	IP              string `json:"ip"`
	ModelName       string `json:"model_name"`
	ModelType       string `json:"model_type,omitempty"`
	ModelRepoID     string `json:"model_repo_id,omitempty"`
	DeploymentType  string `json:"deployment_type,omitempty"`
	OriginalState   State  `json:"original_state,omitempty"`
	OriginalPayload []byte `json:"-"`
	Legacy          bool   `json:"-"`
}

// Store is a typed client over the ZooKeeper-style discovery hierarchy.
type Store struct {
	conn *zk.Conn
}

// Connect dials the given comma-equivalent host list and returns a Store.
// Connection establishment itself is handled by the zk client's internal
// reconnect loop; Connect only waits for the first successful session.
func Connect(hosts []string, sessionTimeout time.Duration) (*Store, error) {
	conn, events, err := zk.Connect(hosts, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("discovery: connecting to %v: %w", hosts, err)
	}

	deadline := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				return &Store{conn: conn}, nil
			}
		case <-deadline:
			conn.Close()
			return nil, fmt.Errorf("discovery: timed out waiting for session to %v", hosts)
		}
	}
}

// Close releases the underlying session.
func (s *Store) Close() { s.conn.Close() }

func path(state State, id string) string {
	return fmt.Sprintf("%s/%s/%s", modelsRoot, state, id)
}

// Put creates or overwrites the record for id under state, creating any
// missing parent znodes along the way (mirroring kazoo's ensure_path).
func (s *Store) Put(ctx context.Context, state State, id string, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("discovery: marshaling record for %s/%s: %w", state, id, err)
	}
	return s.set(path(state, id), body)
}

// RegisterService publishes the control plane's own reachable address.
func (s *Store) RegisterService(ctx context.Context, hostPort string) error {
	return s.set(servicesKey, []byte(hostPort))
}

// ClearService removes the control plane's own presence node.
func (s *Store) ClearService(ctx context.Context) error {
	return s.delete(servicesKey)
}

// DeployerStatus reads the control plane's own presence node.
func (s *Store) DeployerStatus(ctx context.Context) (hostPort string, lastUpdated time.Time, ok bool, err error) {
	data, stat, zerr := s.conn.Get(servicesKey)
	if zerr == zk.ErrNoNode {
		return "", time.Time{}, false, nil
	}
	if zerr != nil {
		return "", time.Time{}, false, fmt.Errorf("discovery: reading %s: %w", servicesKey, zerr)
	}
	return string(data), zkTime(stat.Mtime), true, nil
}

func (s *Store) set(p string, body []byte) error {
	if err := s.ensurePath(parentOf(p)); err != nil {
		return err
	}
	exists, stat, err := s.conn.Exists(p)
	if err != nil {
		return fmt.Errorf("discovery: checking %s: %w", p, err)
	}
	if !exists {
		_, err := s.conn.Create(p, body, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("discovery: creating %s: %w", p, err)
		}
		return nil
	}
	_, err = s.conn.Set(p, body, stat.Version)
	if err != nil {
		return fmt.Errorf("discovery: setting %s: %w", p, err)
	}
	return nil
}

func (s *Store) delete(p string) error {
	exists, stat, err := s.conn.Exists(p)
	if err != nil {
		return fmt.Errorf("discovery: checking %s: %w", p, err)
	}
	if !exists {
		return nil
	}
	if err := s.conn.Delete(p, stat.Version); err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("discovery: deleting %s: %w", p, err)
	}
	return nil
}

// Remove deletes the record for id under state. Absence is success.
func (s *Store) Remove(ctx context.Context, state State, id string) error {
	return s.delete(path(state, id))
}

// Get returns the record for id under state, or ok=false if absent. A
// payload that fails to decode as JSON is treated as a legacy bare-IP
// string, matching the tolerant read path the original discovery client
// has always needed for nodes written before the JSON payload existed.
func (s *Store) Get(ctx context.Context, state State, id string) (Record, bool, error) {
	data, _, err := s.conn.Get(path(state, id))
	if err == zk.ErrNoNode {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("discovery: reading %s/%s: %w", state, id, err)
	}
	return decodeRecord(data, id), true, nil
}

func decodeRecord(data []byte, id string) Record {
	var rec Record
	if err := json.Unmarshal(data, &rec); err == nil {
		return rec
	}
	klog.V(1).Infof("discovery: legacy payload for %s, treating as bare IP", id)
	return Record{
		IP:             strings.TrimSpace(string(data)),
		ModelName:      "unknown",
		DeploymentType: "legacy",
		Legacy:         true,
	}
}

// Entry pairs a model id with its decoded record, returned by List.
type Entry struct {
	ID     string
	Record Record
}

// List returns every record currently stored under state.
func (s *Store) List(ctx context.Context, state State) ([]Entry, error) {
	root := fmt.Sprintf("%s/%s", modelsRoot, state)
	children, _, err := s.conn.Children(root)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: listing %s: %w", root, err)
	}
	out := make([]Entry, 0, len(children))
	for _, id := range children {
		rec, ok, err := s.Get(ctx, state, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Entry{ID: id, Record: rec})
	}
	return out, nil
}

func (s *Store) ensurePath(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur += "/" + seg
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("discovery: checking %s: %w", cur, err)
		}
		if exists {
			continue
		}
		_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("discovery: ensuring %s: %w", cur, err)
		}
	}
	return nil
}

func parentOf(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func zkTime(millis int64) time.Time {
	return time.UnixMilli(millis)
}
