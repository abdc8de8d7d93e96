// Package readiness probes a model's exposed health endpoint until it
// answers successfully or a deadline elapses.
package readiness

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"k8s.io/klog/v2"
)

// DefaultTimeout is the readiness deadline used when the caller does not
// override it; it may be raised per-call for models known to need a long
// cold start.
const DefaultTimeout = 500 * time.Second

const pollInterval = 5 * time.Second

// AddressResolver returns the current external address for a model, or ""
// if it is not yet available. It is satisfied by exposure.Layer.GetExternalAddress.
type AddressResolver func(ctx context.Context, modelName string, timeout time.Duration) (string, error)

// Gate polls a model's health endpoint.
type Gate struct {
	resolve AddressResolver
	client  *http.Client
}

// New builds a readiness Gate backed by resolve to find the model's current address.
func New(resolve AddressResolver) *Gate {
	return &Gate{
		resolve: resolve,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// ErrExposureTimeout is returned when the load balancer address never
// becomes available within the probing window.
var ErrExposureTimeout = fmt.Errorf("readiness: exposure address never became available")

// Wait polls http://{address}:80/v2/health/ready every 5 seconds until it
// returns a status below 400, or timeout elapses (ok=false, err=nil).
func (g *Gate) Wait(ctx context.Context, modelName string, timeout time.Duration) (ok bool, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addressFailures := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		address, rerr := g.resolve(ctx, modelName, pollInterval)
		if rerr != nil {
			return false, fmt.Errorf("readiness: resolving address for %s: %w", modelName, rerr)
		}
		if address == "" {
			addressFailures++
			if addressFailures >= 3 {
				return false, ErrExposureTimeout
			}
		} else {
			addressFailures = 0
			if g.probe(ctx, address) {
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			klog.V(1).Infof("readiness: timed out waiting for %s to become ready", modelName)
			return false, nil
		case <-ticker.C:
		}
	}
}

func (g *Gate) probe(ctx context.Context, address string) bool {
	url := fmt.Sprintf("http://%s:80/v2/health/ready", address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}
