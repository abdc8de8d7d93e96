// Package placement decides which node pool a model's manifest should land
// on, by comparing its resource ask against live pool inventory.
package placement

import (
	"math"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// binarySuffixes map Ki/Mi/Gi/... to their power-of-1024 multiplier.
var binarySuffixes = map[string]float64{
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"Ti": 1 << 40,
	"Pi": 1 << 50,
	"Ei": 1 << 60,
}

// decimalSuffixes map K/M/G/... to their power-of-1000 multiplier. A
// lowercase "k" is tolerated as an alias for "K".
var decimalSuffixes = map[string]float64{
	"K": 1e3,
	"k": 1e3,
	"M": 1e6,
	"G": 1e9,
	"T": 1e12,
	"P": 1e15,
	"E": 1e18,
}

// parseMemoryBytes parses a Kubernetes quantity string into a byte count
// using the same grammar the original resource analyzer relied on: Ki/Mi/Gi
// binary suffixes, K/M/G decimal suffixes, and a bare number meaning bytes.
// An unparseable string logs a warning and returns 0, matching the
// original's fail-open behavior (a pool is never disqualified by a
// malformed manifest value; the ask is simply treated as zero).
func parseMemoryBytes(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	for suffix, mult := range binarySuffixes {
		if strings.HasSuffix(s, suffix) {
			return scaled(s[:len(s)-len(suffix)], mult, s)
		}
	}
	for suffix, mult := range decimalSuffixes {
		if strings.HasSuffix(s, suffix) {
			return scaled(s[:len(s)-len(suffix)], mult, s)
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		klog.Warningf("placement: unparseable memory quantity %q, treating as 0", s)
		return 0
	}
	return int64(n)
}

func scaled(numPart string, mult float64, original string) int64 {
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		klog.Warningf("placement: unparseable memory quantity %q, treating as 0", original)
		return 0
	}
	return int64(n * mult)
}

// parseCPUCores parses a Kubernetes CPU quantity: a trailing "m" means
// millicores, otherwise the value is whole cores.
func parseCPUCores(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.HasSuffix(s, "m") {
		n, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			klog.Warningf("placement: unparseable cpu quantity %q, treating as 0", s)
			return 0
		}
		return n / 1000
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		klog.Warningf("placement: unparseable cpu quantity %q, treating as 0", s)
		return 0
	}
	return n
}

// round2 rounds to 2 decimal places, half away from zero, matching the
// original's cpu-total rounding.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func bytesToGiB(b int64) float64 {
	return round2(float64(b) / (1 << 30))
}
