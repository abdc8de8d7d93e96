// Package version carries build-time identity for the binary.
package version

var (
	// BinaryName is the executable name.
	BinaryName = "kube-model-deployer"
	// Version is overridden at build time via -ldflags.
	Version = "dev"
)
