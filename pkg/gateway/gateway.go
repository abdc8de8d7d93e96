// Package gateway resolves Kubernetes client connections for the clusters
// the deployer talks to: the primary serving cluster and, optionally, a
// secondary cluster used only for cross-cluster exposure resources.
package gateway

import (
	"fmt"
	"os"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	metrics "k8s.io/metrics/pkg/client/clientset/versioned"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/semoss/model-deployer/pkg/config"
)

// Cluster bundles the typed client surfaces callers need against one context.
type Cluster struct {
	Name      string
	REST      *rest.Config
	CoreV1    kubernetes.Interface
	Dynamic   dynamic.Interface
	Discovery discovery.DiscoveryInterface
	Metrics   metrics.Interface
}

// Gateway holds the resolved clusters for the lifetime of the process.
type Gateway struct {
	primary   *Cluster
	secondary *Cluster
}

// New resolves the primary and, if configured, secondary clusters using the
// same precedence the deployer has always used: in-cluster credentials when
// running inside the platform, a mounted kubeconfig in production, and a
// local kubeconfig for development.
func New(cfg *config.Config) (*Gateway, error) {
	primaryREST, err := resolveConfig(cfg, cfg.PrimaryContext)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolving primary context %q: %w", cfg.PrimaryContext, err)
	}
	primary, err := newCluster(cfg.PrimaryContext, primaryREST)
	if err != nil {
		return nil, fmt.Errorf("gateway: building primary cluster client: %w", err)
	}

	gw := &Gateway{primary: primary}

	if cfg.SecondaryHost != "" && cfg.SecondaryBearerToken != "" {
		name := cfg.SecondaryContext
		if name == "" {
			name = "secondary"
		}
		secondary, err := newCluster(name, bearerTokenConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("gateway: building secondary cluster client from host override: %w", err)
		}
		gw.secondary = secondary
	} else if cfg.SecondaryContext != "" {
		secondaryREST, err := resolveConfig(cfg, cfg.SecondaryContext)
		if err != nil {
			return nil, fmt.Errorf("gateway: resolving secondary context %q: %w", cfg.SecondaryContext, err)
		}
		secondary, err := newCluster(cfg.SecondaryContext, secondaryREST)
		if err != nil {
			return nil, fmt.Errorf("gateway: building secondary cluster client: %w", err)
		}
		gw.secondary = secondary
	}

	return gw, nil
}

// Primary returns the serving cluster client bundle.
func (g *Gateway) Primary() *Cluster { return g.primary }

// Secondary returns the egress cluster client bundle, or nil if none was configured.
func (g *Gateway) Secondary() *Cluster { return g.secondary }

// Get returns the cluster bound to the named context.
func (g *Gateway) Get(name string) (*Cluster, error) {
	if g.primary != nil && g.primary.Name == name {
		return g.primary, nil
	}
	if g.secondary != nil && g.secondary.Name == name {
		return g.secondary, nil
	}
	return nil, fmt.Errorf("gateway: unknown cluster context %q", name)
}

func resolveConfig(cfg *config.Config, contextName string) (*rest.Config, error) {
	if !cfg.DevMode {
		if inClusterConfig, err := rest.InClusterConfig(); err == nil {
			return inClusterConfig, nil
		}
		if _, err := os.Stat(cfg.KubeconfigPath); err == nil {
			return buildFromKubeconfig(cfg.KubeconfigPath, contextName)
		}
		return nil, fmt.Errorf("no in-cluster credentials and no kubeconfig at %s", cfg.KubeconfigPath)
	}

	kubeconfig := cfg.KubeconfigPath
	if home, err := os.UserHomeDir(); err == nil && kubeconfig == "" {
		kubeconfig = home + "/.kube/config"
	}
	return buildFromKubeconfig(kubeconfig, contextName)
}

// bearerTokenConfig builds a *rest.Config directly from a host and bearer
// token, bypassing kubeconfig resolution entirely. Used for a secondary
// egress cluster the deployer authenticates to as a service account with no
// local kubeconfig entry of its own.
func bearerTokenConfig(cfg *config.Config) *rest.Config {
	return &rest.Config{
		Host:        cfg.SecondaryHost,
		BearerToken: cfg.SecondaryBearerToken,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: cfg.SecondaryInsecureTLS,
		},
	}
}

func buildFromKubeconfig(path, contextName string) (*rest.Config, error) {
	overrides := &clientcmd.ConfigOverrides{}
	if contextName != "" {
		overrides.CurrentContext = contextName
	}
	loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: path}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}

func newCluster(name string, restConfig *rest.Config) (*Cluster, error) {
	coreV1, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building typed client: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building dynamic client: %w", err)
	}
	discoveryClient, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building discovery client: %w", err)
	}
	metricsClient, err := metrics.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building metrics client: %w", err)
	}

	return &Cluster{
		Name:      name,
		REST:      restConfig,
		CoreV1:    coreV1,
		Dynamic:   dynamicClient,
		Discovery: discoveryClient,
		Metrics:   metricsClient,
	}, nil
}
