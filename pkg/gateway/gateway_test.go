package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/semoss/model-deployer/pkg/config"
)

const testKubeconfig = `
apiVersion: v1
kind: Config
clusters:
  - name: test-cluster
    cluster:
      server: https://example.invalid:6443
contexts:
  - name: test-context
    context:
      cluster: test-cluster
      user: test-user
current-context: test-context
users:
  - name: test-user
    user:
      token: fake-token
`

func writeTestKubeconfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kubeconfig")
	if err := os.WriteFile(path, []byte(testKubeconfig), 0o600); err != nil {
		t.Fatalf("writing test kubeconfig: %v", err)
	}
	return path
}

func TestResolveConfigDevModeUsesKubeconfig(t *testing.T) {
	path := writeTestKubeconfig(t)
	cfg := &config.Config{DevMode: true, KubeconfigPath: path}

	rest, err := resolveConfig(cfg, "test-context")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rest.Host != "https://example.invalid:6443" {
		t.Fatalf("unexpected host: %s", rest.Host)
	}
}

func TestResolveConfigDevModeFallsBackToDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	kubeDir := filepath.Join(home, ".kube")
	if err := os.MkdirAll(kubeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(kubeDir, "config"), []byte(testKubeconfig), 0o600); err != nil {
		t.Fatalf("writing default kubeconfig: %v", err)
	}

	cfg := &config.Config{DevMode: true, KubeconfigPath: ""}
	rest, err := resolveConfig(cfg, "test-context")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rest.Host != "https://example.invalid:6443" {
		t.Fatalf("unexpected host: %s", rest.Host)
	}
}

func TestBearerTokenConfigUsesHostOverride(t *testing.T) {
	cfg := &config.Config{
		SecondaryHost:        "https://egress.example.invalid:6443",
		SecondaryBearerToken: "fake-token",
	}
	rest := bearerTokenConfig(cfg)
	if rest.Host != cfg.SecondaryHost || rest.BearerToken != cfg.SecondaryBearerToken {
		t.Fatalf("unexpected rest config: %+v", rest)
	}
	if rest.TLSClientConfig.Insecure {
		t.Fatalf("expected TLS verification by default")
	}
}

func TestBuildFromKubeconfigUnknownContextErrors(t *testing.T) {
	path := writeTestKubeconfig(t)
	if _, err := buildFromKubeconfig(path, "does-not-exist"); err == nil {
		t.Fatalf("expected error for unknown context")
	}
}
