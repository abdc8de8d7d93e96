package config

import "testing"

func clearRequiredEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DISCOVERY_HOSTS", "RESOURCE_BUCKET_NAME", "API_KEYS"} {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearRequiredEnv(t)
	t.Setenv("DISCOVERY_HOSTS", "zk1:2181,zk2:2181")
	t.Setenv("RESOURCE_BUCKET_NAME", "model-manifests")
	t.Setenv("API_KEYS", "key-a, key-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServingNamespace != "huggingface-models" {
		t.Fatalf("unexpected default namespace: %s", cfg.ServingNamespace)
	}
	if cfg.HTTPPort != 8080 || cfg.HealthPort != 8082 {
		t.Fatalf("unexpected default ports: http=%d health=%d", cfg.HTTPPort, cfg.HealthPort)
	}
	if len(cfg.DiscoveryHosts) != 2 || cfg.DiscoveryHosts[0] != "zk1:2181" {
		t.Fatalf("unexpected discovery hosts: %v", cfg.DiscoveryHosts)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[1] != "key-b" {
		t.Fatalf("expected trimmed csv api keys, got %v", cfg.APIKeys)
	}
}

func TestLoadRequiresDiscoveryHosts(t *testing.T) {
	clearRequiredEnv(t)
	t.Setenv("RESOURCE_BUCKET_NAME", "model-manifests")
	t.Setenv("API_KEYS", "key-a")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when DISCOVERY_HOSTS is unset")
	}
}

func TestLoadRequiresResourceBucket(t *testing.T) {
	clearRequiredEnv(t)
	t.Setenv("DISCOVERY_HOSTS", "zk1:2181")
	t.Setenv("API_KEYS", "key-a")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when RESOURCE_BUCKET_NAME is unset")
	}
}

func TestLoadRequiresAPIKeys(t *testing.T) {
	clearRequiredEnv(t)
	t.Setenv("DISCOVERY_HOSTS", "zk1:2181")
	t.Setenv("RESOURCE_BUCKET_NAME", "model-manifests")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when API_KEYS is unset")
	}
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	got := splitCSV(" a , b,, c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
