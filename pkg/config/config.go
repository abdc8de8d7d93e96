// Package config loads the control plane's environment-derived settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-derived setting the control plane needs.
// It is constructed once at startup and passed down explicitly; nothing
// here is read from the environment again after Load returns.
type Config struct {
	ServingNamespace string
	ControlNamespace string

	DiscoveryHosts []string

	ImagePullSecret string

	PrimaryContext   string
	SecondaryContext string
	KubeconfigPath   string
	DevMode          bool

	// SecondaryHost and SecondaryBearerToken, when both set, resolve the
	// secondary cluster by direct host+token override instead of a
	// kubeconfig context, for egress clusters the deployer has no
	// kubeconfig entry for.
	SecondaryHost        string
	SecondaryBearerToken string
	SecondaryInsecureTLS bool

	ResourceBucket string

	APIKeys []string

	ReadinessTimeoutSeconds int

	LogLevel   int
	HTTPPort   int
	HealthPort int
}

// Load builds a Config from the process environment, applying the same
// defaults the deployer has always shipped with.
func Load() (*Config, error) {
	cfg := &Config{
		ServingNamespace:        getEnv("SERVING_NAMESPACE", "huggingface-models"),
		ControlNamespace:        getEnv("CONTROL_NAMESPACE", "semoss"),
		DiscoveryHosts:          splitCSV(os.Getenv("DISCOVERY_HOSTS")),
		ImagePullSecret:         os.Getenv("IMAGE_PULL_SECRET"),
		PrimaryContext:          os.Getenv("PRIMARY_CONTEXT"),
		SecondaryContext:        os.Getenv("SECONDARY_CONTEXT"),
		KubeconfigPath:          os.Getenv("KUBECONFIG_PATH"),
		DevMode:                 getEnvBool("DEV_MODE", false),
		SecondaryHost:           os.Getenv("SECONDARY_HOST"),
		SecondaryBearerToken:    os.Getenv("SECONDARY_BEARER_TOKEN"),
		SecondaryInsecureTLS:    getEnvBool("SECONDARY_INSECURE_TLS", false),
		ResourceBucket:          os.Getenv("RESOURCE_BUCKET_NAME"),
		APIKeys:                 splitCSV(os.Getenv("API_KEYS")),
		ReadinessTimeoutSeconds: getEnvInt("READINESS_TIMEOUT_SECONDS", 500),
		LogLevel:                getEnvInt("LOG_LEVEL", 2),
		HTTPPort:                getEnvInt("HTTP_PORT", 8080),
		HealthPort:              getEnvInt("HEALTH_PORT", 8082),
	}
	// Outside dev mode an unset KUBECONFIG_PATH means the mounted
	// production kubeconfig; in dev mode it is left empty so the gateway
	// resolves the local ~/.kube/config.
	if cfg.KubeconfigPath == "" && !cfg.DevMode {
		cfg.KubeconfigPath = "/app/kubeconfig/config"
	}

	if len(cfg.DiscoveryHosts) == 0 {
		return nil, fmt.Errorf("config: DISCOVERY_HOSTS must name at least one host")
	}
	if cfg.ResourceBucket == "" {
		return nil, fmt.Errorf("config: RESOURCE_BUCKET_NAME is required")
	}
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("config: API_KEYS must name at least one shared secret")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
