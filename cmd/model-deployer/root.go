package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/semoss/model-deployer/pkg/blobstore"
	"github.com/semoss/model-deployer/pkg/config"
	modeldiscovery "github.com/semoss/model-deployer/pkg/discovery"
	"github.com/semoss/model-deployer/pkg/exposure"
	"github.com/semoss/model-deployer/pkg/gateway"
	"github.com/semoss/model-deployer/pkg/health"
	"github.com/semoss/model-deployer/pkg/inventory"
	"github.com/semoss/model-deployer/pkg/manifest"
	"github.com/semoss/model-deployer/pkg/orchestrator"
	"github.com/semoss/model-deployer/pkg/readiness"
	"github.com/semoss/model-deployer/pkg/server"
	"github.com/semoss/model-deployer/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "model-deployer [options]",
	Short: "Model-serving control plane",
	Long: `
Model-serving control plane

  # show this help
  model-deployer -h

  # shows version information
  model-deployer --version

  # start the control plane, reading configuration from the environment
  model-deployer

Health checks are available on HEALTH_PORT (default 8082); the API
surface listens on HTTP_PORT (default 8080).`,
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("version") {
			fmt.Println(version.Version)
			return
		}
		initLogging()
		if err := run(); err != nil {
			klog.Errorf("model-deployer: %v", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and quit")
	rootCmd.Flags().IntP("log-level", "", 2, "Set the log level (from 0 to 9)")
	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindEnv("log-level", "LOG_LEVEL")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

func initLogging() {
	logLevel := viper.GetInt("log-level")
	if logLevel < 0 {
		logLevel = 2
	}

	logOutput := os.Stdout
	cfg := textlogger.NewConfig(
		textlogger.Output(logOutput),
		textlogger.Verbosity(logLevel),
	)
	logger := textlogger.NewLogger(cfg)
	klog.SetLoggerWithOptions(logger)

	flagSet := flag.NewFlagSet("model-deployer", flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(logLevel)}); err != nil {
		fmt.Fprintf(logOutput, "Error parsing log level: %v\n", err)
	}

	klog.V(0).Infof("logging initialized with level %d", logLevel)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("building cluster gateway: %w", err)
	}

	discoveryStore, err := modeldiscovery.Connect(cfg.DiscoveryHosts, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to discovery store: %w", err)
	}
	defer discoveryStore.Close()

	blobs, err := blobstore.New(context.Background(), cfg.ResourceBucket)
	if err != nil {
		return fmt.Errorf("building blob store client: %w", err)
	}

	primary := gw.Primary()
	crossCluster := gw.Secondary() != nil
	var secondaryCore kubernetes.Interface
	if crossCluster {
		secondaryCore = gw.Secondary().CoreV1
	}

	manifests := manifest.New(cfg.ServingNamespace, blobs, primary.Dynamic, primary.CoreV1)
	exposureLayer := exposure.New(cfg.ServingNamespace, primary.CoreV1, secondaryCore)
	readyGate := readiness.New(exposureLayer.GetExternalAddress)
	inv := inventory.New(cfg.ServingNamespace, primary.CoreV1)

	readinessTimeout := time.Duration(cfg.ReadinessTimeoutSeconds) * time.Second
	orch := orchestrator.New(discoveryStore, blobs, manifests, exposureLayer, readyGate, inv,
		readinessTimeout, crossCluster, "", "")

	checker := health.NewHealthChecker()
	srv := server.New(orch, inv, blobs, discoveryStore, cfg.APIKeys, checker)

	server.StartupReadiness(checker, func(ctx context.Context) error {
		_, err := blobs.NodePools(ctx)
		return err
	}, 30*time.Second)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		klog.V(0).Infof("model-deployer listening on :%d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Health checks get their own listener so a liveness/readiness probe
	// never competes with a slow model start/stop request on the API port.
	healthMux := http.NewServeMux()
	health.AttachHealthEndpoints(healthMux, checker)
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HealthPort),
		Handler: healthMux,
	}
	go func() {
		klog.V(0).Infof("model-deployer health checks listening on :%d", cfg.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		klog.V(0).Infof("received signal %v, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		checker.SetReady(false)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("error during shutdown: %v", err)
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("error during health server shutdown: %v", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	}
}
