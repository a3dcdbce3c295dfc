// The orchestrator is the llmctl control-plane service: HTTP API and
// websocket realtime, the run scheduler, the Kubernetes dispatcher, the
// outbox publisher, and the retention sweeper, all hosted under a
// controller-runtime manager so replicas share the API surface while
// leader election confines run-advancing loops to one writer.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Client auth plugins for kubeconfig-based access (GCP, OIDC, etc.).
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/marcus-qen/llmctl/internal/audit"
	"github.com/marcus-qen/llmctl/internal/config"
	"github.com/marcus-qen/llmctl/internal/credentials"
	"github.com/marcus-qen/llmctl/internal/dispatch"
	"github.com/marcus-qen/llmctl/internal/integrations"
	"github.com/marcus-qen/llmctl/internal/metrics"
	"github.com/marcus-qen/llmctl/internal/orchestrator"
	"github.com/marcus-qen/llmctl/internal/packs"
	"github.com/marcus-qen/llmctl/internal/realtime"
	"github.com/marcus-qen/llmctl/internal/retention"
	"github.com/marcus-qen/llmctl/internal/server"
	"github.com/marcus-qen/llmctl/internal/settings"
	"github.com/marcus-qen/llmctl/internal/shared/ratelimit"
	"github.com/marcus-qen/llmctl/internal/store"
	"github.com/marcus-qen/llmctl/internal/telemetry"
)

var version = "dev"

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var configPath string
	var metricsAddr string
	var probeAddr string
	flag.StringVar(&configPath, "config", "", "Path to the service config file (JSON). Env vars override.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":9090", "Address the Prometheus metrics endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8082", "Address the manager probe endpoint binds to.")
	opts := crzap.Options{Development: false}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if opts.Level == nil {
		if lvl, perr := zapcore.ParseLevel(cfg.LogLevel); perr == nil {
			opts.Level = lvl
		}
	}
	ctrl.SetLogger(crzap.New(crzap.UseFlagOptions(&opts)))
	logger := crzap.NewRaw(crzap.UseFlagOptions(&opts))
	defer logger.Sync() //nolint:errcheck

	shutdownTracer, err := telemetry.InitTraceProvider(context.Background(), cfg.OTLPEndpoint, version)
	if err != nil {
		setupLog.Error(err, "Failed to initialise tracing")
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			setupLog.Error(err, "Tracer shutdown failed")
		}
	}()

	if cfg.DatabaseDriver == "sqlite" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			setupLog.Error(err, "Failed to create data dir", "dir", cfg.DataDir)
			os.Exit(1)
		}
	}
	st, err := store.Open(cfg.DatabaseDriver, cfg.DSN())
	if err != nil {
		setupLog.Error(err, "Failed to open store", "driver", cfg.DatabaseDriver)
		os.Exit(1)
	}
	defer st.Close() //nolint:errcheck

	sp, err := settings.NewProvider(st, logger)
	if err != nil {
		setupLog.Error(err, "Failed to load runtime settings")
		os.Exit(1)
	}
	auditStore := audit.New(st.DB(), st.Rebind)

	codec, err := loadCodec(cfg)
	if err != nil {
		setupLog.Error(err, "Failed to load credential master key", "path", cfg.MasterKeyPath)
		os.Exit(1)
	}
	creds := credentials.NewResolver(codec, st)
	integResolver := integrations.NewResolver(creds)

	restCfg, err := kubeConfig(cfg)
	if err != nil {
		setupLog.Error(err, "Failed to build Kubernetes client config")
		os.Exit(1)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		setupLog.Error(err, "Failed to build Kubernetes clientset")
		os.Exit(1)
	}

	source, err := instructionSource(cfg)
	if err != nil {
		setupLog.Error(err, "Failed to load instruction pack")
		os.Exit(1)
	}

	dispatcher := dispatch.New(clientset, st, logger)
	orch := orchestrator.New(st, dispatcher, sp, integResolver, source, logger, orchestrator.DefaultConfig())

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.MaxConcurrentGlobal = cfg.MaxConcurrentRuns
	limiter := ratelimit.NewLimiter(limiterCfg)

	sched := orchestrator.NewScheduler(st, orch, limiter, logger, orchestrator.SchedulerConfig{
		TickInterval:      time.Duration(cfg.SchedulerIntervalSeconds) * time.Second,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	})

	broker, err := buildBroker(cfg)
	if err != nil {
		setupLog.Error(err, "Failed to connect broker", "broker", cfg.Broker)
		os.Exit(1)
	}
	signingKey, err := decodeSigningKey(cfg.SigningKey)
	if err != nil {
		setupLog.Error(err, "Invalid signing key")
		os.Exit(1)
	}
	publisher := realtime.NewPublisher(st, broker, signingKey, logger)
	publisher.OnPublish = func(env realtime.Envelope, lag time.Duration) {
		metrics.RecordOutboxLag(lag)
	}
	hub := realtime.NewHub(broker, logger)

	sweeper := retention.New(st, auditStore, logger, retention.Config{
		ArtifactSchedule: cfg.ArtifactSweepSchedule,
		OutboxSchedule:   cfg.OutboxPruneSchedule,
		AuditSchedule:    cfg.AuditPurgeSchedule,
		OutboxRetention:  time.Duration(cfg.OutboxRetainHours) * time.Hour,
		AuditRetention:   time.Duration(cfg.AuditRetainDays) * 24 * time.Hour,
	})

	apiServer := server.New(server.Config{
		ListenAddr:  cfg.ListenAddr,
		BearerToken: cfg.APIToken,
	}, st, orch, sp, auditStore, hub, logger)

	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Metrics:                 metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress:  probeAddr,
		LeaderElection:          cfg.LeaderElection,
		LeaderElectionID:        "llmctl-orchestrator-leader",
		LeaderElectionNamespace: cfg.K8sNamespace,
	})
	if err != nil {
		setupLog.Error(err, "Failed to start manager")
		os.Exit(1)
	}

	for _, r := range []struct {
		name     string
		runnable manager.Runnable
	}{
		{"scheduler", sched},
		{"publisher", publisher},
		{"hub", hub},
		{"sweeper", sweeper},
		{"server", apiServer},
	} {
		if err := mgr.Add(r.runnable); err != nil {
			setupLog.Error(err, "Failed to register runnable", "name", r.name)
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "Failed to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "Failed to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("Starting manager", "version", version, "listen", cfg.ListenAddr)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "Failed to run manager")
		os.Exit(1)
	}
}

// loadCodec reads the credential master key, or generates an ephemeral
// one when no path is configured. Ephemeral keys cannot decrypt
// credentials stored by a previous process.
func loadCodec(cfg config.Config) (*credentials.Codec, error) {
	if cfg.MasterKeyPath != "" {
		return credentials.LoadCodec(cfg.MasterKeyPath)
	}
	setupLog.Info("No master key path configured, using ephemeral credential key")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return credentials.NewCodec(key)
}

func kubeConfig(cfg config.Config) (*rest.Config, error) {
	if cfg.K8sKubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", cfg.K8sKubeconfig)
	}
	if cfg.K8sInCluster {
		return rest.InClusterConfig()
	}
	return ctrl.GetConfig()
}

// instructionSource loads role and agent bodies for the compiler: an
// unpacked pack directory when configured, an OCI pull when only a ref
// is given, and an empty static source otherwise.
func instructionSource(cfg config.Config) (orchestrator.InstructionSource, error) {
	if cfg.InstructionPackDir != "" {
		return packs.LoadDir(cfg.InstructionPackDir)
	}
	if cfg.InstructionPackRef != "" {
		ref, err := packs.ParseRef(cfg.InstructionPackRef)
		if err != nil {
			return nil, err
		}
		dest := filepath.Join(cfg.DataDir, "packs", strings.ReplaceAll(ref.Path, "/", "_"))
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := packs.NewRegistryClient().PullToDir(ctx, ref, dest); err != nil {
			return nil, fmt.Errorf("pull %s: %w", cfg.InstructionPackRef, err)
		}
		return packs.LoadDir(dest)
	}
	setupLog.Info("No instruction pack configured, role and agent ids will not resolve")
	return &orchestrator.StaticSource{}, nil
}

func buildBroker(cfg config.Config) (realtime.Broker, error) {
	if cfg.HasRedis() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return realtime.NewRedisBroker(ctx, cfg.RedisAddr)
	}
	return realtime.NewMemoryBroker(0), nil
}

func decodeSigningKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signing key must be hex: %w", err)
	}
	return key, nil
}
