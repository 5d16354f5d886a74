package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/mellea-ai/mellea-platform/controlplane/artifact"
	"github.com/mellea-ai/mellea-platform/controlplane/build"
	"github.com/mellea-ai/mellea-platform/controlplane/config"
	"github.com/mellea-ai/mellea-platform/controlplane/constants"
	"github.com/mellea-ai/mellea-platform/controlplane/controller"
	"github.com/mellea-ai/mellea-platform/controlplane/credentials"
	"github.com/mellea-ai/mellea-platform/controlplane/environment"
	"github.com/mellea-ai/mellea-platform/controlplane/kube"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/program"
	"github.com/mellea-ai/mellea-platform/controlplane/run"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

func main() {
	config.Init()
	logger.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataDir := viper.GetString(constants.EnvDataDir)
	metadataDir := filepath.Join(dataDir, constants.MetadataDir)

	envStore, err := store.Open[types.Environment](metadataDir, "environments.json", "environments")
	if err != nil {
		logger.Fatalf("Failed to open environments store: %v", err)
	}
	runStore, err := store.Open[types.Run](metadataDir, "runs.json", "runs")
	if err != nil {
		logger.Fatalf("Failed to open runs store: %v", err)
	}
	programStore, err := store.Open[types.ProgramAsset](metadataDir, "programs.json", "programs")
	if err != nil {
		logger.Fatalf("Failed to open programs store: %v", err)
	}
	artifactStore, err := store.Open[types.Artifact](metadataDir, "artifacts.json", "artifacts")
	if err != nil {
		logger.Fatalf("Failed to open artifacts store: %v", err)
	}
	usageStore, err := store.Open[types.ArtifactUsage](metadataDir, "artifact_usage.json", "usage")
	if err != nil {
		logger.Fatalf("Failed to open artifact usage store: %v", err)
	}
	cacheStore, err := store.Open[types.LayerCacheEntry](metadataDir, "layer_cache.json", "layer_cache")
	if err != nil {
		logger.Fatalf("Failed to open layer cache store: %v", err)
	}
	policyStore, err := store.Open[types.RetentionPolicy](metadataDir, "retention_policies.json", "policies")
	if err != nil {
		logger.Fatalf("Failed to open retention policies store: %v", err)
	}
	credStore, err := store.Open[types.Credential](metadataDir, "credentials.json", "credentials")
	if err != nil {
		logger.Fatalf("Failed to open credentials store: %v", err)
	}

	clientset, err := kube.NewClientset()
	if err != nil {
		logger.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	var registry *build.RegistryAuth
	if url := viper.GetString(constants.EnvRegistryURL); url != "" {
		registry = &build.RegistryAuth{
			URL:      url,
			Username: viper.GetString(constants.EnvRegistryUsername),
			Password: viper.GetString(constants.EnvRegistryPassword),
		}
		if err := registry.Resolve(ctx); err != nil {
			logger.Fatalf("Failed to resolve registry credentials: %v", err)
		}
	}

	layerCache := build.NewLayerCache(cacheStore)
	var engine build.Engine
	switch backend := viper.GetString(constants.EnvBuildBackend); backend {
	case "daemon":
		engine, err = build.NewDaemonEngine(layerCache, registry)
		if err != nil {
			logger.Fatalf("Failed to create daemon build engine: %v", err)
		}
	case "kaniko":
		buildJobs := kube.NewBuildJobs(clientset, kube.BuildJobsConfig{
			Namespace:   viper.GetString(constants.EnvBuildNamespace),
			KanikoImage: viper.GetString(constants.EnvKanikoImage),
			Registry:    viper.GetString(constants.EnvRegistryURL),
			Timeout:     time.Duration(viper.GetInt(constants.EnvBuildTimeoutSeconds)) * time.Second,
			CPULimit:    viper.GetString(constants.EnvBuildCPULimit),
			MemoryLimit: viper.GetString(constants.EnvBuildMemoryLimit),
		})
		engine = build.NewKanikoEngine(buildJobs, layerCache, registry)
	default:
		logger.Fatalf("Unknown build backend %q", backend)
	}

	programs := program.NewService(programStore)
	envs := environment.NewService(envStore)
	runs := run.NewService(runStore)
	collector := artifact.NewCollector(artifactStore, usageStore,
		filepath.Join(dataDir, constants.ArtifactsDir),
		viper.GetInt64(constants.EnvArtifactMaxSingleSizeMB),
		viper.GetInt(constants.EnvArtifactRetentionDays))

	gateway := credentials.NewStoreGateway(credStore)
	runJobs := kube.NewRunJobs(clientset,
		viper.GetString(constants.EnvRunNamespace),
		viper.GetString(constants.EnvJobServiceAccountName))
	executor := run.NewExecutor(runs, envs, programs, gateway, runJobs,
		viper.GetString(constants.EnvRunOutputPath))

	// retention is constructed unconditionally so the default policies get
	// seeded on first boot even when its loop is disabled
	retention, err := controller.NewRetention(policyStore, collector, runs, envs, controller.RetentionConfig{
		Interval: time.Duration(viper.GetInt(constants.EnvRetentionPolicyIntervalSeconds)) * time.Second,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize retention controller: %v", err)
	}

	var loops []*controller.Loop
	if viper.GetBool(constants.EnvWarmupEnabled) {
		warmup := controller.NewWarmup(programs, envs, engine, layerCache,
			filepath.Join(dataDir, constants.WorkspacesDir),
			controller.WarmupConfig{
				PoolSize:         viper.GetInt(constants.EnvWarmupPoolSize),
				MaxAge:           time.Duration(viper.GetInt(constants.EnvWarmupMaxAgeMinutes)) * time.Minute,
				PopularDepsCount: viper.GetInt(constants.EnvWarmupPopularDepsCount),
				Interval:         time.Duration(viper.GetInt(constants.EnvWarmupIntervalSeconds)) * time.Second,
			})
		loops = append(loops, warmup.Loop())
	}
	if viper.GetBool(constants.EnvIdleControllerEnabled) {
		idle := controller.NewIdleTimeout(envs, runs, executor, controller.IdleTimeoutConfig{
			IdleAfter:    time.Duration(viper.GetInt(constants.EnvEnvironmentIdleTimeoutMinutes)) * time.Minute,
			RunRetention: time.Duration(viper.GetInt(constants.EnvRunRetentionDays)) * 24 * time.Hour,
			Interval:     time.Duration(viper.GetInt(constants.EnvIdleControllerIntervalSeconds)) * time.Second,
		})
		loops = append(loops, idle.Loop())
	}
	if viper.GetBool(constants.EnvRetentionPolicyEnabled) {
		loops = append(loops, retention.Loop())
	}
	for _, loop := range loops {
		loop.Start(ctx)
	}

	pruner := build.StartCachePruner(ctx, engine, viper.GetInt(constants.EnvLayerCacheMaxAgeDays))

	// setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	sig := <-signalChan
	logger.Infof("Received signal %v, shutting down control plane.", sig)

	for _, loop := range loops {
		loop.Stop()
	}
	pruner.Stop()
	logger.Info("Control plane stopped!")
}
