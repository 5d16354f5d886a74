package constants

const (
	// Image naming
	DepsImagePrefix    = "mellea-deps"
	ProgramImagePrefix = "mellea-prog"
	RunJobPrefix       = "mellea-run-"
	BuildJobPrefix     = "mellea-build-"
	BuildContextPrefix = "build-context-"

	// Kubernetes labels and annotations
	LabelPartOf         = "app.kubernetes.io/part-of"
	LabelPartOfValue    = "mellea"
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	LabelManagedByValue = "mellea-control-plane"
	LabelEnvironmentID  = "mellea.ai/environment-id"
	LabelProgramID      = "mellea.ai/program-id"
	LabelJobType        = "mellea.ai/job-type"
	JobTypeRun          = "run"
	JobTypeBuild        = "build"
	AnnotationImageTag  = "mellea.ai/image-tag"

	// In-pod paths and fixed object names
	SecretsMountPath    = "/run/mellea/secrets"
	SecretsVolumeName   = "mellea-secrets"
	BuildWorkspacePath  = "/workspace"
	KanikoDockerCfgPath = "/kaniko/.docker"
	RegistryCredSecret  = "mellea-registry-cred"
	RunJobContainerName = "program"
	BuildJobContainer   = "kaniko"
	OutputMountPath     = "/output"

	// Persisted state layout relative to DATA_DIR
	MetadataDir   = "metadata"
	WorkspacesDir = "workspaces"
	ArtifactsDir  = "artifacts"

	// File and directory permissions
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// Environment variables, read once at startup through viper.
const (
	EnvDataDir = "DATA_DIR"

	// build engine
	EnvBuildBackend         = "BUILD_BACKEND"
	EnvRegistryURL          = "REGISTRY_URL"
	EnvRegistryUsername     = "REGISTRY_USERNAME"
	EnvRegistryPassword     = "REGISTRY_PASSWORD"
	EnvKanikoImage          = "KANIKO_IMAGE"
	EnvBuildTimeoutSeconds  = "BUILD_TIMEOUT_SECONDS"
	EnvBuildCPULimit        = "BUILD_CPU_LIMIT"
	EnvBuildMemoryLimit     = "BUILD_MEMORY_LIMIT"
	EnvLayerCacheMaxAgeDays = "LAYER_CACHE_MAX_AGE_DAYS"

	// kubernetes
	EnvRunNamespace          = "RUN_NAMESPACE"
	EnvBuildNamespace        = "BUILD_NAMESPACE"
	EnvJobServiceAccountName = "JOB_SERVICE_ACCOUNT_NAME"
	EnvRunOutputPath         = "RUN_OUTPUT_PATH"

	// artifacts
	EnvArtifactRetentionDays   = "ARTIFACT_RETENTION_DAYS"
	EnvArtifactMaxSingleSizeMB = "ARTIFACT_MAX_SINGLE_SIZE_MB"

	// idle-timeout controller
	EnvEnvironmentIdleTimeoutMinutes = "ENVIRONMENT_IDLE_TIMEOUT_MINUTES"
	EnvRunRetentionDays              = "RUN_RETENTION_DAYS"
	EnvIdleControllerEnabled         = "IDLE_CONTROLLER_ENABLED"
	EnvIdleControllerIntervalSeconds = "IDLE_CONTROLLER_INTERVAL_SECONDS"

	// warmup controller
	EnvWarmupEnabled          = "WARMUP_ENABLED"
	EnvWarmupPoolSize         = "WARMUP_POOL_SIZE"
	EnvWarmupMaxAgeMinutes    = "WARMUP_MAX_AGE_MINUTES"
	EnvWarmupIntervalSeconds  = "WARMUP_INTERVAL_SECONDS"
	EnvWarmupPopularDepsCount = "WARMUP_POPULAR_DEPS_COUNT"

	// retention-policy controller
	EnvRetentionPolicyEnabled         = "RETENTION_POLICY_ENABLED"
	EnvRetentionPolicyIntervalSeconds = "RETENTION_POLICY_INTERVAL_SECONDS"

	// logging
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
)
