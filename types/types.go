package types

import "time"

// DependencySource tags where a dependency spec came from.
type DependencySource string

const (
	SourcePyproject    DependencySource = "pyproject"
	SourceRequirements DependencySource = "requirements"
	SourceManual       DependencySource = "manual"
)

// PackageRef is a single package requirement.
type PackageRef struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Extras  []string `json:"extras,omitempty"`
}

// DependencySpec describes the packages a program needs. Its canonical form
// (see build.Canonicalize) is the identity of the cached dependency layer.
type DependencySpec struct {
	Source             DependencySource `json:"source"`
	Packages           []PackageRef     `json:"packages"`
	InterpreterVersion string           `json:"interpreter_version,omitempty"`
}

type ImageBuildStatus string

const (
	ImageBuildPending  ImageBuildStatus = "pending"
	ImageBuildBuilding ImageBuildStatus = "building"
	ImageBuildReady    ImageBuildStatus = "ready"
	ImageBuildFailed   ImageBuildStatus = "failed"
)

// ProgramAsset is the core's read view of a user program. The external facade
// owns creation; the core updates build status and last-run timestamps.
type ProgramAsset struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"owner_id"`
	Entrypoint       string           `json:"entrypoint"`
	ProjectRoot      string           `json:"project_root"`
	Dependencies     DependencySpec   `json:"dependencies"`
	ImageTag         string           `json:"image_tag,omitempty"`
	ImageBuildStatus ImageBuildStatus `json:"image_build_status"`
	ImageBuildError  string           `json:"image_build_error,omitempty"`
	LastRunAt        *time.Time       `json:"last_run_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (p ProgramAsset) GetID() string { return p.ID }

// ResourceLimits bound a single environment's runs.
type ResourceLimits struct {
	CPUCores       float64 `json:"cpu_cores"`
	MemoryMB       int64   `json:"memory_mb"`
	TimeoutSeconds int64   `json:"timeout_seconds"`
}

type EnvironmentStatus string

const (
	EnvCreating EnvironmentStatus = "creating"
	EnvReady    EnvironmentStatus = "ready"
	EnvStarting EnvironmentStatus = "starting"
	EnvRunning  EnvironmentStatus = "running"
	EnvStopping EnvironmentStatus = "stopping"
	EnvStopped  EnvironmentStatus = "stopped"
	EnvFailed   EnvironmentStatus = "failed"
	EnvDeleting EnvironmentStatus = "deleting"
)

// Environment is a logical container sandbox bound to a program image.
type Environment struct {
	ID             string            `json:"id"`
	ProgramID      string            `json:"program_id"`
	ImageTag       string            `json:"image_tag"`
	ContainerID    string            `json:"container_id,omitempty"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	Status         EnvironmentStatus `json:"status"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	StoppedAt      *time.Time        `json:"stopped_at,omitempty"`
}

func (e Environment) GetID() string { return e.ID }

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunStarting  RunStatus = "starting"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Run is a single execution of a program inside an environment.
type Run struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	ProgramID     string     `json:"program_id"`
	CredentialIDs []string   `json:"credential_ids,omitempty"`
	JobName       string     `json:"job_name,omitempty"`
	Status        RunStatus  `json:"status"`
	ExitCode      *int32     `json:"exit_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	OutputPath    string     `json:"output_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (r Run) GetID() string { return r.ID }

// LayerCacheEntry records one built dependency layer, keyed by the cache key.
type LayerCacheEntry struct {
	ID                 string    `json:"id"`
	CacheKey           string    `json:"cache_key"`
	ImageTag           string    `json:"image_tag"`
	InterpreterVersion string    `json:"interpreter_version"`
	PackageCount       int       `json:"package_count"`
	SizeBytes          int64     `json:"size_bytes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	LastUsedAt         time.Time `json:"last_used_at"`
	UseCount           int       `json:"use_count"`
}

func (l LayerCacheEntry) GetID() string { return l.ID }

// Artifact is a run-produced file stored under the artifacts root.
type Artifact struct {
	ID           string                 `json:"id"`
	RunID        string                 `json:"run_id"`
	OwnerID      string                 `json:"owner_id"`
	Name         string                 `json:"name"`
	ArtifactType string                 `json:"artifact_type,omitempty"`
	SizeBytes    int64                  `json:"size_bytes"`
	StoragePath  string                 `json:"storage_path"`
	Checksum     string                 `json:"checksum"`
	MimeType     string                 `json:"mime_type,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
}

func (a Artifact) GetID() string { return a.ID }

// ArtifactUsage aggregates live artifact storage per owner.
type ArtifactUsage struct {
	OwnerID       string    `json:"owner_id"`
	TotalBytes    int64     `json:"total_bytes"`
	ArtifactCount int       `json:"artifact_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

func (u ArtifactUsage) GetID() string { return u.OwnerID }

// UserQuotas are the per-owner limits enforced on collection.
type UserQuotas struct {
	MaxStorageMB int64 `json:"max_storage_mb"`
}

type RetentionResource string

const (
	RetainArtifact    RetentionResource = "artifact"
	RetainRun         RetentionResource = "run"
	RetainEnvironment RetentionResource = "environment"
	RetainLog         RetentionResource = "log"
)

type RetentionCondition string

const (
	ConditionAgeDays    RetentionCondition = "age_days"
	ConditionSizeBytes  RetentionCondition = "size_bytes"
	ConditionStatus     RetentionCondition = "status"
	ConditionUnusedDays RetentionCondition = "unused_days"
)

// RetentionPolicy is a deletion rule evaluated periodically by the
// retention controller. A nil UserID means system-wide.
type RetentionPolicy struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ResourceType RetentionResource  `json:"resource_type"`
	Condition    RetentionCondition `json:"condition"`
	Threshold    int64              `json:"threshold"`
	StatusValue  string             `json:"status_value,omitempty"`
	Enabled      bool               `json:"enabled"`
	Priority     int                `json:"priority"`
	UserID       *string            `json:"user_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func (p RetentionPolicy) GetID() string { return p.ID }

type BuildJobStatus string

const (
	BuildPending   BuildJobStatus = "pending"
	BuildRunning   BuildJobStatus = "running"
	BuildSucceeded BuildJobStatus = "succeeded"
	BuildFailed    BuildJobStatus = "failed"
)

// BuildJob is the status view over an in-cluster image build.
type BuildJob struct {
	JobName      string         `json:"job_name"`
	ProgramID    string         `json:"program_id"`
	ImageTag     string         `json:"image_tag"`
	Status       BuildJobStatus `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// BuildResult is the outcome of a BuildImage call. Under the kaniko backend
// Success only means the build job was submitted; callers poll
// GetBuildStatus for the terminal state.
type BuildResult struct {
	Success                 bool    `json:"success"`
	ImageTag                string  `json:"image_tag,omitempty"`
	CacheHit                bool    `json:"cache_hit"`
	BuildJobName            string  `json:"build_job_name,omitempty"`
	ErrorMessage            string  `json:"error_message,omitempty"`
	TotalDurationSeconds    float64 `json:"total_duration_seconds"`
	DepsBuildDurationSec    float64 `json:"deps_build_duration_seconds"`
	ProgramBuildDurationSec float64 `json:"program_build_duration_seconds"`
}

// Credential is the gateway's metadata view of a secret reference. Key-value
// material is resolved through the gateway, never read from here directly by
// run submission code.
type Credential struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	Name       string            `json:"name"`
	SecretName string            `json:"secret_name,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (c Credential) GetID() string { return c.ID }

// WarmupMetrics is emitted after each warmup cycle.
type WarmupMetrics struct {
	WarmPoolSize         int      `json:"warm_pool_size"`
	EnvironmentsCreated  int      `json:"environments_created"`
	EnvironmentsRecycled int      `json:"environments_recycled"`
	LayersPreBuilt       int      `json:"layers_pre_built"`
	Errors               []string `json:"errors,omitempty"`
	DurationSeconds      float64  `json:"duration_seconds"`
}

// ControllerMetrics is emitted after each idle-timeout cycle.
type ControllerMetrics struct {
	EnvironmentsChecked int      `json:"environments_checked"`
	EnvironmentsStopped int      `json:"environments_stopped"`
	RunsChecked         int      `json:"runs_checked"`
	RunsDeleted         int      `json:"runs_deleted"`
	Errors              []string `json:"errors,omitempty"`
	DurationSeconds     float64  `json:"duration_seconds"`
}

// RetentionMetrics is emitted after each retention cycle.
type RetentionMetrics struct {
	PoliciesEvaluated    int      `json:"policies_evaluated"`
	ArtifactsDeleted     int      `json:"artifacts_deleted"`
	RunsDeleted          int      `json:"runs_deleted"`
	EnvironmentsCleaned  int      `json:"environments_cleaned"`
	StorageFreedBytes    int64    `json:"storage_freed_bytes"`
	Errors               []string `json:"errors,omitempty"`
	DurationSeconds      float64  `json:"duration_seconds"`
}
