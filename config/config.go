package config

import (
	"github.com/spf13/viper"

	"github.com/mellea-ai/mellea-platform/controlplane/constants"
)

func Init() {
	viper.AutomaticEnv()
	setDefaults()
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Storage defaults
	viper.SetDefault(constants.EnvDataDir, "/var/lib/mellea")

	// Build engine defaults
	viper.SetDefault(constants.EnvBuildBackend, "kaniko")
	viper.SetDefault(constants.EnvKanikoImage, "gcr.io/kaniko-project/executor:v1.23.2")
	viper.SetDefault(constants.EnvBuildTimeoutSeconds, 1800)
	viper.SetDefault(constants.EnvBuildCPULimit, "2")
	viper.SetDefault(constants.EnvBuildMemoryLimit, "4Gi")
	viper.SetDefault(constants.EnvLayerCacheMaxAgeDays, 30)

	// Kubernetes defaults
	viper.SetDefault(constants.EnvRunNamespace, "mellea-runs")
	viper.SetDefault(constants.EnvBuildNamespace, "mellea-builds")
	viper.SetDefault(constants.EnvJobServiceAccountName, "")
	viper.SetDefault(constants.EnvRunOutputPath, constants.OutputMountPath)

	// Artifact defaults
	viper.SetDefault(constants.EnvArtifactRetentionDays, 30)
	viper.SetDefault(constants.EnvArtifactMaxSingleSizeMB, 512)

	// Idle-timeout controller defaults
	viper.SetDefault(constants.EnvEnvironmentIdleTimeoutMinutes, 30)
	viper.SetDefault(constants.EnvRunRetentionDays, 7)
	viper.SetDefault(constants.EnvIdleControllerEnabled, true)
	viper.SetDefault(constants.EnvIdleControllerIntervalSeconds, 300)

	// Warmup controller defaults
	viper.SetDefault(constants.EnvWarmupEnabled, false)
	viper.SetDefault(constants.EnvWarmupPoolSize, 3)
	viper.SetDefault(constants.EnvWarmupMaxAgeMinutes, 120)
	viper.SetDefault(constants.EnvWarmupIntervalSeconds, 600)
	viper.SetDefault(constants.EnvWarmupPopularDepsCount, 5)

	// Retention-policy controller defaults
	viper.SetDefault(constants.EnvRetentionPolicyEnabled, true)
	viper.SetDefault(constants.EnvRetentionPolicyIntervalSeconds, 3600)

	// Logging defaults
	viper.SetDefault(constants.EnvLogLevel, "info")
	viper.SetDefault(constants.EnvLogFormat, "console")
}
