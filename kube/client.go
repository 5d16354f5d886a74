package kube

import (
	"fmt"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/mellea-ai/mellea-platform/controlplane/constants"
)

// NewClientset builds a clientset from the in-cluster configuration.
// The control plane always runs inside the cluster it manages.
func NewClientset() (kubernetes.Interface, error) {
	clusterConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(clusterConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return clientset, nil
}

// RunJobName derives the deterministic Job name for an environment.
// Repeated calls for the same environment id always yield the same string,
// so an idempotent resubmission targets the same Job.
func RunJobName(environmentID string) string {
	return constants.RunJobPrefix + shortID(environmentID, 8)
}

// BuildJobName derives the deterministic build Job name for a program.
func BuildJobName(programID string) string {
	return constants.BuildJobPrefix + shortID(programID, 12)
}

// BuildContextName derives the ConfigMap name holding a program's build context.
func BuildContextName(programID string) string {
	return constants.BuildContextPrefix + shortID(programID, 12)
}

func shortID(id string, n int) string {
	id = strings.ToLower(id)
	if len(id) > n {
		id = id[:n]
	}
	return id
}
