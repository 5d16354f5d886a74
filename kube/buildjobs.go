package kube

import (
	"bytes"
	"context"
	"io"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/mellea-ai/mellea-platform/controlplane/constants"
	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

const (
	buildJobTTLSeconds = int32(3600)
	buildBackoffLimit  = int32(1)
	buildPollInterval  = 5 * time.Second
)

// BuildJobs runs in-cluster image builds with Kaniko. The build context is
// delivered through a ConfigMap, so no container daemon is needed on nodes.
type BuildJobs struct {
	client      kubernetes.Interface
	namespace   string
	kanikoImage string
	registry    string
	timeout     time.Duration
	cpuLimit    string
	memoryLimit string
}

type BuildJobsConfig struct {
	Namespace   string
	KanikoImage string
	Registry    string
	Timeout     time.Duration
	CPULimit    string
	MemoryLimit string
}

func NewBuildJobs(client kubernetes.Interface, cfg BuildJobsConfig) *BuildJobs {
	return &BuildJobs{
		client:      client,
		namespace:   cfg.Namespace,
		kanikoImage: cfg.KanikoImage,
		registry:    cfg.Registry,
		timeout:     cfg.Timeout,
		cpuLimit:    cfg.CPULimit,
		memoryLimit: cfg.MemoryLimit,
	}
}

// CreateBuildJob delivers the Dockerfile and context files as a ConfigMap and
// submits a Kaniko Job building imageTag. It returns as soon as the Job is
// accepted; callers poll GetBuildStatus for the outcome.
func (b *BuildJobs) CreateBuildJob(ctx context.Context, programID, dockerfile string, contextFiles map[string]string, imageTag string) (*types.BuildResult, error) {
	jobName := BuildJobName(programID)
	cmName := BuildContextName(programID)

	if err := b.applyContextConfigMap(ctx, cmName, programID, dockerfile, contextFiles); err != nil {
		return nil, err
	}

	// A leftover Job from a prior build of the same program blocks creation.
	if err := b.deleteJob(ctx, jobName); err != nil {
		logger.Warnf("failed to delete prior build job %s: %s", jobName, err)
	}

	job := b.buildKanikoJob(jobName, cmName, programID, imageTag)
	if _, err := b.client.BatchV1().Jobs(b.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return nil, errs.JobCreation(jobName, err)
	}

	logger.Infof("submitted build job %s for program %s -> %s", jobName, programID, imageTag)
	return &types.BuildResult{
		Success:      true,
		ImageTag:     imageTag,
		CacheHit:     false,
		BuildJobName: jobName,
	}, nil
}

func (b *BuildJobs) applyContextConfigMap(ctx context.Context, cmName, programID, dockerfile string, contextFiles map[string]string) error {
	data := map[string]string{"Dockerfile": dockerfile}
	for path, content := range contextFiles {
		data[path] = content
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cmName,
			Namespace: b.namespace,
			Labels: map[string]string{
				constants.LabelPartOf:    constants.LabelPartOfValue,
				constants.LabelProgramID: programID,
			},
		},
		Data: data,
	}

	_, err := b.client.CoreV1().ConfigMaps(b.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = b.client.CoreV1().ConfigMaps(b.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	}
	if err != nil {
		return errs.Cluster("apply build context "+cmName, err)
	}
	return nil
}

func (b *BuildJobs) buildKanikoJob(jobName, cmName, programID, imageTag string) *batchv1.Job {
	args := []string{
		"--dockerfile=" + constants.BuildWorkspacePath + "/Dockerfile",
		"--context=dir://" + constants.BuildWorkspacePath,
		"--destination=" + imageTag,
		"--snapshot-mode=redo",
		"--use-new-run",
	}
	if b.registry != "" {
		args = append(args,
			"--cache=true",
			"--cache-repo="+b.registry+"/mellea-cache",
		)
	} else {
		args = append(args, "--no-push")
	}

	labels := map[string]string{
		constants.LabelPartOf:    constants.LabelPartOfValue,
		constants.LabelManagedBy: constants.LabelManagedByValue,
		constants.LabelProgramID: programID,
		constants.LabelJobType:   constants.JobTypeBuild,
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				constants.AnnotationImageTag: imageTag,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(buildBackoffLimit),
			TTLSecondsAfterFinished: ptr.To(buildJobTTLSeconds),
			ActiveDeadlineSeconds:   ptr.To(int64(b.timeout.Seconds())),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  constants.BuildJobContainer,
							Image: b.kanikoImage,
							Args:  args,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("500m"),
									corev1.ResourceMemory: resource.MustParse("1Gi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(b.cpuLimit),
									corev1.ResourceMemory: resource.MustParse(b.memoryLimit),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{
									Name:      "build-context",
									MountPath: constants.BuildWorkspacePath,
									ReadOnly:  true,
								},
								{
									Name:      "docker-config",
									MountPath: constants.KanikoDockerCfgPath,
									ReadOnly:  true,
								},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "build-context",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: cmName},
								},
							},
						},
						{
							Name: "docker-config",
							VolumeSource: corev1.VolumeSource{
								Secret: &corev1.SecretVolumeSource{
									SecretName: constants.RegistryCredSecret,
									Optional:   ptr.To(true),
									Items: []corev1.KeyToPath{
										{Key: ".dockerconfigjson", Path: "config.json"},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// GetBuildStatus returns the BuildJob view for jobName.
func (b *BuildJobs) GetBuildStatus(ctx context.Context, jobName string) (*types.BuildJob, error) {
	job, err := b.client.BatchV1().Jobs(b.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.NotFound("build job", jobName)
		}
		return nil, errs.Cluster("get build job "+jobName, err)
	}

	build := &types.BuildJob{
		JobName:   job.Name,
		ProgramID: job.Labels[constants.LabelProgramID],
		ImageTag:  job.Annotations[constants.AnnotationImageTag],
		Status:    derivePhase(job).BuildStatus(),
	}
	build.StartedAt, build.CompletedAt = jobTimes(job)

	if build.Status == types.BuildFailed {
		if pod := b.findBuildPod(ctx, jobName); pod != nil {
			if _, reason, message := podTermination(pod); message != "" {
				build.ErrorMessage = message
			} else if reason != "" {
				build.ErrorMessage = reason
			}
		}
		if build.ErrorMessage == "" {
			build.ErrorMessage = "build job failed"
		}
	}
	return build, nil
}

// GetBuildLogs returns the Kaniko container logs, or a placeholder when the
// pod has not produced any yet.
func (b *BuildJobs) GetBuildLogs(ctx context.Context, jobName string, tailLines int64) (string, error) {
	pod := b.findBuildPod(ctx, jobName)
	if pod == nil || pod.Status.Phase == corev1.PodPending {
		return "(build pod not started yet)", nil
	}

	req := b.client.CoreV1().Pods(b.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: constants.BuildJobContainer,
		TailLines: &tailLines,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", errs.Cluster("stream build logs for "+jobName, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.Warnf("failed to close build log stream for %s: %s", jobName, cerr)
		}
	}()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, stream); err != nil {
		return "", errs.Cluster("read build logs for "+jobName, err)
	}
	return buf.String(), nil
}

// DeleteBuildJob removes the build Job and its context ConfigMap. Idempotent.
func (b *BuildJobs) DeleteBuildJob(ctx context.Context, jobName string) error {
	if err := b.deleteJob(ctx, jobName); err != nil {
		return err
	}

	cmName := constants.BuildContextPrefix + jobName[len(constants.BuildJobPrefix):]
	err := b.client.CoreV1().ConfigMaps(b.namespace).Delete(ctx, cmName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.Cluster("delete build context "+cmName, err)
	}
	return nil
}

// WaitForBuild polls GetBuildStatus until the build reaches a terminal state
// or the timeout elapses.
func (b *BuildJobs) WaitForBuild(ctx context.Context, jobName string, timeout, pollInterval time.Duration) (*types.BuildJob, error) {
	if pollInterval <= 0 {
		pollInterval = buildPollInterval
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		build, err := b.GetBuildStatus(ctx, jobName)
		if err != nil {
			return nil, err
		}
		if build.Status == types.BuildSucceeded || build.Status == types.BuildFailed {
			return build, nil
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errs.Timeout("build "+jobName, timeout.Seconds())
}

func (b *BuildJobs) deleteJob(ctx context.Context, jobName string) error {
	propagation := metav1.DeletePropagationBackground
	err := b.client.BatchV1().Jobs(b.namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.Cluster("delete build job "+jobName, err)
	}
	return nil
}

func (b *BuildJobs) findBuildPod(ctx context.Context, jobName string) *corev1.Pod {
	pods, err := b.client.CoreV1().Pods(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return nil
	}
	return &pods.Items[0]
}
