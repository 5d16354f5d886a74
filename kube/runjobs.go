package kube

import (
	"bytes"
	"context"
	"fmt"
	"io"

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
	runJobTTLSeconds       = int32(3600)
	runBackoffLimit        = int32(0)
	terminationGraceSecond = int64(30)
)

// RunJobs submits and tracks the Kubernetes Jobs that execute user programs.
type RunJobs struct {
	client         kubernetes.Interface
	namespace      string
	serviceAccount string
}

func NewRunJobs(client kubernetes.Interface, namespace, serviceAccount string) *RunJobs {
	return &RunJobs{client: client, namespace: namespace, serviceAccount: serviceAccount}
}

// RunJobSpec carries everything needed to submit one run Job.
type RunJobSpec struct {
	EnvironmentID string
	ImageTag      string
	Limits        types.ResourceLimits
	Entrypoint    string
	SecretNames   []string
}

// CreateRunJob submits a Job executing the program entrypoint and returns the
// deterministic job name.
func (r *RunJobs) CreateRunJob(ctx context.Context, spec RunJobSpec) (string, error) {
	job := r.buildJob(spec)

	if _, err := r.client.BatchV1().Jobs(r.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", errs.JobCreation(job.Name, err)
	}

	logger.Infof("created run job %s for environment %s", job.Name, spec.EnvironmentID)
	return job.Name, nil
}

func (r *RunJobs) buildJob(spec RunJobSpec) *batchv1.Job {
	jobName := RunJobName(spec.EnvironmentID)

	labels := map[string]string{
		constants.LabelPartOf:        constants.LabelPartOfValue,
		constants.LabelManagedBy:     constants.LabelManagedByValue,
		constants.LabelEnvironmentID: spec.EnvironmentID,
		constants.LabelJobType:       constants.JobTypeRun,
	}

	cpuLimit := resource.NewMilliQuantity(int64(spec.Limits.CPUCores*1000), resource.DecimalSI)
	cpuRequest := resource.NewMilliQuantity(int64(spec.Limits.CPUCores*500), resource.DecimalSI)
	memLimit := resource.MustParse(fmt.Sprintf("%dMi", spec.Limits.MemoryMB))
	memRequest := resource.MustParse(fmt.Sprintf("%dMi", spec.Limits.MemoryMB/2))

	volumes := []corev1.Volume{
		{Name: "tmp", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		{Name: "output", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	mounts := []corev1.VolumeMount{
		{Name: "tmp", MountPath: "/tmp"},
		{Name: "output", MountPath: constants.OutputMountPath},
	}

	// All requested credential Secrets are assembled into one read-only
	// projected volume so the program sees a single mount point.
	if len(spec.SecretNames) > 0 {
		var sources []corev1.VolumeProjection
		for _, name := range spec.SecretNames {
			sources = append(sources, corev1.VolumeProjection{
				Secret: &corev1.SecretProjection{
					LocalObjectReference: corev1.LocalObjectReference{Name: name},
				},
			})
		}
		volumes = append(volumes, corev1.Volume{
			Name: constants.SecretsVolumeName,
			VolumeSource: corev1.VolumeSource{
				Projected: &corev1.ProjectedVolumeSource{Sources: sources},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      constants.SecretsVolumeName,
			MountPath: constants.SecretsMountPath,
			ReadOnly:  true,
		})
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:                 corev1.RestartPolicyNever,
		TerminationGracePeriodSeconds: ptr.To(terminationGraceSecond),
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: ptr.To(true),
			RunAsUser:    ptr.To(int64(1000)),
			RunAsGroup:   ptr.To(int64(1000)),
			FSGroup:      ptr.To(int64(1000)),
			SeccompProfile: &corev1.SeccompProfile{
				Type: corev1.SeccompProfileTypeRuntimeDefault,
			},
		},
		Volumes: volumes,
		Containers: []corev1.Container{
			{
				Name:         constants.RunJobContainerName,
				Image:        spec.ImageTag,
				Command:      []string{"python", spec.Entrypoint},
				VolumeMounts: mounts,
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    *cpuRequest,
						corev1.ResourceMemory: memRequest,
					},
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    *cpuLimit,
						corev1.ResourceMemory: memLimit,
					},
				},
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: ptr.To(false),
					ReadOnlyRootFilesystem:   ptr.To(true),
					Capabilities: &corev1.Capabilities{
						Drop: []corev1.Capability{"ALL"},
					},
				},
			},
		},
	}

	// The service account must be able to read the projected Secrets.
	if len(spec.SecretNames) > 0 && r.serviceAccount != "" {
		podSpec.ServiceAccountName = r.serviceAccount
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(runBackoffLimit),
			TTLSecondsAfterFinished: ptr.To(runJobTTLSeconds),
			ActiveDeadlineSeconds:   ptr.To(spec.Limits.TimeoutSeconds),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// GetJobStatus returns the current JobInfo for jobName.
func (r *RunJobs) GetJobStatus(ctx context.Context, jobName string) (*JobInfo, error) {
	job, err := r.client.BatchV1().Jobs(r.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.NotFound("job", jobName)
		}
		return nil, errs.Cluster("get job "+jobName, err)
	}

	info := &JobInfo{
		Name:      job.Name,
		Namespace: job.Namespace,
		Status:    derivePhase(job),
	}
	info.StartTime, info.CompletionTime = jobTimes(job)

	pod, err := r.findJobPod(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if pod != nil {
		info.PodName = pod.Name
		exitCode, reason, _ := podTermination(pod)
		info.ExitCode = exitCode
		if exitCode != nil && *exitCode != 0 {
			info.ErrorMessage = reason
		}
	}
	return info, nil
}

// GetPodLogs returns the program container's logs, or "" if the pod has not
// started yet.
func (r *RunJobs) GetPodLogs(ctx context.Context, jobName string, tailLines *int64) (string, error) {
	pod, err := r.findJobPod(ctx, jobName)
	if err != nil {
		return "", err
	}
	if pod == nil || pod.Status.Phase == corev1.PodPending {
		return "", nil
	}

	req := r.client.CoreV1().Pods(r.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: constants.RunJobContainerName,
		TailLines: tailLines,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", errs.Cluster("stream logs for "+jobName, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.Warnf("failed to close log stream for %s: %s", jobName, cerr)
		}
	}()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, stream); err != nil {
		return "", errs.Cluster("read logs for "+jobName, err)
	}
	return buf.String(), nil
}

// DeleteJob removes the Job and its pods. A missing Job is not an error.
func (r *RunJobs) DeleteJob(ctx context.Context, jobName string, propagation metav1.DeletionPropagation, gracePeriodSeconds *int64) error {
	err := r.client.BatchV1().Jobs(r.namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy:  &propagation,
		GracePeriodSeconds: gracePeriodSeconds,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			logger.Debugf("job %s already deleted", jobName)
			return nil
		}
		return errs.Cluster("delete job "+jobName, err)
	}
	return nil
}

// CancelJob tears a Job down. force=false keeps the pod's configured grace
// period (SIGTERM then SIGKILL); force=true kills immediately.
func (r *RunJobs) CancelJob(ctx context.Context, jobName string, force bool) error {
	var gracePeriod *int64
	if force {
		gracePeriod = ptr.To(int64(0))
	}
	return r.DeleteJob(ctx, jobName, metav1.DeletePropagationForeground, gracePeriod)
}

// ListJobs returns JobInfo for every run Job, optionally filtered by
// environment id.
func (r *RunJobs) ListJobs(ctx context.Context, environmentID string) ([]JobInfo, error) {
	selector := fmt.Sprintf("%s=%s,%s=%s",
		constants.LabelPartOf, constants.LabelPartOfValue,
		constants.LabelJobType, constants.JobTypeRun)
	if environmentID != "" {
		selector += fmt.Sprintf(",%s=%s", constants.LabelEnvironmentID, environmentID)
	}

	jobs, err := r.client.BatchV1().Jobs(r.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errs.Cluster("list jobs", err)
	}

	infos := make([]JobInfo, 0, len(jobs.Items))
	for i := range jobs.Items {
		job := &jobs.Items[i]
		info := JobInfo{
			Name:      job.Name,
			Namespace: job.Namespace,
			Status:    derivePhase(job),
		}
		info.StartTime, info.CompletionTime = jobTimes(job)
		infos = append(infos, info)
	}
	return infos, nil
}

func (r *RunJobs) findJobPod(ctx context.Context, jobName string) (*corev1.Pod, error) {
	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, errs.Cluster("list pods for "+jobName, err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}
