package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/mellea-ai/mellea-platform/controlplane/constants"
	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

const testNamespace = "mellea-runs"

func testLimits() types.ResourceLimits {
	return types.ResourceLimits{CPUCores: 2, MemoryMB: 1024, TimeoutSeconds: 600}
}

func TestRunJobNameIsDeterministic(t *testing.T) {
	envID := "ABCDEF1234567890"
	first := RunJobName(envID)
	second := RunJobName(envID)

	assert.Equal(t, first, second)
	assert.Equal(t, "mellea-run-abcdef12", first)
}

func TestCreateRunJobShape(t *testing.T) {
	client := fake.NewSimpleClientset()
	jobs := NewRunJobs(client, testNamespace, "mellea-runner")

	jobName, err := jobs.CreateRunJob(context.Background(), RunJobSpec{
		EnvironmentID: "env12345678",
		ImageTag:      "mellea-prog:abc123def456",
		Limits:        testLimits(),
		Entrypoint:    "main.py",
		SecretNames:   []string{"mellea-cred-aaa", "mellea-cred-bbb"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mellea-run-env12345", jobName)

	job, err := client.BatchV1().Jobs(testNamespace).Get(context.Background(), jobName, metav1.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, constants.LabelPartOfValue, job.Labels[constants.LabelPartOf])
	assert.Equal(t, "env12345678", job.Labels[constants.LabelEnvironmentID])
	assert.Equal(t, constants.JobTypeRun, job.Labels[constants.LabelJobType])

	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, int32(3600), *job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int64(600), *job.Spec.ActiveDeadlineSeconds)

	pod := job.Spec.Template.Spec
	assert.Equal(t, int64(30), *pod.TerminationGracePeriodSeconds)
	assert.True(t, *pod.SecurityContext.RunAsNonRoot)
	assert.Equal(t, int64(1000), *pod.SecurityContext.RunAsUser)
	assert.Equal(t, "mellea-runner", pod.ServiceAccountName)

	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, constants.RunJobContainerName, c.Name)
	assert.Equal(t, []string{"python", "main.py"}, c.Command)
	assert.Equal(t, "1", c.Resources.Requests.Cpu().String())
	assert.Equal(t, "2", c.Resources.Limits.Cpu().String())
	assert.Equal(t, "512Mi", c.Resources.Requests.Memory().String())
	assert.Equal(t, "1Gi", c.Resources.Limits.Memory().String())
	assert.True(t, *c.SecurityContext.ReadOnlyRootFilesystem)
	assert.False(t, *c.SecurityContext.AllowPrivilegeEscalation)

	// tmp, output and the projected secrets volume
	require.Len(t, pod.Volumes, 3)
	secretsVol := pod.Volumes[2]
	assert.Equal(t, constants.SecretsVolumeName, secretsVol.Name)
	require.NotNil(t, secretsVol.Projected)
	assert.Len(t, secretsVol.Projected.Sources, 2)
}

func TestCreateRunJobWithoutSecretsSkipsProjectedVolume(t *testing.T) {
	client := fake.NewSimpleClientset()
	jobs := NewRunJobs(client, testNamespace, "mellea-runner")

	jobName, err := jobs.CreateRunJob(context.Background(), RunJobSpec{
		EnvironmentID: "env22222222",
		ImageTag:      "mellea-prog:abc",
		Limits:        testLimits(),
		Entrypoint:    "main.py",
	})
	require.NoError(t, err)

	job, err := client.BatchV1().Jobs(testNamespace).Get(context.Background(), jobName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Len(t, job.Spec.Template.Spec.Volumes, 2)
	assert.Empty(t, job.Spec.Template.Spec.ServiceAccountName)
}

func jobWithCondition(name string, condType batchv1.JobConditionType) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Status: batchv1.JobStatus{
			Conditions: []batchv1.JobCondition{
				{Type: condType, Status: corev1.ConditionTrue},
			},
		},
	}
}

func TestGetJobStatusDerivation(t *testing.T) {
	cases := []struct {
		name string
		job  *batchv1.Job
		want JobPhase
	}{
		{"complete condition", jobWithCondition("j1", batchv1.JobComplete), PhaseSucceeded},
		{"failed condition", jobWithCondition("j2", batchv1.JobFailed), PhaseFailed},
		{"active pods", &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "j3", Namespace: testNamespace},
			Status:     batchv1.JobStatus{Active: 1},
		}, PhaseRunning},
		{"succeeded counter", &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "j4", Namespace: testNamespace},
			Status:     batchv1.JobStatus{Succeeded: 1},
		}, PhaseSucceeded},
		{"failed counter", &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "j5", Namespace: testNamespace},
			Status:     batchv1.JobStatus{Failed: 1},
		}, PhaseFailed},
		{"nothing yet", &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "j6", Namespace: testNamespace},
		}, PhasePending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := fake.NewSimpleClientset(tc.job)
			jobs := NewRunJobs(client, testNamespace, "")

			info, err := jobs.GetJobStatus(context.Background(), tc.job.Name)
			require.NoError(t, err)
			assert.Equal(t, tc.want, info.Status)
		})
	}
}

func TestGetJobStatusCopiesPodExitCode(t *testing.T) {
	job := jobWithCondition("mellea-run-deadbeef", batchv1.JobFailed)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "mellea-run-deadbeef-xyz",
			Namespace: testNamespace,
			Labels:    map[string]string{"job-name": "mellea-run-deadbeef"},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
					ExitCode: 137,
					Reason:   "OOMKilled",
				}}},
			},
		},
	}

	client := fake.NewSimpleClientset(job, pod)
	jobs := NewRunJobs(client, testNamespace, "")

	info, err := jobs.GetJobStatus(context.Background(), "mellea-run-deadbeef")
	require.NoError(t, err)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, int32(137), *info.ExitCode)
	assert.Equal(t, "OOMKilled", info.ErrorMessage)
	assert.Equal(t, "mellea-run-deadbeef-xyz", info.PodName)
}

func TestGetJobStatusMissingJob(t *testing.T) {
	jobs := NewRunJobs(fake.NewSimpleClientset(), testNamespace, "")
	_, err := jobs.GetJobStatus(context.Background(), "mellea-run-gone")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestDeleteJobIsIdempotent(t *testing.T) {
	jobs := NewRunJobs(fake.NewSimpleClientset(), testNamespace, "")
	err := jobs.DeleteJob(context.Background(), "mellea-run-gone", metav1.DeletePropagationForeground, nil)
	assert.NoError(t, err)
}

func TestCancelJobDeletesJob(t *testing.T) {
	job := jobWithCondition("mellea-run-cafecafe", batchv1.JobComplete)
	client := fake.NewSimpleClientset(job)
	jobs := NewRunJobs(client, testNamespace, "")

	require.NoError(t, jobs.CancelJob(context.Background(), job.Name, true))

	_, err := client.BatchV1().Jobs(testNamespace).Get(context.Background(), job.Name, metav1.GetOptions{})
	assert.Error(t, err)
}

func TestListJobsFiltersByEnvironment(t *testing.T) {
	mk := func(name, envID string) *batchv1.Job {
		return &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: testNamespace,
				Labels: map[string]string{
					constants.LabelPartOf:        constants.LabelPartOfValue,
					constants.LabelJobType:       constants.JobTypeRun,
					constants.LabelEnvironmentID: envID,
				},
			},
		}
	}
	client := fake.NewSimpleClientset(mk("mellea-run-aaa", "env-a"), mk("mellea-run-bbb", "env-b"))
	jobs := NewRunJobs(client, testNamespace, "")

	all, err := jobs.ListJobs(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := jobs.ListJobs(context.Background(), "env-a")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "mellea-run-aaa", onlyA[0].Name)
}
