package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/store"
)

// Label keys stamped on every executor Job.
const (
	LabelRunID             = "llmctl.io/run-id"
	LabelRunNodeID         = "llmctl.io/run-node-id"
	LabelAttemptIndex      = "llmctl.io/attempt-index"
	LabelWorkspaceIdentity = "llmctl.io/workspace-identity"
	LabelDispatchID        = "llmctl.io/provider-dispatch-id"
	LabelManaged           = "llmctl.io/managed"
)

const executorContainerName = "executor"

// podOverlay is the settings-provided scheduling overlay, parsed from YAML.
type podOverlay struct {
	NodeSelector map[string]string           `json:"nodeSelector,omitempty"`
	Tolerations  []corev1.Toleration         `json:"tolerations,omitempty"`
	Resources    corev1.ResourceRequirements `json:"resources,omitempty"`
}

// JobInput is everything the builder needs for one node dispatch.
type JobInput struct {
	JobName            string
	Node               *store.FlowchartRunNode
	ProviderDispatchID string
	Image              *ImageRef
	Request            *contract.ExecutionRequest
	Settings           store.NodeExecutorSettings
}

// BuildJob constructs the one-shot executor Job: backoffLimit 0 (retries
// are decided above the dispatcher), activeDeadline from the execution
// timeout, ttlSecondsAfterFinished for terminal retention.
func BuildJob(in JobInput) (*batchv1.Job, error) {
	payload, err := json.Marshal(in.Request)
	if err != nil {
		return nil, fmt.Errorf("encode execution request: %w", err)
	}

	labels := map[string]string{
		LabelManaged:           "true",
		LabelRunID:             labelSafe(in.Node.RunID),
		LabelRunNodeID:         labelSafe(in.Node.ID),
		LabelAttemptIndex:      fmt.Sprintf("%d", in.Node.AttemptIndex),
		LabelWorkspaceIdentity: labelSafe(in.Node.WorkspaceIdentity),
		LabelDispatchID:        labelSafe(in.ProviderDispatchID),
	}

	container := corev1.Container{
		Name:  executorContainerName,
		Image: in.Image.String(),
		Env: []corev1.EnvVar{
			{Name: contract.PayloadEnvVar, Value: string(payload)},
		},
	}
	if in.Settings.K8sGPULimit > 0 {
		container.Resources = corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceName("nvidia.com/gpu"): resource.MustParse(fmt.Sprintf("%d", in.Settings.K8sGPULimit)),
			},
		}
	}

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}
	if in.Settings.K8sServiceAccount != "" {
		podSpec.ServiceAccountName = in.Settings.K8sServiceAccount
	}
	if in.Settings.K8sImagePullSecret != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: in.Settings.K8sImagePullSecret}}
	}

	if in.Settings.PodTemplateOverlayYAML != "" {
		var overlay podOverlay
		if err := yaml.UnmarshalStrict([]byte(in.Settings.PodTemplateOverlayYAML), &overlay); err != nil {
			return nil, fmt.Errorf("parse pod template overlay: %w", err)
		}
		if len(overlay.NodeSelector) > 0 {
			podSpec.NodeSelector = overlay.NodeSelector
		}
		if len(overlay.Tolerations) > 0 {
			podSpec.Tolerations = overlay.Tolerations
		}
		if len(overlay.Resources.Limits) > 0 || len(overlay.Resources.Requests) > 0 {
			podSpec.Containers[0].Resources = overlay.Resources
		}
	}

	backoffLimit := int32(0)
	ttl := int32(in.Settings.K8sJobTTLSeconds)
	activeDeadline := int64(in.Request.TimeoutSeconds)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      in.JobName,
			Namespace: in.Settings.K8sNamespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
	if activeDeadline > 0 {
		job.Spec.ActiveDeadlineSeconds = &activeDeadline
	}
	return job, nil
}

// JobName derives a DNS-safe, collision-resistant name from the dispatch key.
func JobName(runNodeID string, attemptIndex int) string {
	id := strings.ToLower(labelSafe(runNodeID))
	if len(id) > 40 {
		id = id[:40]
	}
	return fmt.Sprintf("llmctl-%s-a%d", strings.Trim(id, "-"), attemptIndex)
}

var labelUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// labelSafe maps arbitrary identifiers into the label value alphabet.
// Namespaced dispatch ids ("kubernetes:job") keep their structure with the
// colon folded to an underscore.
func labelSafe(v string) string {
	v = labelUnsafe.ReplaceAllString(v, "_")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "_-.")
}
