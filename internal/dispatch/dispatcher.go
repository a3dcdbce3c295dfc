// Package dispatch submits one ephemeral Kubernetes Job per node run and
// drives the dispatch state machine: pending → submitted → confirmed, or
// fail-closed into dispatch_failed with the uncertain flag.
package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/flowchart"
	"github.com/marcus-qen/llmctl/internal/metrics"
	"github.com/marcus-qen/llmctl/internal/realtime"
	"github.com/marcus-qen/llmctl/internal/store"
	"github.com/marcus-qen/llmctl/internal/telemetry"
)

// ErrAlreadySubmitted reports that the (run_node_id, attempt_index) key
// already has an accepted dispatch; callers reuse the existing record.
var ErrAlreadySubmitted = errors.New("dispatch already submitted")

// LogStreamer opens a pod's log stream. Swappable for tests.
type LogStreamer func(ctx context.Context, namespace, pod string) (io.ReadCloser, error)

// Dispatcher owns Job submission, startup-marker confirmation, terminal
// collection, and cancellation for executor Jobs.
type Dispatcher struct {
	client kubernetes.Interface
	store  *store.Store
	logger *zap.Logger

	streamLogs  LogStreamer
	podPollWait time.Duration
}

// New builds a dispatcher over a typed clientset.
func New(client kubernetes.Interface, st *store.Store, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		client:      client,
		store:       st,
		logger:      logger,
		podPollWait: time.Second,
	}
	d.streamLogs = func(ctx context.Context, namespace, pod string) (io.ReadCloser, error) {
		return d.client.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{Follow: true}).Stream(ctx)
	}
	return d
}

// Outcome is what one dispatch produced. When the dispatcher itself
// terminated the node (dispatch_failed paths) NodeTerminal is true and the
// caller must not finalize again.
type Outcome struct {
	Node         *store.FlowchartRunNode
	Result       *contract.ExecutionResult
	NodeTerminal bool
}

// Dispatch runs the full submission for one activated node: validate,
// claim the dispatch key, create the Job, await the startup marker, await
// terminal state, and parse the executor's result envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, node *store.FlowchartRunNode, req *contract.ExecutionRequest, settings store.NodeExecutorSettings) (*Outcome, error) {
	log := d.logger.With(
		zap.String("run_id", node.RunID),
		zap.String("run_node_id", node.ID),
		zap.Int("attempt_index", node.AttemptIndex),
	)

	if node.DispatchStatus != store.DispatchPending {
		return &Outcome{Node: node, NodeTerminal: node.Status.Terminal()}, ErrAlreadySubmitted
	}

	if err := contract.ValidateRequest(req); err != nil {
		return d.failDispatch(node, false, "invalid request",
			contract.NewError(contract.CodeValidation, "invalid execution request: %v", err))
	}

	image, err := ResolveImage(settings, runtimeClassOf(req))
	if err != nil {
		return d.failDispatch(node, false, "invalid image",
			contract.NewError(contract.CodeValidation, "%v", err))
	}

	jobName := JobName(node.ID, node.AttemptIndex)
	dispatchID := fmt.Sprintf("%s:%s", contract.ProviderKubernetes, jobName)

	job, err := BuildJob(JobInput{
		JobName:            jobName,
		Node:               node,
		ProviderDispatchID: dispatchID,
		Image:              image,
		Request:            req,
		Settings:           settings,
	})
	if err != nil {
		return d.failDispatch(node, false, "build job",
			contract.NewError(contract.CodeValidation, "%v", err))
	}

	// Claim the dispatch key before touching the API server. A conflict
	// means a concurrent submit won; both callers then observe the same
	// provider_dispatch_id.
	updated, err := d.store.MarkDispatchSubmitted(node.ID, dispatchID, jobName, []store.EventDraft{
		realtime.NodeDraft(realtime.EventNodeStarted, node.RunID, node.ID, map[string]any{
			"node_id":              node.NodeID,
			"attempt_index":        node.AttemptIndex,
			"provider_dispatch_id": dispatchID,
		}),
	})
	if err != nil {
		if store.IsConflict(err) {
			existing, gerr := d.store.GetRunNode(node.ID)
			if gerr != nil {
				return nil, gerr
			}
			return &Outcome{Node: existing, NodeTerminal: existing.Status.Terminal()}, ErrAlreadySubmitted
		}
		return nil, fmt.Errorf("mark submitted: %w", err)
	}
	node = updated

	if _, err := d.client.BatchV1().Jobs(settings.K8sNamespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			log.Error("job submission failed", zap.String("job", jobName), zap.Error(err))
			return d.failDispatch(node, false, "submit api failure",
				contract.NewError(contract.CodeDispatch, "create job %s: %v", jobName, err))
		}
		// The Job from a prior attempt of this same key is still there;
		// fall through and observe it.
	}
	log.Info("job submitted", zap.String("job", jobName), zap.String("image", image.String()))

	obsCtx, span := telemetry.StartDispatchSpan(ctx, node.ID, jobName)
	out, err := d.observe(obsCtx, log, node, jobName, settings)
	if out != nil && out.Node != nil {
		telemetry.EndDispatchSpan(span, string(out.Node.DispatchStatus), out.Node.DispatchUncertain)
	} else {
		telemetry.EndSpanError(span, err)
	}
	return out, err
}

// observe waits for the startup marker and the Job's terminal state, then
// collects the result envelope from pod logs.
func (d *Dispatcher) observe(ctx context.Context, log *zap.Logger, node *store.FlowchartRunNode, jobName string, settings store.NodeExecutorSettings) (*Outcome, error) {
	ns := settings.K8sNamespace
	dispatchTimeout := secondsOr(settings.DispatchTimeoutSeconds, 120)
	executionTimeout := secondsOr(settings.ExecutionTimeoutSeconds, 3600)
	logTimeout := secondsOr(settings.LogCollectionTimeoutSeconds, 30)
	submitted := time.Now()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	terminalCh, werr := d.watchJobTerminal(watchCtx, ns, jobName)
	if werr != nil {
		return d.failDispatch(node, true, "watch failed",
			contract.NewError(contract.CodeDispatch, "watch job %s: %v", jobName, werr))
	}

	scan := newLogScan()
	go d.scanPodLogs(watchCtx, ns, jobName, scan)

	// Phase 1: startup marker within the dispatch timeout.
	confirmed := false
	var terminal *jobTerminal
	markerDeadline := time.NewTimer(dispatchTimeout)
	defer markerDeadline.Stop()

	for !confirmed && terminal == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-markerDeadline.C:
			// Fail closed: no marker, no retry.
			log.Warn("startup marker timeout", zap.String("job", jobName))
			return d.failDispatch(node, true, "startup marker timeout",
				contract.NewError(contract.CodeDispatch, "no startup marker within %s", dispatchTimeout))
		case t := <-terminalCh:
			terminal = &t
		case pod := <-scan.marker:
			updated, err := d.confirmDispatch(node, pod)
			if err != nil {
				return nil, err
			}
			node = updated
			confirmed = true
			metrics.RecordDispatch(string(store.DispatchConfirmed), time.Since(submitted))
			log.Info("dispatch confirmed", zap.String("pod", pod))
		}
	}

	if !confirmed {
		// The Job went terminal before a marker was observed. A fast
		// completion still leaves the whole log behind, so give the
		// scanner the collection window to catch up; only a terminal Job
		// whose logs stay markerless is ambiguous.
		drain := time.NewTimer(logTimeout)
		defer drain.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case pod := <-scan.marker:
			updated, err := d.confirmDispatch(node, pod)
			if err != nil {
				return nil, err
			}
			node = updated
			metrics.RecordDispatch(string(store.DispatchConfirmed), time.Since(submitted))
			log.Info("dispatch confirmed after terminal", zap.String("pod", pod))
		case <-drain.C:
			log.Warn("job terminal before confirmation",
				zap.String("job", jobName), zap.String("reason", terminal.reason))
			return d.failDispatch(node, true, terminal.reason,
				contract.NewError(contract.CodeDispatch, "job %s terminal (%s) before startup marker", jobName, terminal.reason))
		}
	}

	// Phase 2: Job terminal state within the execution window.
	if terminal == nil {
		execDeadline := time.NewTimer(executionTimeout + logTimeout)
		defer execDeadline.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case t := <-terminalCh:
			terminal = &t
		case <-execDeadline.C:
			result := timeoutResult()
			return &Outcome{Node: node, Result: result}, nil
		}
	}

	// Phase 3: result envelope from the log stream.
	var resultLine []byte
	select {
	case resultLine = <-scan.result:
	case <-time.After(logTimeout):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := d.decodeResult(log, resultLine, terminal)
	return &Outcome{Node: node, Result: result}, nil
}

// confirmDispatch records the startup marker observation, advancing the
// dispatch machine to confirmed.
func (d *Dispatcher) confirmDispatch(node *store.FlowchartRunNode, pod string) (*store.FlowchartRunNode, error) {
	updated, err := d.store.MarkDispatchConfirmed(node.ID, pod, []store.EventDraft{
		realtime.NodeDraft(realtime.EventNodeDispatchConfirmed, node.RunID, node.ID, map[string]any{
			"node_id":  node.NodeID,
			"pod_name": pod,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("mark confirmed: %w", err)
	}
	return updated, nil
}

// decodeResult turns the captured result line into a validated envelope,
// synthesizing typed failures for missing/invalid/mismatched payloads.
func (d *Dispatcher) decodeResult(log *zap.Logger, line []byte, terminal *jobTerminal) *contract.ExecutionResult {
	if len(line) == 0 {
		return failureResult(contract.StatusFailed,
			contract.NewError(contract.CodeExecution, "job terminal (%s) without result envelope", terminal.reason))
	}
	res, err := contract.DecodeResult(line)
	if err != nil {
		// A malformed or version-mismatched envelope is a platform fault,
		// not a node failure.
		log.Warn("result envelope rejected", zap.Error(err))
		return failureResult(contract.StatusInfraError,
			contract.NewError(contract.CodeInfra, "invalid result envelope: %v", err))
	}
	return res
}

// failDispatch terminates the dispatch machine and synthesizes the
// corresponding result. The node is terminal afterwards.
func (d *Dispatcher) failDispatch(node *store.FlowchartRunNode, uncertain bool, reason string, env *contract.ErrorEnvelope) (*Outcome, error) {
	envJSON, _ := json.Marshal(env)
	eventType := realtime.EventNodeFailed
	updated, err := d.store.MarkDispatchFailed(node.ID, uncertain, reason, envJSON, []store.EventDraft{
		realtime.NodeDraft(eventType, node.RunID, node.ID, map[string]any{
			"node_id":            node.NodeID,
			"dispatch_uncertain": uncertain,
			"error":              json.RawMessage(envJSON),
		}),
	})
	if err != nil {
		if store.IsConflict(err) {
			existing, gerr := d.store.GetRunNode(node.ID)
			if gerr != nil {
				return nil, gerr
			}
			return &Outcome{Node: existing, NodeTerminal: true}, nil
		}
		return nil, fmt.Errorf("mark dispatch failed: %w", err)
	}
	status := contract.StatusDispatchFailed
	if uncertain {
		status = contract.StatusDispatchUncertain
	}
	metrics.RecordDispatch(string(store.DispatchFailed), 0)
	return &Outcome{Node: updated, Result: failureResult(status, env), NodeTerminal: true}, nil
}

// Cancel deletes the node's Job. Graceful cancel propagates in the
// background; force uses foreground propagation and overrides grace.
func (d *Dispatcher) Cancel(ctx context.Context, namespace, jobName string, force bool) error {
	policy := metav1.DeletePropagationBackground
	if force {
		policy = metav1.DeletePropagationForeground
	}
	err := d.client.BatchV1().Jobs(namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", jobName, err)
	}
	return nil
}

type jobTerminal struct {
	reason string
	failed bool
}

// watchJobTerminal emits once when the Job reaches Complete or Failed.
func (d *Dispatcher) watchJobTerminal(ctx context.Context, namespace, jobName string) (<-chan jobTerminal, error) {
	w, err := d.client.BatchV1().Jobs(namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + jobName,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan jobTerminal, 1)
	go func() {
		defer w.Stop()
		// The watch may have started after the transition; check current
		// state first.
		if job, gerr := d.client.BatchV1().Jobs(namespace).Get(ctx, jobName, metav1.GetOptions{}); gerr == nil {
			if t, ok := terminalOf(job); ok {
				out <- t
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				if ev.Type == watch.Deleted {
					out <- jobTerminal{reason: "deleted", failed: true}
					return
				}
				job, ok := ev.Object.(*batchv1.Job)
				if !ok {
					continue
				}
				if t, ok := terminalOf(job); ok {
					out <- t
					return
				}
			}
		}
	}()
	return out, nil
}

func terminalOf(job *batchv1.Job) (jobTerminal, bool) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return jobTerminal{reason: "complete"}, true
		case batchv1.JobFailed:
			reason := cond.Reason
			if reason == "" {
				reason = "failed"
			}
			return jobTerminal{reason: reason, failed: true}, true
		}
	}
	return jobTerminal{}, false
}

// logScan carries the two signals extracted from the pod's log stream.
type logScan struct {
	marker chan string // pod name, once, on first valid startup marker
	result chan []byte // result envelope JSON, once
}

func newLogScan() *logScan {
	return &logScan{
		marker: make(chan string, 1),
		result: make(chan []byte, 1),
	}
}

// scanPodLogs finds the Job's pod, follows its logs, and emits the startup
// marker and result line. Invalid lines are ignored.
func (d *Dispatcher) scanPodLogs(ctx context.Context, namespace, jobName string, scan *logScan) {
	podName := ""
	for podName == "" {
		pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + jobName,
		})
		if err == nil && len(pods.Items) > 0 {
			podName = pods.Items[0].Name
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.podPollWait):
		}
	}

	stream, err := d.streamLogs(ctx, namespace, podName)
	if err != nil {
		d.logger.Debug("open log stream failed",
			zap.String("pod", podName), zap.Error(err))
		return
	}
	defer stream.Close()

	markerSent := false
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !markerSent && contract.IsStartupMarker(line) {
			markerSent = true
			select {
			case scan.marker <- podName:
			default:
			}
			continue
		}
		if payload, ok := contract.ParseResultLine(line); ok {
			select {
			case scan.result <- payload:
			default:
			}
			return
		}
	}
}

func runtimeClassOf(req *contract.ExecutionRequest) flowchart.RuntimeClass {
	// Runtime class rides on the node execution configuration.
	var cfg struct {
		RuntimeClass string `json:"runtime_class"`
	}
	if len(req.NodeExecution.Configuration) > 0 {
		_ = json.Unmarshal(req.NodeExecution.Configuration, &cfg)
	}
	return flowchart.RuntimeClass(cfg.RuntimeClass)
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func failureResult(status contract.ResultStatus, env *contract.ErrorEnvelope) *contract.ExecutionResult {
	now := time.Now().UTC().Format(time.RFC3339)
	return &contract.ExecutionResult{
		ContractVersion: contract.ResultVersion,
		Status:          status,
		ExitCode:        -1,
		StartedAt:       now,
		FinishedAt:      now,
		Error:           env,
	}
}

func timeoutResult() *contract.ExecutionResult {
	return failureResult(contract.StatusTimeout,
		contract.NewError(contract.CodeTimeout, "execution deadline exceeded"))
}
