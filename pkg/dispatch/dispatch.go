// Package dispatch submits expanded sweeps to the Kubernetes scheduling
// layer. Submission is idempotent at the job level: an accepted-job index in
// the key-value store records every JobSpec the scheduler took, and
// re-dispatching a sweep only submits jobs that index has never seen.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
	"github.com/quantfold/btq/pkg/kv"
	"github.com/quantfold/btq/pkg/sweep"
)

// KueueQueueLabel routes a Job to a Kueue local queue. Jobs are created
// suspended; Kueue unsuspends them when quota admits.
const KueueQueueLabel = "kueue.x-k8s.io/queue-name"

// Labels and annotations stamped on every submitted Job. The logical job ID
// carries characters label values reject, so it travels in an annotation and
// the DNS-safe name hash doubles as the label.
const (
	LabelSweepID         = "btq.sweep-id"
	LabelJobName         = "btq.job-name"
	AnnotationJobID      = "btq.job-id"
	AnnotationSeed       = "btq.seed"
	AnnotationDispatchID = "btq.dispatch-id"
	SpecEnvVar           = "BTQ_JOB_SPEC"
	NodeEnvVar           = "BTQ_NODE_NAME"
	DefaultQueueName     = "btq-queue"
)

// Ledger records dispatch history. Implementations persist; a nil Ledger on
// the Dispatcher disables recording.
type Ledger interface {
	RecordSweep(ctx context.Context, sw *sweep.Spec) error
	RecordDispatch(ctx context.Context, job sweep.JobSpec, kubeName string) error
	MarkCancelled(ctx context.Context, sweepID string) error
}

// SubmissionError reports a partially failed dispatch. Jobs already handed to
// the scheduler stay accepted; there is no rollback. Re-dispatching the same
// sweep retries only the rejected jobs.
type SubmissionError struct {
	SweepID  string
	Accepted []string
	Rejected map[string]error
}

func (e *SubmissionError) Error() string {
	ids := make([]string, 0, len(e.Rejected))
	for id := range e.Rejected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("sweep %s: %d job(s) rejected (%d accepted), first: %s: %v",
		e.SweepID, len(e.Rejected), len(e.Accepted), ids[0], e.Rejected[ids[0]])
}

// Dispatcher submits JobSpecs as suspended Kubernetes Jobs on a Kueue queue.
type Dispatcher struct {
	client kubernetes.Interface
	store  kv.Store
	ledger Ledger
	log    *btlog.Logger

	Namespace      string
	QueueName      string
	PullSecretName string
	// Concurrency bounds in-flight submissions per sweep.
	Concurrency int
}

// NewDispatcher creates a Dispatcher. ledger may be nil.
func NewDispatcher(client kubernetes.Interface, store kv.Store, ledger Ledger, log *btlog.Logger, namespace, queueName, pullSecretName string, concurrency int) *Dispatcher {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Dispatcher{
		client:         client,
		store:          store,
		ledger:         ledger,
		log:            log,
		Namespace:      namespace,
		QueueName:      queueName,
		PullSecretName: pullSecretName,
		Concurrency:    concurrency,
	}
}

func acceptedKey(sweepID, jobID string) string {
	return fmt.Sprintf("accepted:%s:%s", sweepID, jobID)
}

func cancelledKey(sweepID string) string {
	return fmt.Sprintf("cancelled:%s", sweepID)
}

// Submit expands the sweep and submits every job the accepted index has not
// seen. It returns the job IDs newly accepted in this call. On partial
// failure the returned error wraps a SubmissionError; accepted jobs are not
// rolled back.
func (d *Dispatcher) Submit(ctx context.Context, sw *sweep.Spec) ([]string, error) {
	if err := sw.Validate(); err != nil {
		return nil, bterr.New(bterr.CodeSubmission, err)
	}
	if d.ledger != nil {
		if err := d.ledger.RecordSweep(ctx, sw); err != nil {
			return nil, bterr.New(bterr.CodeSubmission, err)
		}
	}

	var (
		mu       sync.Mutex
		accepted []string
		rejected = map[string]error{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Concurrency)
	for job := range sw.Jobs() {
		g.Go(func() error {
			err := d.submitOne(gctx, job)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, job.ID)
			default:
				rejected[job.ID] = err
			}
			// Rejections are collected, not propagated: one bad job must not
			// cancel the rest of the sweep.
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(accepted)
	d.log.Info("sweep dispatched",
		"sweep", sw.ID, "accepted", len(accepted), "rejected", len(rejected))

	if len(rejected) > 0 {
		return accepted, bterr.New(bterr.CodeSubmission, &SubmissionError{
			SweepID:  sw.ID,
			Accepted: accepted,
			Rejected: rejected,
		})
	}
	return accepted, nil
}

// submitOne claims the job in the accepted index and creates the Kubernetes
// Job. errAlreadyAccepted marks jobs a previous dispatch already took; the
// claim is released when the scheduler rejects the create so a later
// re-dispatch can retry.
func (d *Dispatcher) submitOne(ctx context.Context, job sweep.JobSpec) error {
	kubeName := sweep.KubeName(job.ID, job.Attempt)

	set, err := d.store.SetNX(ctx, acceptedKey(job.SweepID, job.ID), []byte(kubeName), 0)
	if err != nil {
		return fmt.Errorf("accepted index: %w", err)
	}
	if !set {
		d.log.Debug("job already accepted, skipping", "job", job.ID)
		return nil
	}

	if err := d.createJob(ctx, job, kubeName); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// The Job object survived a previous partial dispatch whose index
			// write was lost. It is accepted; keep the claim.
			return nil
		}
		if delErr := d.store.Delete(ctx, acceptedKey(job.SweepID, job.ID)); delErr != nil {
			d.log.Warn("failed to release accepted claim", "job", job.ID, "error", delErr)
		}
		return err
	}

	if d.ledger != nil {
		if err := d.ledger.RecordDispatch(ctx, job, kubeName); err != nil {
			d.log.Warn("failed to record dispatch", "job", job.ID, "error", err)
		}
	}
	return nil
}

// Resubmit submits a fresh attempt of an errored job under a new scheduler
// name. The accepted index is not consulted: the job was already accepted
// once and this attempt must not be deduplicated against it.
func (d *Dispatcher) Resubmit(ctx context.Context, job sweep.JobSpec) (sweep.JobSpec, error) {
	next := job
	next.Attempt++
	kubeName := sweep.KubeName(next.ID, next.Attempt)
	if err := d.createJob(ctx, next, kubeName); err != nil {
		return sweep.JobSpec{}, bterr.New(bterr.CodeSubmission, err)
	}
	if d.ledger != nil {
		if err := d.ledger.RecordDispatch(ctx, next, kubeName); err != nil {
			d.log.Warn("failed to record resubmission", "job", next.ID, "error", err)
		}
	}
	d.log.Info("job resubmitted", "job", next.ID, "attempt", next.Attempt, "name", kubeName)
	return next, nil
}

// Cancel marks the sweep cancelled and deletes its scheduler objects. Results
// from jobs that already ran are unaffected; the collector tolerates them.
func (d *Dispatcher) Cancel(ctx context.Context, sweepID string) error {
	if err := d.store.Set(ctx, cancelledKey(sweepID), []byte("1"), 0); err != nil {
		return fmt.Errorf("marking sweep cancelled: %w", err)
	}

	selector := fmt.Sprintf("%s=%s", LabelSweepID, sweepID)
	err := d.client.BatchV1().Jobs(d.Namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{PropagationPolicy: ptr.To(metav1.DeletePropagationBackground)},
		metav1.ListOptions{LabelSelector: selector},
	)
	if err != nil {
		return fmt.Errorf("deleting jobs for sweep %s: %w", sweepID, err)
	}

	if d.ledger != nil {
		if err := d.ledger.MarkCancelled(ctx, sweepID); err != nil {
			d.log.Warn("failed to record cancellation", "sweep", sweepID, "error", err)
		}
	}
	d.log.Info("sweep cancelled", "sweep", sweepID)
	return nil
}

// Cancelled reports whether the sweep has been cancelled.
func (d *Dispatcher) Cancelled(ctx context.Context, sweepID string) (bool, error) {
	_, err := d.store.Get(ctx, cancelledKey(sweepID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Accepted reports whether a job of the sweep is in the accepted index.
func (d *Dispatcher) Accepted(ctx context.Context, sweepID, jobID string) (bool, error) {
	_, err := d.store.Get(ctx, acceptedKey(sweepID, jobID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Dispatcher) createJob(ctx context.Context, job sweep.JobSpec, kubeName string) error {
	specJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job spec: %w", err)
	}

	kubeJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      kubeName,
			Namespace: d.Namespace,
			Labels: map[string]string{
				KueueQueueLabel: d.QueueName,
				LabelSweepID:    job.SweepID,
				LabelJobName:    kubeName,
			},
			Annotations: map[string]string{
				AnnotationJobID:      job.ID,
				AnnotationSeed:       fmt.Sprintf("%d", job.Seed),
				AnnotationDispatchID: uuid.NewString(),
			},
		},
		Spec: batchv1.JobSpec{
			Parallelism:  ptr.To(int32(1)),
			Completions:  ptr.To(int32(1)),
			Suspend:      ptr.To(true), // Kueue unsuspends on admission
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						LabelSweepID: job.SweepID,
						LabelJobName: kubeName,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					ImagePullSecrets: []corev1.LocalObjectReference{
						{Name: d.PullSecretName},
					},
					Containers: []corev1.Container{
						{
							Name:  "main",
							Image: job.Image,
							Env: []corev1.EnvVar{
								{Name: SpecEnvVar, Value: string(specJSON)},
								// The runner stamps the scheduled node into its
								// result record.
								{Name: NodeEnvVar, ValueFrom: &corev1.EnvVarSource{
									FieldRef: &corev1.ObjectFieldSelector{FieldPath: "spec.nodeName"},
								}},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    mustParseQuantity("500m"),
									corev1.ResourceMemory: mustParseQuantity("512Mi"),
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := d.client.BatchV1().Jobs(d.Namespace).Create(ctx, kubeJob, metav1.CreateOptions{}); err != nil {
		return err
	}
	return nil
}

func mustParseQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		panic(fmt.Sprintf("invalid quantity %q: %v", s, err))
	}
	return q
}
