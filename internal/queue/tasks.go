package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/models"
	"knowledge-engine/services"
)

const (
	TaskProcessPDF     = "asset:pdf"
	TaskProcessVideo   = "asset:video"
	TaskProcessImage   = "asset:image"
	TaskProcessWebsite = "asset:website"
)

// Queue names. Long-running media work is kept apart from image captioning
// so a batch of videos cannot starve it.
const (
	QueueHeavy   = "heavy"
	QueueDefault = "default"
)

// ProcessPayload is the body of every processing task
type ProcessPayload struct {
	JobID     string            `json:"job_id"`
	TenantID  string            `json:"tenant_id"`
	AssetID   string            `json:"asset_id"`
	AssetType models.AssetType  `json:"asset_type"`
	Options   models.JobOptions `json:"options"`
}

// TaskType returns the task type that processes assets of type t
func TaskType(t models.AssetType) (string, error) {
	switch {
	case t == models.AssetTypePDF:
		return TaskProcessPDF, nil
	case t == models.AssetTypeVideo:
		return TaskProcessVideo, nil
	case t == models.AssetTypeWebsite:
		return TaskProcessWebsite, nil
	case t.Captionable():
		return TaskProcessImage, nil
	}
	return "", fmt.Errorf("no task for %q: %w", t, models.ErrUnsupportedType)
}

func taskOptions(taskType string) (queue string, timeout time.Duration) {
	switch taskType {
	case TaskProcessVideo:
		return QueueHeavy, 60 * time.Minute
	case TaskProcessPDF, TaskProcessWebsite:
		return QueueHeavy, 30 * time.Minute
	default:
		return QueueDefault, 5 * time.Minute
	}
}

// NewProcessTask builds the task for a job. The asynq task id is the job id
// and asynq never retries it; a failed job is requeued by an operator.
func NewProcessTask(p ProcessPayload) (*asynq.Task, error) {
	taskType, err := TaskType(p.AssetType)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	queue, timeout := taskOptions(taskType)
	return asynq.NewTask(
		taskType,
		payload,
		asynq.TaskID(p.JobID),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Queue(queue),
	), nil
}

// TaskEnqueuer is the part of *asynq.Client the scheduler uses
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler creates job claim rows and hands their tasks to asynq. The
// store's one-active-job-per-asset rule makes enqueue single-flight.
type Scheduler struct {
	store  store.Store
	client TaskEnqueuer
}

var _ services.Enqueuer = (*Scheduler)(nil)

func NewScheduler(st store.Store, client TaskEnqueuer) *Scheduler {
	return &Scheduler{store: st, client: client}
}

// Enqueue schedules processing of an asset and returns the job id. It fails
// with models.ErrJobActive while another job for the asset is pending or
// processing.
func (s *Scheduler) Enqueue(ctx context.Context, tenantID, assetID string, assetType models.AssetType, opts models.JobOptions) (string, error) {
	asset, err := s.store.GetAsset(ctx, tenantID, assetID)
	if err != nil {
		return "", err
	}
	if assetType == "" {
		assetType = asset.Type
	}
	if assetType != asset.Type {
		return "", fmt.Errorf("asset %s is %s, not %s: %w", assetID, asset.Type, assetType, models.ErrInvalidInput)
	}
	if _, err := TaskType(assetType); err != nil {
		return "", err
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AssetID:   assetID,
		AssetType: assetType,
		Status:    models.StatusPending,
		Options:   opts,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	task, err := NewProcessTask(ProcessPayload{
		JobID:     job.ID,
		TenantID:  tenantID,
		AssetID:   assetID,
		AssetType: assetType,
		Options:   opts,
	})
	if err == nil {
		_, err = s.client.EnqueueContext(ctx, task)
	}
	if err != nil {
		// release the claim so the asset can be queued again
		if ferr := s.store.FinishJob(context.WithoutCancel(ctx), job.ID, models.StatusFailed, err.Error()); ferr != nil {
			logger.Error("Failed to release job after enqueue error", "job_id", job.ID, "error", ferr)
		}
		return "", fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	logger.Info("Job enqueued", "tenant_id", tenantID, "asset_id", assetID, "job_id", job.ID, "type", assetType)
	return job.ID, nil
}

// GetStatus returns the job's status, progress and error. A job owned by
// another tenant is reported as not found.
func (s *Scheduler) GetStatus(ctx context.Context, tenantID, jobID string) (*models.JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && job.TenantID != tenantID {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	status := job.View()
	return &status, nil
}

// Handler runs processing tasks on the worker
type Handler struct {
	jobs     store.JobStore
	pipeline *services.Pipeline
}

func NewHandler(jobs store.JobStore, pipeline *services.Pipeline) *Handler {
	return &Handler{jobs: jobs, pipeline: pipeline}
}

// Register routes every processing task type to the handler
func (h *Handler) Register(mux *asynq.ServeMux) {
	for _, t := range []string{TaskProcessPDF, TaskProcessVideo, TaskProcessImage, TaskProcessWebsite} {
		mux.HandleFunc(t, h.ProcessTask)
	}
}

// ProcessTask claims the job, runs the pipeline and records the outcome.
// Every failure is final for asynq.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	log := logger.With("tenant_id", payload.TenantID, "asset_id", payload.AssetID, "job_id", payload.JobID)

	if _, err := h.jobs.ClaimJob(ctx, payload.JobID); err != nil {
		// duplicate delivery or a job the sweep already failed
		log.Warn("Job not claimable, skipping", "error", err)
		return fmt.Errorf("claim job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	progress := func(p int) {
		if err := h.jobs.UpdateJobProgress(context.WithoutCancel(ctx), payload.JobID, min(max(p, 0), 100)); err != nil {
			log.Warn("Failed to record job progress", "progress", p, "error", err)
		}
	}

	runErr := h.pipeline.Run(ctx, payload.TenantID, payload.AssetID, payload.Options, progress)

	status, errMsg := models.StatusCompleted, ""
	if runErr != nil {
		status, errMsg = models.StatusFailed, runErr.Error()
	}
	if err := h.jobs.FinishJob(context.WithoutCancel(ctx), payload.JobID, status, errMsg); err != nil {
		log.Error("Failed to finish job", "status", status, "error", err)
	}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			log.Error("Job timed out", "error", runErr)
		}
		return fmt.Errorf("process asset %s: %v: %w", payload.AssetID, runErr, asynq.SkipRetry)
	}
	log.Info("Job completed")
	return nil
}
