package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ltx2-video-server/comfyui"
	"ltx2-video-server/config"
	"ltx2-video-server/media"
	"ltx2-video-server/models"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

var ErrJobFinished = errors.New("job already finished")

// JobRunner executes one job.
type JobRunner interface {
	Process(ctx context.Context, jobID string, in models.JobInput, hooks Hooks) (*models.JobResult, error)
}

// PromptCanceller stops a prompt on the rendering server.
type PromptCanceller interface {
	CancelPrompt(ctx context.Context, promptID string) error
}

// TaskRemover drops a job from the queue before a consumer picks it up.
type TaskRemover interface {
	RemoveJob(jobID string) error
}

// running jobs in this process, job id -> cancel of its context
var jobCancelRegistry = struct {
	sync.Mutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

func registerJobCancel(jobID string, cancel context.CancelFunc) {
	jobCancelRegistry.Lock()
	defer jobCancelRegistry.Unlock()
	jobCancelRegistry.m[jobID] = cancel
}

func unregisterJobCancel(jobID string) {
	jobCancelRegistry.Lock()
	defer jobCancelRegistry.Unlock()
	delete(jobCancelRegistry.m, jobID)
}

// cancelRunningJob cancels jobID if this process is running it.
func cancelRunningJob(jobID string) bool {
	jobCancelRegistry.Lock()
	defer jobCancelRegistry.Unlock()
	if cancel, ok := jobCancelRegistry.m[jobID]; ok {
		cancel()
		delete(jobCancelRegistry.m, jobID)
		return true
	}
	return false
}

type Processor struct {
	Jobs    models.Repository
	Runner  JobRunner
	Prompts PromptCanceller
	Tasks   TaskRemover
	Metrics *Metrics
	Log     *zap.Logger
}

func NewProcessor(jobs models.Repository, runner JobRunner, prompts PromptCanceller, metrics *Metrics, log *zap.Logger) *Processor {
	return &Processor{
		Jobs:    jobs,
		Runner:  runner,
		Prompts: prompts,
		Metrics: metrics,
		Log:     log,
	}
}

// NewWorkerServer builds the queue consumer.
func NewWorkerServer(cfg *config.Config, log *zap.Logger) *asynq.Server {
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			defaultQueue: 1,
		},
		Logger: log.Sugar(),
	})
}

func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateJob, p.HandleGenerateJob)
	return mux
}

// HandleGenerateJob consumes one job:generate task. Failures that another attempt
// cannot fix are returned wrapped in asynq.SkipRetry.
func (p *Processor) HandleGenerateJob(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	log := p.Log.With(zap.String("job_id", payload.JobID))

	job, err := p.Jobs.Get(payload.JobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	if job.Terminal() {
		log.Info("job already terminal, skipping", zap.String("status", job.Status))
		return nil
	}

	if err := p.Jobs.UpdateStatus(job, models.JobStatusProcessing, nil, ""); err != nil {
		log.Warn("mark processing failed", zap.Error(err))
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	registerJobCancel(job.ID, cancel)
	defer unregisterJobCancel(job.ID)

	p.Metrics.JobStarted()
	result, err := p.Runner.Process(jobCtx, job.ID, job.Input, p.hooks(job, cancel, log))
	// A cancel recorded by another process only shows up in the row.
	if p.cancelledElsewhere(job.ID) {
		log.Info("job cancelled while running, keeping cancelled status")
		p.Metrics.JobFinished("cancelled")
		return nil
	}
	switch {
	case err == nil:
		if err := p.Jobs.UpdateStatus(job, models.JobStatusSuccess, result, ""); err != nil {
			log.Error("store result failed", zap.Error(err))
		}
		p.Metrics.JobFinished("success")
		return nil

	case jobCtx.Err() != nil && ctx.Err() == nil:
		log.Info("job cancelled")
		if err := p.Jobs.UpdateStatus(job, models.JobStatusCancelled, nil, "cancelled by user"); err != nil {
			log.Warn("mark cancelled failed", zap.Error(err))
		}
		p.Metrics.JobFinished("cancelled")
		return nil

	case IsTerminal(err) || lastAttempt(ctx):
		log.Error("job failed", zap.Error(err))
		if uerr := p.Jobs.UpdateStatus(job, models.JobStatusFailed, &models.JobResult{Status: "error", JobID: job.ID}, err.Error()); uerr != nil {
			log.Warn("mark failed failed", zap.Error(uerr))
		}
		p.Metrics.JobFinished("failed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)

	default:
		log.Warn("job attempt failed, will retry", zap.Error(err))
		if uerr := p.Jobs.UpdateStatus(job, models.JobStatusPending, nil, err.Error()); uerr != nil {
			log.Warn("mark pending failed", zap.Error(uerr))
		}
		p.Metrics.JobFinished("retry")
		return err
	}
}

// hooks persists progress. Writes are skipped while the percentage is unchanged. After
// each write the row is re-read so a cancel from another process stops the pipeline.
func (p *Processor) hooks(job *models.Job, cancel context.CancelFunc, log *zap.Logger) Hooks {
	last := -1
	return Hooks{
		OnProgress: func(percent int, message string) {
			if percent == last {
				return
			}
			last = percent
			if err := p.Jobs.UpdateProgress(job, percent, message); err != nil {
				log.Warn("progress update failed", zap.Error(err))
			}
			if p.cancelledElsewhere(job.ID) {
				log.Info("cancel found in job row, stopping")
				cancel()
			}
		},
		OnQueued: func(promptID string) {
			if err := p.Jobs.SetPromptID(job, promptID); err != nil {
				log.Warn("store prompt id failed", zap.Error(err))
			}
		},
	}
}

// cancelledElsewhere reports whether the stored row says cancelled.
func (p *Processor) cancelledElsewhere(jobID string) bool {
	cur, err := p.Jobs.Get(jobID)
	return err == nil && cur.Status == models.JobStatusCancelled
}

// CancelJob marks the job cancelled, stops its pipeline when running here and removes
// its prompt from the rendering server.
func (p *Processor) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := p.Jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return job, ErrJobFinished
	}
	log := p.Log.With(zap.String("job_id", jobID))

	wasPending := job.Status == models.JobStatusPending
	if err := p.Jobs.UpdateStatus(job, models.JobStatusCancelled, nil, "cancelled by user"); err != nil {
		return nil, fmt.Errorf("mark cancelled: %w", err)
	}

	if cancelRunningJob(jobID) {
		log.Info("running job cancelled")
	}
	if wasPending && p.Tasks != nil {
		if err := p.Tasks.RemoveJob(jobID); err != nil {
			log.Debug("queued task not removed", zap.Error(err))
		}
	}
	if job.PromptID != "" && p.Prompts != nil {
		ctx, cancelReq := context.WithTimeout(ctx, 10*time.Second)
		defer cancelReq()
		if err := p.Prompts.CancelPrompt(ctx, job.PromptID); err != nil {
			log.Warn("prompt cancel failed", zap.String("prompt_id", job.PromptID), zap.Error(err))
		}
	}
	return job, nil
}

// IsTerminal reports failures that retrying the same job cannot fix.
func IsTerminal(err error) bool {
	var (
		execErr   *comfyui.ExecutionError
		promptErr *comfyui.PromptError
	)
	switch {
	case models.IsValidationError(err),
		errors.As(err, &execErr),
		errors.As(err, &promptErr),
		errors.Is(err, comfyui.ErrInterrupted),
		errors.Is(err, comfyui.ErrTimeout),
		errors.Is(err, media.ErrInvalidImage),
		errors.Is(err, media.ErrInvalidAudio),
		errors.Is(err, ErrNoOutput):
		return true
	}
	return false
}

func lastAttempt(ctx context.Context) bool {
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	return ok1 && ok2 && retried >= maxRetry
}
