package service

import (
	"encoding/json"
	"fmt"
	"time"

	"ltx2-video-server/config"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeGenerateJob = "job:generate"
	defaultQueue    = "default"

	jobTimeout   = 20 * time.Minute
	jobRetention = 24 * time.Hour
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	EnqueueJob(jobID string) error
}

type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	timeout   time.Duration
	log       *zap.Logger
}

func NewQueue(cfg *config.Config, log *zap.Logger) *Queue {
	timeout := time.Duration(cfg.Worker.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = jobTimeout
	}
	return &Queue{
		client:    asynq.NewClient(redisOpt(cfg)),
		inspector: asynq.NewInspector(redisOpt(cfg)),
		maxRetry:  cfg.Worker.MaxRetry,
		timeout:   timeout,
		log:       log,
	}
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
}

// NewGenerateTask builds the queue task for a job. The task id is the job id so a job
// is never queued twice.
func NewGenerateTask(jobID string, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(TypeGenerateJob, payload,
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.Retention(jobRetention),
		asynq.TaskID(jobID),
	), nil
}

func (q *Queue) EnqueueJob(jobID string) error {
	task, err := NewGenerateTask(jobID, q.maxRetry, q.timeout)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.log.Info("job enqueued", zap.String("job_id", jobID), zap.String("queue", info.Queue))
	return nil
}

// RemoveJob deletes a job's task while it still waits in the queue.
func (q *Queue) RemoveJob(jobID string) error {
	if err := q.inspector.DeleteTask(defaultQueue, jobID); err != nil {
		return fmt.Errorf("delete task %s: %w", jobID, err)
	}
	q.log.Info("queued task removed", zap.String("job_id", jobID))
	return nil
}

func (q *Queue) Close() error {
	if err := q.inspector.Close(); err != nil {
		q.log.Warn("close inspector", zap.Error(err))
	}
	return q.client.Close()
}
