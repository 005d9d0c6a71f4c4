package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	// pending: created and enqueued, waiting for a consumer
	JobStatusPending = "pending"
	// processing: staged, rendering or uploading
	JobStatusProcessing = "processing"
	JobStatusSuccess    = "finished"
	JobStatusFailed     = "failed"
	// cancelled: stopped by the caller while pending or processing
	JobStatusCancelled = "cancelled"
)

type Job struct {
	ID         string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Status     string     `gorm:"type:varchar(16);index" json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `gorm:"type:varchar(255)" json:"message"`
	Input      JobInput   `gorm:"type:json" json:"input"`
	Result     JobResult  `gorm:"type:json" json:"result"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	PromptID   string     `gorm:"type:varchar(64)" json:"promptId,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// JobResult is what a finished job hands back to the caller.
type JobResult struct {
	Status         string       `json:"status,omitempty"`
	VideoURL       string       `json:"video_url,omitempty"`
	JobID          string       `json:"job_id,omitempty"`
	Metadata       *JobMetadata `json:"metadata,omitempty"`
	ProcessingTime float64      `json:"processing_time,omitempty"`
}

type JobMetadata struct {
	Prompt         string  `json:"prompt"`
	Duration       float64 `json:"duration"`
	FPS            int     `json:"fps"`
	Resolution     string  `json:"resolution"`
	NumFrames      int     `json:"num_frames"`
	Seed           int64   `json:"seed"`
	PromptID       string  `json:"prompt_id"`
	ProcessingTime float64 `json:"processing_time"`
}

func (r JobResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *JobResult) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// Terminal reports whether no further transitions are expected.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func CreateJob(db *gorm.DB, job *Job) error {
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	return db.Create(job).Error
}

func GetJobByID(db *gorm.DB, jobID string) (*Job, error) {
	var job Job
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the most recent jobs first.
func ListJobs(db *gorm.DB, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var jobs []Job
	err := db.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// UpdateStatus moves the job to status and stamps the lifecycle timestamps. result and
// errMsg are written only when set.
func (j *Job) UpdateStatus(db *gorm.DB, status string, result *JobResult, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case JobStatusProcessing:
		updates["started_at"] = now
	case JobStatusSuccess:
		updates["finished_at"] = now
		updates["progress"] = 100
	case JobStatusFailed, JobStatusCancelled:
		updates["finished_at"] = now
	}
	if result != nil {
		updates["result"] = *result
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if err := db.Model(j).Updates(updates).Error; err != nil {
		return err
	}
	j.applyStatus(status, now, result, errMsg)
	return nil
}

// applyStatus mirrors UpdateStatus on the in-memory row.
func (j *Job) applyStatus(status string, now time.Time, result *JobResult, errMsg string) {
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case JobStatusProcessing:
		j.StartedAt = &now
	case JobStatusSuccess:
		j.FinishedAt = &now
		j.Progress = 100
	case JobStatusFailed, JobStatusCancelled:
		j.FinishedAt = &now
	}
	if result != nil {
		j.Result = *result
	}
	if errMsg != "" {
		j.Error = errMsg
	}
}

func (j *Job) UpdateProgress(db *gorm.DB, progress int, message string) error {
	now := time.Now()
	err := db.Model(j).Updates(map[string]interface{}{
		"progress":   progress,
		"message":    message,
		"updated_at": now,
	}).Error
	if err == nil {
		j.Progress, j.Message, j.UpdatedAt = progress, message, now
	}
	return err
}

func (j *Job) SetPromptID(db *gorm.DB, promptID string) error {
	now := time.Now()
	err := db.Model(j).Updates(map[string]interface{}{
		"prompt_id":  promptID,
		"updated_at": now,
	}).Error
	if err == nil {
		j.PromptID, j.UpdatedAt = promptID, now
	}
	return err
}

func (Job) TableName() string {
	return "job"
}
