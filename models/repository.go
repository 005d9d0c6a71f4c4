package models

import (
	"errors"

	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("job not found")

// Repository is the job persistence shared by the queue consumer and the HTTP layer.
type Repository interface {
	Create(job *Job) error
	Get(jobID string) (*Job, error)
	List(limit int) ([]Job, error)
	UpdateStatus(job *Job, status string, result *JobResult, errMsg string) error
	UpdateProgress(job *Job, progress int, message string) error
	SetPromptID(job *Job, promptID string) error
}

type GormRepository struct {
	DB *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{DB: db}
}

func (r *GormRepository) Create(job *Job) error {
	return CreateJob(r.DB, job)
}

func (r *GormRepository) Get(jobID string) (*Job, error) {
	job, err := GetJobByID(r.DB, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (r *GormRepository) List(limit int) ([]Job, error) {
	return ListJobs(r.DB, limit)
}

func (r *GormRepository) UpdateStatus(job *Job, status string, result *JobResult, errMsg string) error {
	return job.UpdateStatus(r.DB, status, result, errMsg)
}

func (r *GormRepository) UpdateProgress(job *Job, progress int, message string) error {
	return job.UpdateProgress(r.DB, progress, message)
}

func (r *GormRepository) SetPromptID(job *Job, promptID string) error {
	return job.SetPromptID(r.DB, promptID)
}
