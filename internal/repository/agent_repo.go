package repository

import (
	"errors"

	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/models"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound      = apperr.New(apperr.KindNotFound, "JOB_NOT_FOUND", "agent job not found")
	ErrAnalysisNotFound = apperr.New(apperr.KindNotFound, "ANALYSIS_NOT_FOUND", "analysis not found")
)

// AgentRepository handles agent jobs, the agent log and analyses
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates a new AgentRepository
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// GetJob retrieves the job row of a user
func (r *AgentRepository) GetJob(userID uint) (*models.AgentJob, error) {
	var job models.AgentJob
	if err := r.db.Where("user_id = ?", userID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// SaveJob inserts the job or overwrites the existing row of the same user
func (r *AgentRepository) SaveJob(job *models.AgentJob) error {
	if job.ID == 0 {
		var existing models.AgentJob
		res := r.db.Select("id", "created_at").Where("user_id = ?", job.UserID).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			job.ID = existing.ID
			job.CreatedAt = existing.CreatedAt
		}
	}
	return r.db.Save(job).Error
}

// UpdateJob updates selected columns of a user's job
func (r *AgentRepository) UpdateJob(userID uint, fields map[string]interface{}) error {
	return r.db.Model(&models.AgentJob{}).Where("user_id = ?", userID).Updates(fields).Error
}

// ListJobsByStatus returns all jobs in the given state
func (r *AgentRepository) ListJobsByStatus(status models.JobStatus) ([]models.AgentJob, error) {
	var jobs []models.AgentJob
	err := r.db.Where("status = ?", status).Order("user_id").Find(&jobs).Error
	return jobs, err
}

// AppendLog stores a log entry and prunes the user's log to the retention window
func (r *AgentRepository) AppendLog(entry *models.AgentLog, retention int) error {
	if len(entry.Message) > models.MaxLogMessage {
		entry.Message = entry.Message[:models.MaxLogMessage]
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		if retention <= 0 {
			return nil
		}
		var cutoff models.AgentLog
		res := tx.Where("user_id = ?", entry.UserID).
			Order("id DESC").
			Offset(retention).
			Limit(1).
			Find(&cutoff)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Where("user_id = ? AND id <= ?", entry.UserID, cutoff.ID).Delete(&models.AgentLog{}).Error
	})
}

// RecentLogs returns the latest entries of a user's log in chronological order
func (r *AgentRepository) RecentLogs(userID uint, limit int) ([]models.AgentLog, error) {
	var logs []models.AgentLog
	err := r.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// CreateAnalysis stores an analysis
func (r *AgentRepository) CreateAnalysis(analysis *models.Analysis) error {
	return r.db.Create(analysis).Error
}

// GetAnalysis retrieves an analysis owned by the user
func (r *AgentRepository) GetAnalysis(id, userID uint) (*models.Analysis, error) {
	var analysis models.Analysis
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&analysis).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAnalysisNotFound
		}
		return nil, err
	}
	return &analysis, nil
}
