package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/timmy/papercast/internal/domain"
	"gorm.io/gorm"
)

// UsageRepository is the ledger of paid collaborator calls.
type UsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a new UsageRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *UsageRepository: repository instance bound to db.
func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Record inserts one usage record, assigning an ID when missing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: usage record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *UsageRepository) Record(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ListByJob returns every call made for a job, oldest first.
func (r *UsageRepository) ListByJob(ctx context.Context, jobID string) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return records, nil
}

// SummarizeByJob aggregates a job's calls per service.
func (r *UsageRepository) SummarizeByJob(ctx context.Context, jobID string) ([]domain.UsageSummary, error) {
	var summaries []domain.UsageSummary
	err := r.db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Select(`service,
			COUNT(*) AS calls,
			SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failures,
			SUM(duration_ms) AS duration_ms,
			SUM(input_tokens) AS input_tokens,
			SUM(output_tokens) AS output_tokens`).
		Where("job_id = ?", jobID).
		Group("service").
		Order("service ASC").
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return summaries, nil
}
