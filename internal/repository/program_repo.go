// Package repository provides data access for the guide catalog.
package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zaplinktv/zaplink/internal/models"
)

// ProgramRepository is the persistence interface the guide scanner and the
// XMLTV/JSON renderers depend on.
type ProgramRepository interface {
	// Upsert inserts the program, or refreshes title/end/event/source when
	// an entry with the same (frequency, channel, start) already exists.
	Upsert(ctx context.Context, program *models.Program) error

	// GetWindow returns programs overlapping [start, end), ordered by
	// frequency, channel, then start time.
	GetWindow(ctx context.Context, start, end time.Time) ([]*models.Program, error)

	// GetUpcoming returns programs that have not yet ended, ordered by
	// frequency, channel, then start time.
	GetUpcoming(ctx context.Context, now time.Time) ([]*models.Program, error)

	// CountUpcoming counts programs that have not yet ended.
	CountUpcoming(ctx context.Context, now time.Time) (int64, error)

	// ExpireBefore deletes programs that ended before the cutoff and
	// returns how many were removed.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// programRepo implements ProgramRepository using GORM.
type programRepo struct {
	db *gorm.DB
}

// NewProgramRepository creates a new ProgramRepository.
func NewProgramRepository(db *gorm.DB) ProgramRepository {
	return &programRepo{db: db}
}

func (r *programRepo) Upsert(ctx context.Context, program *models.Program) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "frequency"},
			{Name: "channel_id"},
			{Name: "start_ms"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"end_ms", "title", "event_id", "source_id", "updated_at",
		}),
	}).Create(program).Error
	if err != nil {
		return fmt.Errorf("upserting program: %w", err)
	}
	return nil
}

func (r *programRepo) GetWindow(ctx context.Context, start, end time.Time) ([]*models.Program, error) {
	var programs []*models.Program
	err := r.db.WithContext(ctx).
		Where("start_ms < ? AND end_ms > ?", end.UnixMilli(), start.UnixMilli()).
		Order("frequency, channel_id, start_ms").
		Find(&programs).Error
	if err != nil {
		return nil, fmt.Errorf("querying program window: %w", err)
	}
	return programs, nil
}

func (r *programRepo) GetUpcoming(ctx context.Context, now time.Time) ([]*models.Program, error) {
	var programs []*models.Program
	err := r.db.WithContext(ctx).
		Where("end_ms > ?", now.UnixMilli()).
		Order("frequency, channel_id, start_ms").
		Find(&programs).Error
	if err != nil {
		return nil, fmt.Errorf("querying upcoming programs: %w", err)
	}
	return programs, nil
}

func (r *programRepo) CountUpcoming(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Program{}).
		Where("end_ms > ?", now.UnixMilli()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting upcoming programs: %w", err)
	}
	return count, nil
}

func (r *programRepo) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("end_ms < ?", cutoff.UnixMilli()).
		Delete(&models.Program{})
	if res.Error != nil {
		return 0, fmt.Errorf("expiring programs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
