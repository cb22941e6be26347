package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/palisade-social/palisade/models"
)

// ErrAlreadyAssigned means another moderator holds an unexpired claim on the
// report.
var ErrAlreadyAssigned = errors.New("report already assigned")

const defaultAssignmentDuration = 10 * time.Minute

// AssignmentStore persists the ephemeral review claims. Assignments expire by
// timestamp rather than deletion: an expired row is simply ignored by the
// active filter, so disconnects need no cleanup and history stays queryable.
type AssignmentStore struct {
	db *gorm.DB
}

// Claim records that a moderator is reviewing a report. Claiming a report
// already claimed by someone else fails; re-claiming one's own report
// extends the expiry instead of stacking rows.
func (s *AssignmentStore) Claim(ctx context.Context, did string, reportId uint64, queueId *int64, dur time.Duration) (*models.ModeratorAssignment, error) {
	if dur <= 0 {
		dur = defaultAssignmentDuration
	}
	now := time.Now()

	var row models.ModeratorAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ModeratorAssignment
		err := tx.Where("report_id = ? AND end_at > ?", reportId, now).
			Order("end_at desc").First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			if existing.Did != did {
				return fmt.Errorf("%w: held by %s", ErrAlreadyAssigned, existing.Did)
			}
			existing.EndAt = now.Add(dur)
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			row = existing
			return nil
		}
		row = models.ModeratorAssignment{
			ReportId:  &reportId,
			QueueId:   queueId,
			Did:       did,
			StartAt:   now,
			EndAt:     now.Add(dur),
			CreatedAt: now,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ClaimQueue records that a moderator is working a queue. Unlike report
// claims, queues are shared: multiple moderators can hold the same queue, so
// there is no conflict path, only extension of one's own claim.
func (s *AssignmentStore) ClaimQueue(ctx context.Context, did string, queueId int64, dur time.Duration) (*models.ModeratorAssignment, error) {
	if dur <= 0 {
		dur = defaultAssignmentDuration
	}
	now := time.Now()

	var row models.ModeratorAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ModeratorAssignment
		err := tx.Where("queue_id = ? AND did = ? AND report_id IS NULL AND end_at > ?", queueId, did, now).
			Order("end_at desc").First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil {
			existing.EndAt = now.Add(dur)
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			row = existing
			return nil
		}
		row = models.ModeratorAssignment{
			QueueId:   &queueId,
			Did:       did,
			StartAt:   now,
			EndAt:     now.Add(dur),
			CreatedAt: now,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Release ends the moderator's active claim on a report by truncating its
// expiry to now. Releasing a report the moderator never claimed is a no-op.
func (s *AssignmentStore) Release(ctx context.Context, did string, reportId uint64) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.ModeratorAssignment{}).
		Where("report_id = ? AND did = ? AND end_at > ?", reportId, did, now).
		Update("end_at", now).Error
}

// GetAssignments lists assignments, optionally only the ones still active.
func (s *AssignmentStore) GetAssignments(ctx context.Context, onlyActive bool) ([]models.ModeratorAssignment, error) {
	q := s.db.WithContext(ctx).Model(&models.ModeratorAssignment{})
	if onlyActive {
		q = q.Where("end_at > ?", time.Now())
	}
	var rows []models.ModeratorAssignment
	err := q.Order("start_at desc").Limit(500).Find(&rows).Error
	return rows, err
}
