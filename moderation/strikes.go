package moderation

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/palisade-social/palisade/models"
)

// resolveStrike computes the effective strike delta and expiry for an event
// before it is inserted. The delta stored on the event row is final: the
// active count for an account is always the sum of stored, non-expired
// deltas, so occurrence thresholds are applied here, not at read time.
func resolveStrike(tx *gorm.DB, did string, in *Event, now time.Time) (*int64, *time.Time, error) {
	if in.SeverityLevel == "" && in.StrikeCount == nil {
		return nil, nil, nil
	}

	var level *models.SeverityLevel
	if in.SeverityLevel != "" {
		var row models.SeverityLevel
		err := tx.Where("name = ?", in.SeverityLevel).First(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("loading severity level: %w", err)
		}
		if err == nil {
			level = &row
		}
	}

	expires := in.StrikeExpiresAt
	if expires == nil && level != nil && level.ExpiresInDays > 0 {
		t := now.Add(time.Duration(level.ExpiresInDays) * 24 * time.Hour)
		expires = &t
	}

	count := in.StrikeCount
	if count == nil && level != nil {
		count = &level.StrikeCount
	}
	if count == nil {
		return nil, nil, nil
	}

	// Negative deltas come from reversals and always apply in full.
	if *count > 0 && level != nil && level.StrikeOnOccurrence > 1 {
		occurrence, err := severityOccurrence(tx, did, in.SeverityLevel)
		if err != nil {
			return nil, nil, err
		}
		if occurrence < level.StrikeOnOccurrence {
			zero := int64(0)
			return &zero, expires, nil
		}
	}

	c := *count
	return &c, expires, nil
}

// severityOccurrence counts, per account lifetime, which occurrence of a
// severity level the event being logged is (1-based, including itself).
func severityOccurrence(tx *gorm.DB, did, level string) (int64, error) {
	var prior int64
	err := tx.Model(&models.ModerationEvent{}).
		Where("subject_did = ? AND severity_level = ?", did, level).
		Count(&prior).Error
	if err != nil {
		return 0, err
	}
	return prior + 1, nil
}

// activeStrikeCount sums all non-expired strike deltas for an account.
func activeStrikeCount(tx *gorm.DB, did string, now time.Time) (int64, error) {
	var total *int64
	err := tx.Model(&models.ModerationEvent{}).
		Select("SUM(strike_count)").
		Where("subject_did = ? AND strike_count IS NOT NULL", did).
		Where("strike_expires_at IS NULL OR strike_expires_at > ?", now).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// writeAccountStrikeCount records the active count on the account-level
// status row. Strikes accrue to the account even when the triggering event
// targeted one of its records.
func writeAccountStrikeCount(tx *gorm.DB, sub Subject, cur *models.SubjectStatus, active int64, now time.Time) error {
	if sub.RecordPath() == "" {
		cur.ActiveStrikeCount = active
		return nil
	}
	acct, err := lockStatus(tx, sub.Did(), "")
	if err != nil {
		return err
	}
	if acct == nil {
		acct = &models.SubjectStatus{
			Did:         sub.Did(),
			RecordPath:  "",
			ReviewState: ReviewClosed,
			CreatedAt:   now,
		}
	}
	acct.ActiveStrikeCount = active
	acct.UpdatedAt = now
	return tx.Save(acct).Error
}

// ExpireStrikes refreshes the active strike count for accounts holding
// strikes that have expired since the count was last written. Run from the
// background sweep; per-account failures are isolated by the caller.
func (s *Service) ExpireStrikes(now time.Time) ([]string, error) {
	var dids []string
	err := s.db.Model(&models.ModerationEvent{}).
		Distinct("subject_did").
		Where("strike_count IS NOT NULL AND strike_expires_at IS NOT NULL AND strike_expires_at <= ?", now).
		Pluck("subject_did", &dids).Error
	if err != nil {
		return nil, fmt.Errorf("finding accounts with expired strikes: %w", err)
	}

	var refreshed []string
	for _, did := range dids {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			active, err := activeStrikeCount(tx, did, now)
			if err != nil {
				return err
			}
			acct, err := lockStatus(tx, did, "")
			if err != nil {
				return err
			}
			if acct == nil || acct.ActiveStrikeCount == active {
				return nil
			}
			acct.ActiveStrikeCount = active
			acct.UpdatedAt = now
			return tx.Save(acct).Error
		})
		if err != nil {
			s.logger.Error("failed to refresh strike count", "did", did, "err", err)
			continue
		}
		refreshed = append(refreshed, did)
	}
	return refreshed, nil
}
