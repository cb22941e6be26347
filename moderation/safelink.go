package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/palisade-social/palisade/models"
)

// Safelink patterns and actions form closed sets, validated before any write.
const (
	SafelinkPatternDomain = "domain"
	SafelinkPatternUrl    = "url"
)

const (
	SafelinkActionBlock     = "block"
	SafelinkActionWarn      = "warn"
	SafelinkActionWhitelist = "whitelist"
)

const (
	SafelinkEventAddRule    = "addRule"
	SafelinkEventUpdateRule = "updateRule"
	SafelinkEventRemoveRule = "removeRule"
)

var (
	ErrInvalidSafelinkPattern = errors.New("unknown safelink pattern type")
	ErrInvalidSafelinkAction  = errors.New("unknown safelink action type")
	ErrSafelinkRuleExists     = errors.New("an active rule already exists for this url and pattern")
	ErrSafelinkRuleNotFound   = errors.New("no active rule found for this url and pattern")
)

// SafelinkRuleInput is the payload for rule mutations.
type SafelinkRuleInput struct {
	Url     string
	Pattern string
	Action  string
	Reason  string
	Comment string
}

func (in *SafelinkRuleInput) validate() error {
	if in.Url == "" {
		return fmt.Errorf("url is required")
	}
	switch in.Pattern {
	case SafelinkPatternDomain, SafelinkPatternUrl:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSafelinkPattern, in.Pattern)
	}
	switch in.Action {
	case SafelinkActionBlock, SafelinkActionWarn, SafelinkActionWhitelist:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSafelinkAction, in.Action)
	}
	return nil
}

// AddSafelinkRule creates an active rule and journals the mutation. At most
// one active rule exists per (url, pattern).
func (s *Service) AddSafelinkRule(ctx context.Context, actor Identity, in SafelinkRuleInput) (*models.SafelinkRule, error) {
	if !actor.IsModerator() {
		return nil, ErrSafelinkRequiresModerator
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	rule := &models.SafelinkRule{
		Url:          in.Url,
		Pattern:      in.Pattern,
		Action:       in.Action,
		Reason:       in.Reason,
		CreatedByDid: actor.Did,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Comment != "" {
		rule.Comment = &in.Comment
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.SafelinkRule{}).
			Where("url = ? AND pattern = ?", in.Url, in.Pattern).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrSafelinkRuleExists
		}
		if err := tx.Create(rule).Error; err != nil {
			return err
		}
		return journalSafelink(tx, SafelinkEventAddRule, actor, &in, now)
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateSafelinkRule replaces the action, reason and comment of the active
// rule for (url, pattern).
func (s *Service) UpdateSafelinkRule(ctx context.Context, actor Identity, in SafelinkRuleInput) (*models.SafelinkRule, error) {
	if !actor.IsModerator() {
		return nil, ErrSafelinkRequiresModerator
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	var rule models.SafelinkRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("url = ? AND pattern = ?", in.Url, in.Pattern).First(&rule).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSafelinkRuleNotFound
		}
		if err != nil {
			return err
		}
		rule.Action = in.Action
		rule.Reason = in.Reason
		rule.Comment = nil
		if in.Comment != "" {
			rule.Comment = &in.Comment
		}
		rule.UpdatedAt = now
		if err := tx.Save(&rule).Error; err != nil {
			return err
		}
		return journalSafelink(tx, SafelinkEventUpdateRule, actor, &in, now)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// RemoveSafelinkRule retires the active rule for (url, pattern). The journal
// keeps the full mutation history.
func (s *Service) RemoveSafelinkRule(ctx context.Context, actor Identity, in SafelinkRuleInput) error {
	if !actor.IsModerator() {
		return ErrSafelinkRequiresModerator
	}
	if err := in.validate(); err != nil {
		return err
	}

	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("url = ? AND pattern = ?", in.Url, in.Pattern).
			Delete(&models.SafelinkRule{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSafelinkRuleNotFound
		}
		return journalSafelink(tx, SafelinkEventRemoveRule, actor, &in, now)
	})
}

func journalSafelink(tx *gorm.DB, eventType string, actor Identity, in *SafelinkRuleInput, now time.Time) error {
	evt := models.SafelinkEvent{
		EventType:    eventType,
		Url:          in.Url,
		Pattern:      in.Pattern,
		Action:       in.Action,
		Reason:       in.Reason,
		CreatedByDid: actor.Did,
		CreatedAt:    now,
	}
	if in.Comment != "" {
		evt.Comment = &in.Comment
	}
	return tx.Create(&evt).Error
}

// SafelinkQuery filters rule and journal listings.
type SafelinkQuery struct {
	Urls    []string
	Pattern string
	Actions []string
	Cursor  string
	Limit   int
}

func (s *Service) ListSafelinkRules(ctx context.Context, q SafelinkQuery) ([]models.SafelinkRule, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	db := s.db.WithContext(ctx).Model(&models.SafelinkRule{})
	if len(q.Urls) > 0 {
		db = db.Where("url IN ?", q.Urls)
	}
	if q.Pattern != "" {
		db = db.Where("pattern = ?", q.Pattern)
	}
	if len(q.Actions) > 0 {
		db = db.Where("action IN ?", q.Actions)
	}
	if q.Cursor != "" {
		id, err := decodeIdCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		db = db.Where("id < ?", id)
	}
	var rows []models.SafelinkRule
	if err := db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", err
	}
	cursor := ""
	if len(rows) == limit {
		cursor = encodeIdCursor(rows[len(rows)-1].ID)
	}
	return rows, cursor, nil
}

func (s *Service) ListSafelinkEvents(ctx context.Context, q SafelinkQuery) ([]models.SafelinkEvent, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	db := s.db.WithContext(ctx).Model(&models.SafelinkEvent{})
	if len(q.Urls) > 0 {
		db = db.Where("url IN ?", q.Urls)
	}
	if q.Pattern != "" {
		db = db.Where("pattern = ?", q.Pattern)
	}
	if q.Cursor != "" {
		id, err := decodeIdCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		db = db.Where("id < ?", id)
	}
	var rows []models.SafelinkEvent
	if err := db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", err
	}
	cursor := ""
	if len(rows) == limit {
		cursor = encodeIdCursor(rows[len(rows)-1].ID)
	}
	return rows, cursor, nil
}
