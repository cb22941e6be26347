package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/palisade-social/palisade/models"
)

const (
	ScheduledStatusPending   = "pending"
	ScheduledStatusExecuting = "executing"
	ScheduledStatusExecuted  = "executed"
	ScheduledStatusCancelled = "cancelled"
	ScheduledStatusFailed    = "failed"
)

// ScheduledReversalMarker tags every event the sweep emits so automatic
// actions are distinguishable from operator ones in the timeline.
const ScheduledReversalMarker = "[SCHEDULED_ACTION]"

// Window bounds when a scheduled action becomes due: either an exact
// ExecuteAt, or an ExecuteAfter/ExecuteUntil range.
type Window struct {
	ExecuteAt    *time.Time
	ExecuteAfter *time.Time
	ExecuteUntil *time.Time
}

func (w Window) validate() error {
	if w.ExecuteAt == nil && w.ExecuteAfter == nil {
		return fmt.Errorf("%w: window requires executeAt or executeAfter", ErrInvalidWindow)
	}
	if w.ExecuteAfter != nil && w.ExecuteUntil != nil && !w.ExecuteAfter.Before(*w.ExecuteUntil) {
		return ErrInvalidWindow
	}
	return nil
}

// ScheduledTakedown is the payload of an operator-scheduled takedown.
type ScheduledTakedown struct {
	PolicyTags      []string `json:"policyTags,omitempty"`
	Comment         string   `json:"comment,omitempty"`
	DurationInHours *int64   `json:"durationInHours,omitempty"`
}

// SubjectFailure reports one subject's outcome in a batch operation.
type SubjectFailure struct {
	Did   string `json:"did"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// BatchResult carries the per-subject breakdown of a batch schedule or
// cancel. Partial failure is the expected shape, not an error.
type BatchResult struct {
	Succeeded []string         `json:"succeeded"`
	Failed    []SubjectFailure `json:"failed"`
}

// ScheduleActions creates one pending takedown per subject, plus an
// informational event so the schedule is visible in each subject's timeline.
// Outcomes are independent per subject.
func (s *Service) ScheduleActions(ctx context.Context, actor Identity, dids []string, action ScheduledTakedown, window Window) (*BatchResult, error) {
	if !actor.IsModerator() {
		return nil, ErrScheduleRequiresModerator
	}
	if err := window.validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encoding action payload: %w", err)
	}
	data := string(payload)

	result := &BatchResult{Succeeded: []string{}, Failed: []SubjectFailure{}}
	now := time.Now()
	for _, did := range dids {
		// A bounded range gets a concrete execution moment picked inside it,
		// per subject, so batch takedowns don't all land at the same instant
		// and the sweep's due check stays a plain timestamp comparison.
		executeAt := window.ExecuteAt
		randomized := false
		if executeAt == nil && window.ExecuteUntil != nil {
			span := window.ExecuteUntil.Sub(*window.ExecuteAfter)
			t := window.ExecuteAfter.Add(time.Duration(rand.Int63n(int64(span))))
			executeAt = &t
			randomized = true
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&models.ScheduledAction{}).
				Where("subject_did = ? AND status = ?", did, ScheduledStatusPending).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrDuplicatePending
			}
			row := models.ScheduledAction{
				Action:             EventTakedown,
				EventData:          &data,
				SubjectDid:         did,
				ExecuteAt:          executeAt,
				ExecuteAfter:       window.ExecuteAfter,
				ExecuteUntil:       window.ExecuteUntil,
				RandomizeExecution: randomized,
				CreatedByDid:       actor.Did,
				Status:             ScheduledStatusPending,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			info := Event{Kind: EventScheduleTakedown, Comment: action.Comment}
			_, _, err := s.logEventTx(tx, actor, AccountSubject{DID: did}, &info, now)
			return err
		})
		if err != nil {
			result.Failed = append(result.Failed, subjectFailure(did, err))
			continue
		}
		result.Succeeded = append(result.Succeeded, did)
	}
	return result, nil
}

// CancelScheduledActions cancels each subject's pending action, again with
// independent per-subject outcomes.
func (s *Service) CancelScheduledActions(ctx context.Context, actor Identity, dids []string) (*BatchResult, error) {
	if !actor.IsModerator() {
		return nil, ErrScheduleRequiresModerator
	}

	result := &BatchResult{Succeeded: []string{}, Failed: []SubjectFailure{}}
	now := time.Now()
	for _, did := range dids {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.ScheduledAction{}).
				Where("subject_did = ? AND status = ?", did, ScheduledStatusPending).
				Updates(map[string]interface{}{"status": ScheduledStatusCancelled, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNoPendingAction
			}
			info := Event{Kind: EventCancelScheduledTakedown}
			_, _, err := s.logEventTx(tx, actor, AccountSubject{DID: did}, &info, now)
			return err
		})
		if err != nil {
			result.Failed = append(result.Failed, subjectFailure(did, err))
			continue
		}
		result.Succeeded = append(result.Succeeded, did)
	}
	return result, nil
}

func subjectFailure(did string, err error) SubjectFailure {
	f := SubjectFailure{Did: did, Error: err.Error()}
	switch {
	case errors.Is(err, ErrDuplicatePending):
		f.Code = "DuplicatePending"
	case errors.Is(err, ErrNoPendingAction):
		f.Code = "NotFound"
	case errors.Is(err, ErrInvalidWindow):
		f.Code = "InvalidWindow"
	}
	return f
}

// ListScheduledActionsParams filters the scheduled action list.
type ListScheduledActionsParams struct {
	Subjects  []string
	Statuses  []string
	Cursor    string
	Limit     int
	Ascending bool
}

func (s *Service) ListScheduledActions(ctx context.Context, params ListScheduledActionsParams) ([]models.ScheduledAction, string, error) {
	limit := params.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.ScheduledAction{})
	if len(params.Subjects) > 0 {
		q = q.Where("subject_did IN ?", params.Subjects)
	}
	if len(params.Statuses) > 0 {
		q = q.Where("status IN ?", params.Statuses)
	}
	if params.Cursor != "" {
		id, err := decodeIdCursor(params.Cursor)
		if err != nil {
			return nil, "", err
		}
		if params.Ascending {
			q = q.Where("id > ?", id)
		} else {
			q = q.Where("id < ?", id)
		}
	}
	order := "id desc"
	if params.Ascending {
		order = "id asc"
	}
	var rows []models.ScheduledAction
	if err := q.Order(order).Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", err
	}
	cursor := ""
	if len(rows) == limit {
		cursor = encodeIdCursor(rows[len(rows)-1].ID)
	}
	return rows, cursor, nil
}

// schedulePendingReversal persists the automatic reversal of a time-boxed
// takedown. If a reversal is already pending for the subject its deadline is
// moved; a pending operator-scheduled action is left alone.
func schedulePendingReversal(tx *gorm.DB, sub Subject, actor Identity, executeAt, now time.Time) error {
	var existing models.ScheduledAction
	err := tx.Where("subject_did = ? AND status = ?", sub.Did(), ScheduledStatusPending).
		First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if err == nil {
		if existing.Action != EventReverseTakedown {
			return nil
		}
		return tx.Model(&existing).
			Updates(map[string]interface{}{"execute_at": executeAt, "updated_at": now}).Error
	}
	row := models.ScheduledAction{
		Action:       EventReverseTakedown,
		SubjectDid:   sub.Did(),
		ExecuteAt:    &executeAt,
		CreatedByDid: actor.Did,
		Status:       ScheduledStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return tx.Create(&row).Error
}

// cancelPendingReversal retires the automatic reversal once the takedown has
// been reversed by hand.
func cancelPendingReversal(tx *gorm.DB, did string, now time.Time) error {
	return tx.Model(&models.ScheduledAction{}).
		Where("subject_did = ? AND status = ? AND action = ?", did, ScheduledStatusPending, EventReverseTakedown).
		Updates(map[string]interface{}{"status": ScheduledStatusCancelled, "updated_at": now}).Error
}

// FindAndRevertDueActions is the background sweep: it claims every pending
// action whose window has elapsed and converts it into events through the
// normal projector path. One action failing never stops the rest; a failed
// row is excluded from future passes.
func (s *Service) FindAndRevertDueActions(ctx context.Context) (executed, failed []uint64, err error) {
	now := time.Now()
	var due []models.ScheduledAction
	err = s.db.WithContext(ctx).
		Where("status = ?", ScheduledStatusPending).
		Where("execute_at <= ? OR (execute_at IS NULL AND execute_after <= ?)", now, now).
		Find(&due).Error
	if err != nil {
		return nil, nil, fmt.Errorf("finding due scheduled actions: %w", err)
	}

	for _, row := range due {
		// Claim via conditional update so concurrent sweepers cannot both
		// execute the same row.
		claim := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
			Where("id = ? AND status = ?", row.ID, ScheduledStatusPending).
			Updates(map[string]interface{}{"status": ScheduledStatusExecuting, "updated_at": now})
		if claim.Error != nil {
			s.logger.Error("failed to claim scheduled action", "id", row.ID, "err", claim.Error)
			continue
		}
		if claim.RowsAffected == 0 {
			continue
		}

		evtId, execErr := s.executeScheduledAction(ctx, &row)
		if execErr != nil {
			s.logger.Warn("scheduled action failed", "id", row.ID, "subject", row.SubjectDid, "err", execErr)
			s.markActionFailed(ctx, row.ID, execErr)
			sweepFailed.Inc()
			failed = append(failed, row.ID)
			continue
		}
		s.markActionExecuted(ctx, row.ID, evtId)
		sweepExecuted.Inc()
		executed = append(executed, row.ID)
	}
	return executed, failed, nil
}

// executeScheduledAction turns one due row into its event, attributed to the
// row's original creator with the fixed automatic-action marker.
func (s *Service) executeScheduledAction(ctx context.Context, row *models.ScheduledAction) (uint64, error) {
	var payload ScheduledTakedown
	if row.EventData != nil {
		if err := json.Unmarshal([]byte(*row.EventData), &payload); err != nil {
			return 0, fmt.Errorf("decoding action payload: %w", err)
		}
	}

	actor := Identity{Did: row.CreatedByDid, Role: RoleModerator}
	sub := AccountSubject{DID: row.SubjectDid}

	var in Event
	switch row.Action {
	case EventReverseTakedown:
		in = Event{
			Kind:    EventReverseTakedown,
			Comment: ScheduledReversalMarker + ": automatically reversing takedown",
		}
	case EventTakedown:
		comment := ScheduledReversalMarker + ": executing scheduled takedown"
		if payload.Comment != "" {
			comment += " — " + payload.Comment
		}
		in = Event{
			Kind:            EventTakedown,
			Comment:         comment,
			DurationInHours: payload.DurationInHours,
			AddTags:         payload.PolicyTags,
		}
	default:
		return 0, fmt.Errorf("unknown scheduled action kind: %q", row.Action)
	}

	var evtId uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		evt, _, err := s.logEventTx(tx, actor, sub, &in, time.Now())
		if err != nil {
			return err
		}
		evtId = evt.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.pushSideEffects(ctx, sub, &models.ModerationEvent{ID: evtId}, &in)
	return evtId, nil
}

func (s *Service) markActionExecuted(ctx context.Context, id, evtId uint64) {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             ScheduledStatusExecuted,
			"last_executed_at":   now,
			"execution_event_id": evtId,
			"updated_at":         now,
		}).Error
	if err != nil {
		s.logger.Error("failed to mark scheduled action executed", "id", id, "err", err)
	}
}

func (s *Service) markActionFailed(ctx context.Context, id uint64, cause error) {
	now := time.Now()
	reason := cause.Error()
	err := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              ScheduledStatusFailed,
			"last_executed_at":    now,
			"last_failure_reason": reason,
			"updated_at":          now,
		}).Error
	if err != nil {
		s.logger.Error("failed to mark scheduled action failed", "id", id, "err", err)
	}
}

// RunSweeper drives the sweep and the strike expiry pass on a fixed
// interval until the context is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("starting scheduled action sweeper", "interval", interval)
	for {
		select {
		case <-ticker.C:
			executed, failed, err := s.FindAndRevertDueActions(ctx)
			if err != nil {
				s.logger.Error("scheduled action sweep failed", "err", err)
			} else if len(executed)+len(failed) > 0 {
				s.logger.Info("scheduled action sweep complete", "executed", len(executed), "failed", len(failed))
			}
			if _, err := s.ExpireStrikes(time.Now()); err != nil {
				s.logger.Error("strike expiry pass failed", "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
