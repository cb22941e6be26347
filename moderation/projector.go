package moderation

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/palisade-social/palisade/models"
)

// transitionFunc computes the next subject status for one event kind. The
// table below is the only place review state and takedown flags are decided;
// API handlers never write them directly.
type transitionFunc func(c *applyCtx, cur *models.SubjectStatus) error

type applyCtx struct {
	tx  *gorm.DB
	sub Subject
	evt *models.ModerationEvent
	in  *Event
	now time.Time
}

var transitions = map[string]transitionFunc{
	EventReport:                  applyReport,
	EventAcknowledge:             applyAcknowledge,
	EventEscalate:                applyEscalate,
	EventTakedown:                applyTakedown,
	EventReverseTakedown:         applyReverseTakedown,
	EventLabel:                   applyNoStatusChange,
	EventComment:                 applyComment,
	EventTag:                     applyTag,
	EventMute:                    applyMute,
	EventUnmute:                  applyUnmute,
	EventResolveAppeal:           applyResolveAppeal,
	EventAgeAssurance:            applyAgeAssurance,
	EventAgeAssuranceOverride:    applyAgeAssuranceOverride,
	EventScheduleTakedown:        applyNoStatusChange,
	EventCancelScheduledTakedown: applyNoStatusChange,
	EventEmail:                   applyNoStatusChange,
}

// applyStatus runs the transition table for an already-inserted event, inside
// the same transaction. The status row is locked for the duration so that
// concurrent events on the same subject serialize while other subjects
// proceed in parallel.
func (s *Service) applyStatus(tx *gorm.DB, sub Subject, evt *models.ModerationEvent, in *Event) (*models.SubjectStatus, error) {
	handler, ok := transitions[in.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, in.Kind)
	}

	now := evt.CreatedAt
	cur, err := lockStatus(tx, sub.Did(), sub.RecordPath())
	if err != nil {
		return nil, err
	}
	if cur == nil {
		cur = &models.SubjectStatus{
			Did:         sub.Did(),
			RecordPath:  sub.RecordPath(),
			RecordCid:   sub.Cid(),
			ReviewState: ReviewClosed,
			CreatedAt:   now,
		}
	}

	c := &applyCtx{tx: tx, sub: sub, evt: evt, in: in, now: now}
	prevState := cur.ReviewState
	if err := handler(c, cur); err != nil {
		return nil, err
	}

	// Once escalated, only an explicitly closed-producing transition may
	// leave the escalated state.
	if prevState == ReviewEscalated && cur.ReviewState != ReviewClosed {
		cur.ReviewState = ReviewEscalated
	}

	if evt.StrikeCount != nil {
		active, err := activeStrikeCount(tx, sub.Did(), now)
		if err != nil {
			return nil, err
		}
		if err := writeAccountStrikeCount(tx, sub, cur, active, now); err != nil {
			return nil, err
		}
	}

	cur.UpdatedAt = now
	if err := tx.Save(cur).Error; err != nil {
		return nil, fmt.Errorf("saving subject status: %w", err)
	}
	return cur, nil
}

// lockStatus reads the status row for a subject with a row-level lock, or
// returns nil if the subject has never seen an event. SQLite has a single
// writer, so the explicit lock is only added on postgres.
func lockStatus(tx *gorm.DB, did, recordPath string) (*models.SubjectStatus, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var cur models.SubjectStatus
	err := q.Where("did = ? AND record_path = ?", did, recordPath).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading subject status: %w", err)
	}
	return &cur, nil
}

func applyReport(c *applyCtx, cur *models.SubjectStatus) error {
	cur.LastReportedAt = &c.now

	if c.in.ReportType == ReasonAppeal {
		appealed := true
		cur.Appealed = &appealed
		cur.LastAppealedAt = &c.now
		cur.ReviewState = ReviewEscalated
		return nil
	}

	if cur.ReviewState == ReviewClosed {
		ever, err := everEscalated(c.tx, cur.Did, cur.RecordPath)
		if err != nil {
			return err
		}
		if !ever {
			cur.ReviewState = ReviewOpen
		}
	}
	return nil
}

// everEscalated reports whether the subject has ever been moved to the
// escalated state. Escalation is only ever produced by an escalate event or
// an appeal report, so the event log answers this directly.
func everEscalated(tx *gorm.DB, did, recordPath string) (bool, error) {
	var n int64
	q := tx.Model(&models.ModerationEvent{}).
		Where("subject_did = ? AND record_path = ?", did, recordPath).
		Where("action = ? OR (action = ? AND report_type = ?)", EventEscalate, EventReport, ReasonAppeal)
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func applyAcknowledge(c *applyCtx, cur *models.SubjectStatus) error {
	cur.ReviewState = ReviewClosed
	cur.LastReviewedAt = &c.now
	cur.LastReviewedBy = &c.evt.CreatedByDid
	// transient review flags clear; sticky comment and appealed survive
	cur.MuteUntil = nil
	return nil
}

func applyEscalate(c *applyCtx, cur *models.SubjectStatus) error {
	cur.ReviewState = ReviewEscalated
	cur.LastReviewedAt = &c.now
	cur.LastReviewedBy = &c.evt.CreatedByDid
	return nil
}

func applyTakedown(c *applyCtx, cur *models.SubjectStatus) error {
	if cur.Takendown {
		return ErrAlreadyTakenDown
	}
	cur.Takendown = true
	cur.ReviewState = ReviewClosed
	cur.LastReviewedAt = &c.now
	cur.LastReviewedBy = &c.evt.CreatedByDid
	if c.in.DurationInHours != nil {
		until := c.now.Add(time.Duration(*c.in.DurationInHours) * time.Hour)
		cur.SuspendUntil = &until
	}
	return nil
}

func applyReverseTakedown(c *applyCtx, cur *models.SubjectStatus) error {
	if !cur.Takendown {
		return ErrNotTakenDown
	}
	cur.Takendown = false
	cur.SuspendUntil = nil

	state, err := reviewStateBeforeTakedown(c.tx, cur.Did, cur.RecordPath)
	if err != nil {
		return err
	}
	cur.ReviewState = state
	// the review clock never rewinds
	cur.LastReviewedAt = &c.now
	cur.LastReviewedBy = &c.evt.CreatedByDid
	return nil
}

// reviewStateBeforeTakedown recomputes the review state from the most recent
// status-changing event prior to the takedown being reversed. Escalate,
// acknowledge and takedown count as status-changing; report, comment and tag
// do not.
func reviewStateBeforeTakedown(tx *gorm.DB, did, recordPath string) (string, error) {
	var takedown models.ModerationEvent
	q := tx.Where("subject_did = ? AND record_path = ? AND action = ?", did, recordPath, EventTakedown)
	err := q.Order("id desc").First(&takedown).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReviewClosed, nil
	}
	if err != nil {
		return "", err
	}

	var prior models.ModerationEvent
	q = tx.Where("subject_did = ? AND record_path = ? AND id < ?", did, recordPath, takedown.ID).
		Where("action IN ?", []string{EventEscalate, EventAcknowledge, EventTakedown})
	err = q.Order("id desc").First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReviewClosed, nil
	}
	if err != nil {
		return "", err
	}

	if prior.Action == EventEscalate {
		return ReviewEscalated, nil
	}
	return ReviewClosed, nil
}

func applyComment(c *applyCtx, cur *models.SubjectStatus) error {
	cur.LastReviewedAt = &c.now
	cur.LastReviewedBy = &c.evt.CreatedByDid
	if c.in.Sticky && c.in.Comment != "" {
		comment := c.in.Comment
		cur.Comment = &comment
	}
	return nil
}

func applyTag(c *applyCtx, cur *models.SubjectStatus) error {
	tags := splitVals(cur.Tags)
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		seen[t] = true
	}
	merged := make([]string, 0, len(tags)+len(c.in.AddTags))
	merged = append(merged, tags...)
	for _, t := range c.in.AddTags {
		if !seen[t] {
			seen[t] = true
			merged = append(merged, t)
		}
	}
	removed := make(map[string]bool, len(c.in.RemoveTags))
	for _, t := range c.in.RemoveTags {
		removed[t] = true
	}
	kept := merged[:0]
	for _, t := range merged {
		if !removed[t] {
			kept = append(kept, t)
		}
	}
	cur.Tags = joinVals(kept)
	return nil
}

func applyMute(c *applyCtx, cur *models.SubjectStatus) error {
	hours := int64(24)
	if c.in.DurationInHours != nil {
		hours = *c.in.DurationInHours
	}
	until := c.now.Add(time.Duration(hours) * time.Hour)
	cur.MuteUntil = &until
	cur.LastReviewedAt = &c.now
	cur.LastReviewedBy = &c.evt.CreatedByDid
	return nil
}

func applyUnmute(c *applyCtx, cur *models.SubjectStatus) error {
	cur.MuteUntil = nil
	cur.LastReviewedAt = &c.now
	cur.LastReviewedBy = &c.evt.CreatedByDid
	return nil
}

func applyResolveAppeal(c *applyCtx, cur *models.SubjectStatus) error {
	appealed := false
	cur.Appealed = &appealed
	return nil
}

// AgeAssuranceReset is the admin state that re-opens the field to
// user-origin updates.
const AgeAssuranceReset = "reset"

func applyAgeAssurance(c *applyCtx, cur *models.SubjectStatus) error {
	// Admin override holds until an explicit reset; the user event is still
	// recorded in the log, it just doesn't change the projection.
	if cur.AgeAssuranceUpdatedBy != nil && *cur.AgeAssuranceUpdatedBy == RoleAdmin {
		return nil
	}
	state := c.in.AgeAssuranceState
	origin := RoleUser
	cur.AgeAssuranceState = &state
	cur.AgeAssuranceUpdatedBy = &origin
	return nil
}

func applyAgeAssuranceOverride(c *applyCtx, cur *models.SubjectStatus) error {
	state := c.in.AgeAssuranceState
	if state == AgeAssuranceReset {
		cur.AgeAssuranceState = &state
		cur.AgeAssuranceUpdatedBy = nil
		return nil
	}
	origin := RoleAdmin
	cur.AgeAssuranceState = &state
	cur.AgeAssuranceUpdatedBy = &origin
	return nil
}

func applyNoStatusChange(c *applyCtx, cur *models.SubjectStatus) error {
	return nil
}
