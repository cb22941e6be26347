package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/palisade-social/palisade/models"
)

// EventPusher fans takedown and label decisions out to downstream services.
// The core only calls it; delivery, retries and targets belong to the
// implementation.
type EventPusher interface {
	PushTakedown(ctx context.Context, sub Subject, ref string) error
	PushReverseTakedown(ctx context.Context, sub Subject) error
	PushLabels(ctx context.Context, uri string, cid *string, create, negate []string) error
}

// Notifier receives post-commit signals for the realtime layer. Implementations
// must not block; the hub queues its own broadcasts.
type Notifier interface {
	ReportCreated(report *models.Report)
	ReportsActioned(reportIds []uint64, evt *models.ModerationEvent)
}

type Service struct {
	db     *gorm.DB
	logger *slog.Logger

	pusher   EventPusher
	notifier Notifier

	reasonTypes *reasonTypeCache
}

func NewService(db *gorm.DB, logger *slog.Logger, pusher EventPusher, reasons ReasonTypeSource) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          db,
		logger:      logger.With("system", "moderation"),
		pusher:      pusher,
		reasonTypes: newReasonTypeCache(reasons, logger),
	}
}

// SetNotifier wires the realtime hub in after construction; the hub needs the
// service for auth lookups, so the dependency cannot run both ways at init.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) DB() *gorm.DB { return s.db }

// Migrate creates the tables for every moderation row type.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ModerationEvent{},
		&models.SubjectStatus{},
		&models.Report{},
		&models.ReportResolution{},
		&models.ScheduledAction{},
		&models.ModeratorAssignment{},
		&models.TeamMember{},
		&models.SeverityLevel{},
		&models.SafelinkRule{},
		&models.SafelinkEvent{},
		&models.Label{},
	)
}

// authorize consolidates every role gate in one place so the transition
// table stays free of permission logic. It runs before any state mutation.
func authorize(actor Identity, sub Subject, in *Event) error {
	switch in.Kind {
	case EventTakedown, EventReverseTakedown:
		if !actor.IsModerator() {
			return ErrTakedownRequiresModerator
		}
	case EventLabel:
		if !actor.IsModerator() {
			return ErrLabelRequiresModerator
		}
	case EventScheduleTakedown, EventCancelScheduledTakedown:
		if !actor.IsModerator() {
			return ErrScheduleRequiresModerator
		}
	case EventAgeAssuranceOverride:
		if !actor.IsAdmin() {
			return ErrOverrideRequiresAdmin
		}
	case EventReport:
		if in.ReportType == ReasonAppeal && actor.Did != sub.Did() && !actor.IsModerator() {
			return ErrAppealNotAllowed
		}
	}
	return nil
}

func validateEvent(sub Subject, in *Event) error {
	if _, ok := transitions[in.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventKind, in.Kind)
	}
	switch in.Kind {
	case EventLabel:
		if err := validateLabelVals(in.CreateLabelVals); err != nil {
			return err
		}
		if err := validateLabelVals(in.NegateLabelVals); err != nil {
			return err
		}
	case EventAgeAssurance, EventAgeAssuranceOverride:
		if sub.Type() != SubjectTypeAccount {
			return fmt.Errorf("%w: age assurance requires an account subject", ErrInvalidSubjectType)
		}
		if in.AgeAssuranceState == "" {
			return fmt.Errorf("age assurance event requires a state")
		}
	}
	return nil
}

// LogEvent appends a moderation event and recomputes the subject's status in
// one transaction. It is the single write path into the event store: API
// handlers, the scheduled sweep and internal resolution all come through
// here, so the transition invariants cannot be bypassed.
func (s *Service) LogEvent(ctx context.Context, actor Identity, sub Subject, in Event) (*models.ModerationEvent, *models.SubjectStatus, error) {
	if err := validateEvent(sub, &in); err != nil {
		return nil, nil, err
	}
	if err := authorize(actor, sub, &in); err != nil {
		return nil, nil, err
	}

	var (
		evt         *models.ModerationEvent
		status      *models.SubjectStatus
		actionedIds []uint64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		evt, status, err = s.logEventTx(tx, actor, sub, &in, time.Now())
		if err != nil {
			return err
		}
		if in.ResolvesReports != nil {
			actionedIds, err = actionReportsTx(tx, sub, *in.ResolvesReports, evt, status)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	eventsLogged.WithLabelValues(in.Kind).Inc()
	s.pushSideEffects(ctx, sub, evt, &in)
	if s.notifier != nil && len(actionedIds) > 0 {
		s.notifier.ReportsActioned(actionedIds, evt)
	}
	return evt, status, nil
}

// logEventTx inserts the event row and runs the projector inside the caller's
// transaction.
func (s *Service) logEventTx(tx *gorm.DB, actor Identity, sub Subject, in *Event, now time.Time) (*models.ModerationEvent, *models.SubjectStatus, error) {
	strikeCount, strikeExpires, err := resolveStrike(tx, sub.Did(), in, now)
	if err != nil {
		return nil, nil, err
	}

	evt := &models.ModerationEvent{
		Action:          in.Kind,
		SubjectType:     sub.Type(),
		SubjectDid:      sub.Did(),
		RecordPath:      sub.RecordPath(),
		SubjectUri:      sub.Uri(),
		SubjectCid:      sub.Cid(),
		CreatedByDid:    actor.Did,
		CreatedByRole:   actor.Role,
		CreatedAt:       now,
		Sticky:          in.Sticky,
		CreateLabelVals: joinVals(in.CreateLabelVals),
		NegateLabelVals: joinVals(in.NegateLabelVals),
		AddedTags:       joinVals(in.AddTags),
		RemovedTags:     joinVals(in.RemoveTags),
		DurationInHours: in.DurationInHours,
		StrikeCount:     strikeCount,
		StrikeExpiresAt: strikeExpires,
	}
	if in.Comment != "" {
		evt.Comment = &in.Comment
	}
	if in.ReportType != "" {
		evt.ReportType = &in.ReportType
	}
	if in.SeverityLevel != "" {
		evt.SeverityLevel = &in.SeverityLevel
	}
	if in.AgeAssuranceState != "" {
		evt.AgeAssuranceState = &in.AgeAssuranceState
	}
	if (in.Kind == EventTakedown || in.Kind == EventMute) && in.DurationInHours != nil {
		expires := now.Add(time.Duration(*in.DurationInHours) * time.Hour)
		evt.ExpiresAt = &expires
	}

	if err := tx.Create(evt).Error; err != nil {
		return nil, nil, fmt.Errorf("inserting moderation event: %w", err)
	}

	status, err := s.applyStatus(tx, sub, evt, in)
	if err != nil {
		return nil, nil, err
	}

	if in.Kind == EventLabel {
		if err := persistLabels(tx, sub, in, now); err != nil {
			return nil, nil, err
		}
	}

	// A time-boxed takedown schedules its own reversal; the sweep turns the
	// pending row into a reverse-takedown event when the window elapses.
	if in.Kind == EventTakedown && in.DurationInHours != nil {
		if err := schedulePendingReversal(tx, sub, actor, *evt.ExpiresAt, now); err != nil {
			return nil, nil, err
		}
	}
	if in.Kind == EventReverseTakedown {
		if err := cancelPendingReversal(tx, sub.Did(), now); err != nil {
			return nil, nil, err
		}
	}

	if (in.Kind == EventTakedown || in.Kind == EventAcknowledge) && in.AcknowledgeAccountSubjects {
		if err := s.resolveSubjectsForAccount(tx, sub.Did(), actor, now); err != nil {
			return nil, nil, err
		}
	}

	return evt, status, nil
}

// persistLabels maintains the durable label set. Negating an absent value or
// re-creating a present one leaves the set untouched; the event row above is
// the only trace of the no-op.
func persistLabels(tx *gorm.DB, sub Subject, in *Event, now time.Time) error {
	uri := sub.Did()
	if u := sub.Uri(); u != nil {
		uri = *u
	}
	for _, val := range in.CreateLabelVals {
		row := models.Label{Uri: uri, Cid: sub.Cid(), Val: val, Neg: false, CreatedAt: now, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uri"}, {Name: "val"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"neg": false, "updated_at": now}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("creating label %q: %w", val, err)
		}
	}
	for _, val := range in.NegateLabelVals {
		err := tx.Model(&models.Label{}).
			Where("uri = ? AND val = ? AND neg = ?", uri, val, false).
			Updates(map[string]interface{}{"neg": true, "updated_at": now}).Error
		if err != nil {
			return fmt.Errorf("negating label %q: %w", val, err)
		}
	}
	return nil
}

const autoResolveComment = "[AUTO_RESOLVE_FOR_TAKENDOWN_ACCOUNT]: automatically resolving reported content for a takendown account"

// resolveSubjectsForAccount acknowledges every open or escalated record of an
// account being taken down, resolving appeals first so the closure is
// consistent.
func (s *Service) resolveSubjectsForAccount(tx *gorm.DB, did string, actor Identity, now time.Time) error {
	var open []models.SubjectStatus
	err := tx.Where("did = ? AND record_path != '' AND review_state IN ?", did,
		[]string{ReviewOpen, ReviewEscalated}).Find(&open).Error
	if err != nil {
		return err
	}

	for _, row := range open {
		sub, err := subjectFromStatus(&row)
		if err != nil {
			return err
		}
		if row.Appealed != nil && *row.Appealed {
			resolve := Event{Kind: EventResolveAppeal, Comment: autoResolveComment}
			if _, _, err := s.logEventTx(tx, actor, sub, &resolve, now); err != nil {
				return err
			}
		}
		ack := Event{Kind: EventAcknowledge, Comment: autoResolveComment}
		if _, _, err := s.logEventTx(tx, actor, sub, &ack, now); err != nil {
			return err
		}
	}
	return nil
}

func subjectFromStatus(row *models.SubjectStatus) (Subject, error) {
	if row.RecordPath == "" {
		return AccountSubject{DID: row.Did}, nil
	}
	cid := ""
	if row.RecordCid != nil {
		cid = *row.RecordCid
	}
	return RecordSubject{AtUri: "at://" + row.Did + "/" + row.RecordPath, RecordCid: cid}, nil
}

// pushSideEffects notifies downstream services after commit. Push failures
// are logged, not returned: the event log is already authoritative and the
// pusher owns redelivery.
func (s *Service) pushSideEffects(ctx context.Context, sub Subject, evt *models.ModerationEvent, in *Event) {
	if s.pusher == nil {
		return
	}
	switch in.Kind {
	case EventTakedown:
		ref := fmt.Sprintf("PLSD-TAKEDOWN-%d", evt.ID)
		if err := s.pusher.PushTakedown(ctx, sub, ref); err != nil {
			s.logger.Error("failed to push takedown", "subject", sub.Did(), "err", err)
		}
	case EventReverseTakedown:
		if err := s.pusher.PushReverseTakedown(ctx, sub); err != nil {
			s.logger.Error("failed to push reverse takedown", "subject", sub.Did(), "err", err)
		}
	case EventLabel:
		uri := sub.Did()
		if u := sub.Uri(); u != nil {
			uri = *u
		}
		if err := s.pusher.PushLabels(ctx, uri, sub.Cid(), in.CreateLabelVals, in.NegateLabelVals); err != nil {
			s.logger.Error("failed to push labels", "subject", sub.Did(), "err", err)
		}
	}
}

// GetStatus returns the current projection for a subject, or nil if the
// subject has never seen an event.
func (s *Service) GetStatus(ctx context.Context, sub Subject) (*models.SubjectStatus, error) {
	var row models.SubjectStatus
	err := s.db.WithContext(ctx).
		Where("did = ? AND record_path = ?", sub.Did(), sub.RecordPath()).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetEvent looks up a single event by id.
func (s *Service) GetEvent(ctx context.Context, id uint64) (*models.ModerationEvent, error) {
	var evt models.ModerationEvent
	err := s.db.WithContext(ctx).First(&evt, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// GetTeamMember resolves a DID to a team member.
func (s *Service) GetTeamMember(ctx context.Context, did string) (*models.TeamMember, error) {
	var member models.TeamMember
	err := s.db.WithContext(ctx).Where("did = ?", did).First(&member).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}
