package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"

	"github.com/palisade-social/palisade/models"
)

const (
	ReportStatusOpen      = "open"
	ReportStatusClosed    = "closed"
	ReportStatusEscalated = "escalated"
)

// ReasonTypeSource advertises the currently accepted report reason types.
// In production this is a remote policy service; lookups are cached and
// failures fail open so reporting never stalls on the dependency.
type ReasonTypeSource interface {
	ListReasonTypes(ctx context.Context) ([]string, error)
}

const reasonTypeCacheTTL = 5 * time.Minute

type reasonTypeCache struct {
	source ReasonTypeSource
	cache  *lru.LRU[string, map[string]bool]
	logger *slog.Logger
}

func newReasonTypeCache(source ReasonTypeSource, logger *slog.Logger) *reasonTypeCache {
	return &reasonTypeCache{
		source: source,
		cache:  lru.NewLRU[string, map[string]bool](1, nil, reasonTypeCacheTTL),
		logger: logger,
	}
}

// allowed reports whether a reason type passes the advertised allow-list.
// When the source is unavailable the reason is accepted: blocking all
// reporting is worse than accepting an unknown reason.
func (c *reasonTypeCache) allowed(ctx context.Context, reasonType string) bool {
	if c.source == nil {
		return true
	}
	allow, ok := c.cache.Get("reasonTypes")
	if !ok {
		types, err := c.source.ListReasonTypes(ctx)
		if err != nil {
			c.logger.Warn("reason type lookup failed, accepting reason", "reasonType", reasonType, "err", err)
			return true
		}
		allow = make(map[string]bool, len(types))
		for _, t := range types {
			allow[t] = true
		}
		c.cache.Add("reasonTypes", allow)
	}
	return allow[reasonType]
}

// CreateReport records a user report and logs the corresponding report event
// through the projector, in one transaction.
func (s *Service) CreateReport(ctx context.Context, reporter Identity, sub Subject, reasonType, reason string) (*models.Report, error) {
	if !s.reasonTypes.allowed(ctx, reasonType) {
		return nil, fmt.Errorf("unknown report reason type: %q", reasonType)
	}

	// Report creation goes through the same gates as LogEvent; appeals in
	// particular are only open to the content author or a moderator.
	in := Event{Kind: EventReport, ReportType: reasonType, Comment: reason}
	if err := validateEvent(sub, &in); err != nil {
		return nil, err
	}
	if err := authorize(reporter, sub, &in); err != nil {
		return nil, err
	}

	now := time.Now()
	report := &models.Report{
		SubjectType:   sub.Type(),
		SubjectDid:    sub.Did(),
		SubjectUri:    sub.Uri(),
		SubjectCid:    sub.Cid(),
		ReasonType:    reasonType,
		ReportedByDid: reporter.Did,
		Status:        ReportStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if reason != "" {
		report.Reason = &reason
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(report).Error; err != nil {
			return fmt.Errorf("inserting report: %w", err)
		}
		if _, _, err := s.logEventTx(tx, reporter, sub, &in, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reportsCreated.WithLabelValues(reasonType).Inc()
	if s.notifier != nil {
		s.notifier.ReportCreated(report)
	}
	return report, nil
}

// ReportSelector picks which of a subject's reports an action resolves:
// explicit ids, a set of reason types, or everything still open or
// escalated.
type ReportSelector struct {
	ReportIds   []uint64
	ReasonTypes []string
	All         bool
	// Note is stamped on every actioned report, last writer wins.
	Note string
}

// ActionReports advances the selected reports to the status matching the
// event's effect and links them to the resolving event. Every explicitly
// selected id must belong to the subject; cross-subject ids reject the whole
// call rather than being silently dropped.
func (s *Service) ActionReports(ctx context.Context, sub Subject, sel ReportSelector, evt *models.ModerationEvent, note string) (int, error) {
	status, err := s.GetStatus(ctx, sub)
	if err != nil {
		return 0, err
	}
	var ids []uint64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel.Note = note
		ids, err = actionReportsTx(tx, sub, sel, evt, status)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.notifier != nil && len(ids) > 0 {
		s.notifier.ReportsActioned(ids, evt)
	}
	return len(ids), nil
}

func actionReportsTx(tx *gorm.DB, sub Subject, sel ReportSelector, evt *models.ModerationEvent, status *models.SubjectStatus) ([]uint64, error) {
	q := tx.Where("subject_did = ?", sub.Did())
	if uri := sub.Uri(); uri != nil {
		q = q.Where("subject_uri = ?", *uri)
	} else {
		q = q.Where("subject_uri IS NULL")
	}

	switch {
	case len(sel.ReportIds) > 0:
		q = q.Where("id IN ?", sel.ReportIds)
	case len(sel.ReasonTypes) > 0:
		q = q.Where("reason_type IN ?", sel.ReasonTypes).
			Where("status IN ?", []string{ReportStatusOpen, ReportStatusEscalated})
	case sel.All:
		q = q.Where("status IN ?", []string{ReportStatusOpen, ReportStatusEscalated})
	default:
		return nil, ErrNoMatchingReports
	}

	var reports []models.Report
	if err := q.Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("selecting reports: %w", err)
	}
	if len(reports) == 0 {
		return nil, ErrNoMatchingReports
	}
	if len(sel.ReportIds) > 0 && len(reports) != len(sel.ReportIds) {
		// some requested ids belong to another subject or don't exist
		return nil, ErrNoMatchingReports
	}

	// The report lands in the state the event drove the subject to: an
	// escalation escalates its reports, anything else closes them.
	next := ReportStatusClosed
	if status != nil && status.ReviewState == ReviewEscalated && evt.Action == EventEscalate {
		next = ReportStatusEscalated
	}

	now := time.Now()
	ids := make([]uint64, 0, len(reports))
	for _, r := range reports {
		updates := map[string]interface{}{"status": next, "updated_at": now}
		if sel.Note != "" {
			updates["action_note"] = sel.Note
		}
		if err := tx.Model(&models.Report{}).Where("id = ?", r.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("updating report %d: %w", r.ID, err)
		}
		res := models.ReportResolution{
			ReportId:     r.ID,
			EventId:      evt.ID,
			CreatedAt:    now,
			CreatedByDid: evt.CreatedByDid,
		}
		if err := tx.Create(&res).Error; err != nil {
			return nil, fmt.Errorf("linking report %d to event %d: %w", r.ID, evt.ID, err)
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}
