package moderation

import (
	"context"
	"encoding/base32"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/palisade-social/palisade/models"
)

// Cursors are opaque to clients: an encoded "sortValue:id" pair, where the id
// breaks ties between rows sharing a timestamp.

func encodeCursor(t time.Time, id uint64) string {
	comb := fmt.Sprintf("%d:%d", t.UTC().UnixMicro(), id)
	return base32.StdEncoding.EncodeToString([]byte(comb))
}

func decodeCursor(cursor string) (time.Time, uint64, error) {
	dec, err := base32.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(dec), ":", 2)
	if len(parts) != 2 {
		return time.Time{}, 0, fmt.Errorf("invalid cursor")
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid cursor: %w", err)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid cursor: %w", err)
	}
	return time.UnixMicro(micros).UTC(), id, nil
}

func encodeIdCursor(id uint64) string {
	return base32.StdEncoding.EncodeToString([]byte(strconv.FormatUint(id, 10)))
}

func decodeIdCursor(cursor string) (uint64, error) {
	dec, err := base32.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	id, err := strconv.ParseUint(string(dec), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	return id, nil
}

const (
	SortFieldCreatedAt      = "createdAt"
	SortFieldLastReviewedAt = "lastReviewedAt"
)

// SubjectStatusQuery filters the status projection list.
type SubjectStatusQuery struct {
	Subject           string   // did or at-uri, exact match
	Subjects          []string // alternative to Subject: match any of a set
	ReviewStates      []string
	AgeAssuranceState string
	Takendown         *bool
	Appealed          *bool
	SubjectType       string // "account" or "record"
	Tags              []string

	SortField string // createdAt (default) or lastReviewedAt
	Ascending bool
	Cursor    string
	Limit     int
}

// GetSubjectStatuses pages through the projection with an opaque cursor. The
// sort column pairs with the row id so pagination is stable under concurrent
// writes.
func (s *Service) GetSubjectStatuses(ctx context.Context, q SubjectStatusQuery) ([]models.SubjectStatus, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sortCol := "created_at"
	if q.SortField == SortFieldLastReviewedAt {
		// never-reviewed rows sort by creation time so a cursor cannot
		// silently drop them from the sequence
		sortCol = "COALESCE(last_reviewed_at, created_at)"
	}

	db := s.db.WithContext(ctx).Model(&models.SubjectStatus{})
	if q.Subject != "" {
		did, recordPath, err := subjectKey(q.Subject)
		if err != nil {
			return nil, "", err
		}
		db = db.Where("did = ? AND record_path = ?", did, recordPath)
	}
	if len(q.Subjects) > 0 {
		conds := make([]string, 0, len(q.Subjects))
		args := make([]interface{}, 0, 2*len(q.Subjects))
		for _, ident := range q.Subjects {
			did, recordPath, err := subjectKey(ident)
			if err != nil {
				return nil, "", err
			}
			conds = append(conds, "(did = ? AND record_path = ?)")
			args = append(args, did, recordPath)
		}
		db = db.Where(strings.Join(conds, " OR "), args...)
	}
	if len(q.ReviewStates) > 0 {
		db = db.Where("review_state IN ?", q.ReviewStates)
	}
	if q.AgeAssuranceState != "" {
		db = db.Where("age_assurance_state = ?", q.AgeAssuranceState)
	}
	if q.Takendown != nil {
		db = db.Where("takendown = ?", *q.Takendown)
	}
	if q.Appealed != nil {
		db = db.Where("appealed = ?", *q.Appealed)
	}
	switch q.SubjectType {
	case SubjectTypeAccount:
		db = db.Where("record_path = ''")
	case SubjectTypeRecord:
		db = db.Where("record_path != ''")
	}
	for _, tag := range q.Tags {
		db = db.Where("tags LIKE ?", "%"+tag+"%")
	}

	cmp := "<"
	order := "desc"
	if q.Ascending {
		cmp = ">"
		order = "asc"
	}
	if q.Cursor != "" {
		t, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		db = db.Where(fmt.Sprintf("(%s %s ?) OR (%s = ? AND id %s ?)", sortCol, cmp, sortCol, cmp), t, t, id)
	}

	var rows []models.SubjectStatus
	err := db.Order(fmt.Sprintf("%s %s, id %s", sortCol, order, order)).Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, "", err
	}

	cursor := ""
	if len(rows) == limit {
		last := rows[len(rows)-1]
		sortVal := last.CreatedAt
		if q.SortField == SortFieldLastReviewedAt && last.LastReviewedAt != nil {
			sortVal = *last.LastReviewedAt
		}
		cursor = encodeCursor(sortVal, last.ID)
	}
	return rows, cursor, nil
}

// subjectKey resolves a did or at-uri into the (did, recordPath) pair the
// status table is keyed on.
func subjectKey(ident string) (string, string, error) {
	sub, err := ParseSubject(ident, "")
	if err != nil {
		return "", "", err
	}
	return sub.Did(), sub.RecordPath(), nil
}

// EventQuery filters the event log list.
type EventQuery struct {
	Subject       string // did or at-uri
	Kinds         []string
	CreatedBy     string
	CommentFilter string // substring match on comment
	HasComment    bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	AddedTags     []string
	RemovedTags   []string

	Ascending bool
	Cursor    string
	Limit     int
}

// GetEvents lists events from the log, newest first by default.
func (s *Service) GetEvents(ctx context.Context, q EventQuery) ([]models.ModerationEvent, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	db := s.db.WithContext(ctx).Model(&models.ModerationEvent{})
	if q.Subject != "" {
		sub, err := ParseSubject(q.Subject, "")
		if err != nil {
			return nil, "", err
		}
		db = db.Where("subject_did = ?", sub.Did())
		if uri := sub.Uri(); uri != nil {
			db = db.Where("subject_uri = ?", *uri)
		} else {
			db = db.Where("subject_uri IS NULL")
		}
	}
	if len(q.Kinds) > 0 {
		db = db.Where("action IN ?", q.Kinds)
	}
	if q.CreatedBy != "" {
		db = db.Where("created_by_did = ?", q.CreatedBy)
	}
	if q.HasComment {
		db = db.Where("comment IS NOT NULL AND comment != ''")
	}
	if q.CommentFilter != "" {
		db = db.Where("comment LIKE ?", "%"+q.CommentFilter+"%")
	}
	if q.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *q.CreatedAfter)
	}
	if q.CreatedBefore != nil {
		db = db.Where("created_at <= ?", *q.CreatedBefore)
	}
	for _, tag := range q.AddedTags {
		db = db.Where("added_tags LIKE ?", "%"+tag+"%")
	}
	for _, tag := range q.RemovedTags {
		db = db.Where("removed_tags LIKE ?", "%"+tag+"%")
	}

	order := "id desc"
	if q.Ascending {
		order = "id asc"
	}
	if q.Cursor != "" {
		id, err := decodeIdCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		if q.Ascending {
			db = db.Where("id > ?", id)
		} else {
			db = db.Where("id < ?", id)
		}
	}

	var rows []models.ModerationEvent
	if err := db.Order(order).Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", err
	}
	cursor := ""
	if len(rows) == limit {
		cursor = encodeIdCursor(rows[len(rows)-1].ID)
	}
	return rows, cursor, nil
}

// ReportQuery filters the report ledger list.
type ReportQuery struct {
	Subject     string // did or at-uri
	SubjectType string
	Collection  string // record collection NSID, e.g. app.bsky.feed.post
	ReasonTypes []string
	Statuses    []string
	ReportedBy  string

	Cursor string
	Limit  int
}

// GetReports lists reports newest first.
func (s *Service) GetReports(ctx context.Context, q ReportQuery) ([]models.Report, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	db := s.db.WithContext(ctx).Model(&models.Report{})
	if q.Subject != "" {
		sub, err := ParseSubject(q.Subject, "")
		if err != nil {
			return nil, "", err
		}
		db = db.Where("subject_did = ?", sub.Did())
		if uri := sub.Uri(); uri != nil {
			db = db.Where("subject_uri = ?", *uri)
		} else {
			db = db.Where("subject_uri IS NULL")
		}
	}
	if q.SubjectType != "" {
		db = db.Where("subject_type = ?", q.SubjectType)
	}
	if q.Collection != "" {
		db = db.Where("subject_uri LIKE ?", "at://%/"+q.Collection+"/%")
	}
	if len(q.ReasonTypes) > 0 {
		db = db.Where("reason_type IN ?", q.ReasonTypes)
	}
	if len(q.Statuses) > 0 {
		db = db.Where("status IN ?", q.Statuses)
	}
	if q.ReportedBy != "" {
		db = db.Where("reported_by_did = ?", q.ReportedBy)
	}
	if q.Cursor != "" {
		id, err := decodeIdCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		db = db.Where("id < ?", id)
	}

	var rows []models.Report
	if err := db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", err
	}
	cursor := ""
	if len(rows) == limit {
		cursor = encodeIdCursor(rows[len(rows)-1].ID)
	}
	return rows, cursor, nil
}

// GetEventResolutions lists the reports an event resolved.
func (s *Service) GetEventResolutions(ctx context.Context, eventId uint64) ([]models.ReportResolution, error) {
	var rows []models.ReportResolution
	err := s.db.WithContext(ctx).Where("event_id = ?", eventId).Find(&rows).Error
	return rows, err
}
