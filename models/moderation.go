package models

import (
	"time"
)

// ModerationEvent is the append-only log of moderation decisions. Rows are
// never updated or deleted; corrections are recorded as new events.
type ModerationEvent struct {
	ID            uint64 `gorm:"primaryKey"`
	Action      string `gorm:"not null;index"`
	SubjectType string `gorm:"not null"`
	SubjectDid  string `gorm:"not null;index"`
	// record path of the subject ("" for accounts, "blob/<cid>" for blobs);
	// the (SubjectDid, RecordPath) pair is the same key SubjectStatus uses
	RecordPath string `gorm:"not null;default:''"`
	SubjectUri *string
	SubjectCid    *string
	CreatedByDid  string    `gorm:"not null;index"`
	CreatedByRole string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index"`
	Comment       *string
	Sticky        bool

	// report events
	ReportType *string

	// takedown / mute events
	DurationInHours *int64
	ExpiresAt       *time.Time

	// label events, space-separated values
	CreateLabelVals *string
	NegateLabelVals *string

	// tag events, space-separated values
	AddedTags   *string
	RemovedTags *string

	// strike accounting
	SeverityLevel   *string
	StrikeCount     *int64
	StrikeExpiresAt *time.Time

	// age assurance events
	AgeAssuranceState *string

	// freeform metadata blob (JSON)
	Meta *string
}

// SubjectStatus is the mutable projection derived from the event log, one row
// per subject. It is only ever written by the status projector.
type SubjectStatus struct {
	ID         uint64 `gorm:"primaryKey"`
	Did        string `gorm:"not null;uniqueIndex:idx_subject_status_subject"`
	RecordPath string `gorm:"not null;default:'';uniqueIndex:idx_subject_status_subject"`
	RecordCid  *string

	ReviewState  string `gorm:"not null;index"`
	Takendown    bool
	SuspendUntil *time.Time
	MuteUntil    *time.Time

	Appealed       *bool
	LastAppealedAt *time.Time

	// sticky comment, survives review state changes
	Comment *string

	// space-separated tag set
	Tags *string

	AgeAssuranceState     *string
	AgeAssuranceUpdatedBy *string

	ActiveStrikeCount int64

	LastReviewedAt *time.Time
	LastReviewedBy *string
	LastReportedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Report struct {
	ID            uint64 `gorm:"primaryKey"`
	SubjectType   string `gorm:"not null"`
	SubjectDid    string `gorm:"not null;index"`
	SubjectUri    *string
	SubjectCid    *string
	ReasonType    string `gorm:"not null;index"`
	Reason        *string
	ReportedByDid string    `gorm:"not null"`
	Status        string    `gorm:"not null;index"`
	ActionNote    *string
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time
}

// ReportResolution links a report to the moderation event that actioned it.
type ReportResolution struct {
	ReportId     uint64    `gorm:"primaryKey"`
	EventId      uint64    `gorm:"primaryKey;index"`
	CreatedAt    time.Time `gorm:"not null"`
	CreatedByDid string    `gorm:"not null"`
}

type ScheduledAction struct {
	ID                 uint64 `gorm:"primaryKey"`
	Action             string `gorm:"not null"`
	EventData          *string
	SubjectDid         string `gorm:"not null;index"`
	ExecuteAt          *time.Time
	ExecuteAfter       *time.Time
	ExecuteUntil       *time.Time
	RandomizeExecution bool
	CreatedByDid       string `gorm:"not null"`
	Status             string `gorm:"not null;index"`
	LastExecutedAt     *time.Time
	LastFailureReason  *string
	ExecutionEventId   *uint64
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time
}

// ModeratorAssignment is an ephemeral, time-boxed claim on a report or queue.
// It coordinates moderators in real time and never decides moderation outcome.
type ModeratorAssignment struct {
	ID        uint64  `gorm:"primaryKey"`
	ReportId  *uint64 `gorm:"index"`
	QueueId   *int64  `gorm:"index"`
	Did       string  `gorm:"not null;index"`
	StartAt   time.Time `gorm:"not null"`
	EndAt     time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}

type TeamMember struct {
	ID        uint64 `gorm:"primaryKey"`
	Did       string `gorm:"not null;uniqueIndex"`
	Handle    string
	Role      string `gorm:"not null"`
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SeverityLevel configures strike weights per severity tag. A zero
// StrikeOnOccurrence means every occurrence contributes; N means the first
// N-1 occurrences for an account contribute nothing.
type SeverityLevel struct {
	ID                 uint64 `gorm:"primaryKey"`
	Name               string `gorm:"not null;uniqueIndex"`
	StrikeCount        int64
	StrikeOnOccurrence int64
	ExpiresInDays      int64
	NeedsTakedown      bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SafelinkRule is an active URL moderation rule. One active rule per
// (url, pattern); mutations are journaled in SafelinkEvent.
type SafelinkRule struct {
	ID           uint64 `gorm:"primaryKey"`
	Url          string `gorm:"not null;index"`
	Pattern      string `gorm:"not null"`
	Action       string `gorm:"not null"`
	Reason       string `gorm:"not null"`
	Comment      *string
	CreatedByDid string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// SafelinkEvent is the append-only journal of safelink rule mutations.
type SafelinkEvent struct {
	ID           uint64 `gorm:"primaryKey"`
	EventType    string `gorm:"not null"`
	Url          string `gorm:"not null;index"`
	Pattern      string `gorm:"not null"`
	Action       string `gorm:"not null"`
	Reason       string `gorm:"not null"`
	Comment      *string
	CreatedByDid string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

// Label is the persisted label set for a subject. Apply/negate are idempotent
// against this table even though every label event stays in the log.
type Label struct {
	ID        uint64 `gorm:"primaryKey"`
	Uri       string `gorm:"not null;uniqueIndex:idx_label_subject_val"`
	Cid       *string
	Val       string `gorm:"not null;uniqueIndex:idx_label_subject_val"`
	Neg       bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
