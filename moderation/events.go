package moderation

import (
	"strings"
	"time"
)

// Event kinds form a closed set. Each kind has a status transition handler
// registered in the transitions table in projector.go; emitting a kind with
// no handler is a validation error.
const (
	EventReport                  = "report"
	EventAcknowledge             = "acknowledge"
	EventEscalate                = "escalate"
	EventTakedown                = "takedown"
	EventReverseTakedown         = "reverseTakedown"
	EventLabel                   = "label"
	EventComment                 = "comment"
	EventTag                     = "tag"
	EventMute                    = "mute"
	EventUnmute                  = "unmute"
	EventResolveAppeal           = "resolveAppeal"
	EventAgeAssurance            = "ageAssurance"
	EventAgeAssuranceOverride    = "ageAssuranceOverride"
	EventScheduleTakedown        = "scheduleTakedown"
	EventCancelScheduledTakedown = "cancelScheduledTakedown"
	EventEmail                   = "email"
)

const (
	ReviewOpen      = "open"
	ReviewEscalated = "escalated"
	ReviewClosed    = "closed"
)

const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleTriage    = "triage"
	// RoleUser marks actors with no team membership, e.g. reporters and
	// appellants acting on their own content.
	RoleUser = "user"
)

const ReasonAppeal = "appeal"

// Identity is the resolved actor of an event: who they are plus the role
// they held at the time of the action.
type Identity struct {
	Did  string
	Role string
}

func (id Identity) IsAdmin() bool     { return id.Role == RoleAdmin }
func (id Identity) IsModerator() bool { return id.Role == RoleAdmin || id.Role == RoleModerator }
func (id Identity) IsTriage() bool {
	return id.Role == RoleAdmin || id.Role == RoleModerator || id.Role == RoleTriage
}

// Event is the kind-tagged input to LogEvent. Only the fields relevant to
// the kind are consulted; the rest are ignored.
type Event struct {
	Kind    string
	Comment string
	// Sticky makes a comment event persist on the subject status.
	Sticky bool

	// report
	ReportType string

	// takedown / mute; zero or negative duration means already due
	DurationInHours *int64

	// label
	CreateLabelVals []string
	NegateLabelVals []string

	// tag
	AddTags    []string
	RemoveTags []string

	// strike accounting
	SeverityLevel   string
	StrikeCount     *int64
	StrikeExpiresAt *time.Time

	// age assurance
	AgeAssuranceState string

	// takedown: also acknowledge all open subjects of the account
	AcknowledgeAccountSubjects bool

	// which reports this action resolves, if any
	ResolvesReports *ReportSelector

	// email
	SubjectLine string
}

func joinVals(vals []string) *string {
	if len(vals) == 0 {
		return nil
	}
	s := strings.Join(vals, " ")
	return &s
}

func splitVals(s *string) []string {
	if s == nil || *s == "" {
		return nil
	}
	return strings.Fields(*s)
}

// label values end up in wire protocols downstream, keep them to a safe charset
var labelBadChars = " ,;'\""

func validateLabelVals(vals []string) error {
	for _, v := range vals {
		if v == "" || strings.ContainsAny(v, labelBadChars) {
			return ErrInvalidLabelVal
		}
	}
	return nil
}
