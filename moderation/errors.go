package moderation

import (
	"errors"
	"fmt"
)

// Conflict errors. None of these are retried automatically; callers surface
// them to the operator who decides what to do next.
var (
	ErrAlreadyTakenDown = errors.New("subject is already taken down")
	ErrNotTakenDown     = errors.New("subject is not taken down")
	ErrDuplicatePending = errors.New("a pending scheduled action already exists for this subject")
)

// Validation errors, rejected before any state is written.
var (
	ErrInvalidWindow      = errors.New("executeAfter must be before executeUntil")
	ErrUnknownEventKind   = errors.New("unknown moderation event kind")
	ErrInvalidSubjectType = errors.New("invalid subject type for this event kind")
	ErrInvalidLabelVal    = errors.New("invalid label value")
)

// Not-found errors.
var (
	ErrEventNotFound     = errors.New("moderation event not found")
	ErrNoPendingAction   = errors.New("no pending scheduled actions found for subject")
	ErrNoMatchingReports = errors.New("no matching reports found for subject")
	ErrMemberNotFound    = errors.New("team member not found")
)

// AuthorizationError is returned when the actor's role is too low for the
// requested event kind. Each rule has its own fixed instance so clients can
// branch on which rule rejected them.
type AuthorizationError struct {
	Rule string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized: %s", e.Rule)
}

var (
	ErrTakedownRequiresModerator = &AuthorizationError{Rule: "must be a full moderator to take down or reverse a takedown"}
	ErrLabelRequiresModerator    = &AuthorizationError{Rule: "must be a full moderator to label content"}
	ErrScheduleRequiresModerator = &AuthorizationError{Rule: "must be a full moderator to schedule or cancel actions"}
	ErrAppealNotAllowed          = &AuthorizationError{Rule: "appeals may only be submitted by the content author or a moderator"}
	ErrOverrideRequiresAdmin     = &AuthorizationError{Rule: "must be an admin to override age assurance state"}
	ErrSafelinkRequiresModerator = &AuthorizationError{Rule: "must be a full moderator to mutate safelink rules"}
)
