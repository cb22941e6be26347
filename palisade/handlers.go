package palisade

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/palisade-social/palisade/moderation"
)

// resolveModerator authenticates the request and requires at least the
// triage role. Report submission is the only endpoint open to plain users.
func (srv *Server) resolveModerator(c echo.Context) (*moderation.Identity, error) {
	ident, err := srv.auth.ResolveIdentity(c.Request())
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if !ident.IsTriage() {
		return nil, echo.NewHTTPError(http.StatusForbidden, "moderation team access required")
	}
	return ident, nil
}

type reportSelectorBody struct {
	ReportIds   []uint64 `json:"reportIds,omitempty"`
	ReasonTypes []string `json:"reasonTypes,omitempty"`
	All         bool     `json:"all,omitempty"`
	Note        string   `json:"note,omitempty"`
}

type emitEventRequest struct {
	Kind       string `json:"kind"`
	Subject    string `json:"subject"`
	SubjectCid string `json:"subjectCid,omitempty"`

	Comment string `json:"comment,omitempty"`
	Sticky  bool   `json:"sticky,omitempty"`

	DurationInHours *int64 `json:"durationInHours,omitempty"`

	CreateLabelVals []string `json:"createLabelVals,omitempty"`
	NegateLabelVals []string `json:"negateLabelVals,omitempty"`

	AddTags    []string `json:"addTags,omitempty"`
	RemoveTags []string `json:"removeTags,omitempty"`

	SeverityLevel   string     `json:"severityLevel,omitempty"`
	StrikeCount     *int64     `json:"strikeCount,omitempty"`
	StrikeExpiresAt *time.Time `json:"strikeExpiresAt,omitempty"`

	AgeAssuranceState string `json:"ageAssuranceState,omitempty"`

	AcknowledgeAccountSubjects bool `json:"acknowledgeAccountSubjects,omitempty"`

	ResolvesReports *reportSelectorBody `json:"resolvesReports,omitempty"`
}

func (srv *Server) handleEmitEvent(c echo.Context) error {
	ident, err := srv.resolveModerator(c)
	if err != nil {
		return err
	}

	var req emitEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sub, err := moderation.ParseSubject(req.Subject, req.SubjectCid)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	in := moderation.Event{
		Kind:                       req.Kind,
		Comment:                    req.Comment,
		Sticky:                     req.Sticky,
		DurationInHours:            req.DurationInHours,
		CreateLabelVals:            req.CreateLabelVals,
		NegateLabelVals:            req.NegateLabelVals,
		AddTags:                    req.AddTags,
		RemoveTags:                 req.RemoveTags,
		SeverityLevel:              req.SeverityLevel,
		StrikeCount:                req.StrikeCount,
		StrikeExpiresAt:            req.StrikeExpiresAt,
		AgeAssuranceState:          req.AgeAssuranceState,
		AcknowledgeAccountSubjects: req.AcknowledgeAccountSubjects,
	}
	if req.ResolvesReports != nil {
		in.ResolvesReports = &moderation.ReportSelector{
			ReportIds:   req.ResolvesReports.ReportIds,
			ReasonTypes: req.ResolvesReports.ReasonTypes,
			All:         req.ResolvesReports.All,
			Note:        req.ResolvesReports.Note,
		}
	}

	evt, status, err := srv.svc.LogEvent(c.Request().Context(), *ident, sub, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"event":         evt,
		"subjectStatus": status,
	})
}

func (srv *Server) handleGetEvent(c echo.Context) error {
	if _, err := srv.resolveModerator(c); err != nil {
		return err
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	evt, err := srv.svc.GetEvent(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, evt)
}

func (srv *Server) handleListEvents(c echo.Context) error {
	if _, err := srv.resolveModerator(c); err != nil {
		return err
	}
	q := moderation.EventQuery{
		Subject:       c.QueryParam("subject"),
		Kinds:         splitParam(c.QueryParam("kinds")),
		CreatedBy:     c.QueryParam("createdBy"),
		CommentFilter: c.QueryParam("comment"),
		HasComment:    c.QueryParam("hasComment") == "true",
		AddedTags:     splitParam(c.QueryParam("addedTags")),
		RemovedTags:   splitParam(c.QueryParam("removedTags")),
		Ascending:     c.QueryParam("sortDirection") == "asc",
		Cursor:        c.QueryParam("cursor"),
		Limit:         intParam(c, "limit"),
	}
	if t, ok := timeParam(c, "createdAfter"); ok {
		q.CreatedAfter = &t
	}
	if t, ok := timeParam(c, "createdBefore"); ok {
		q.CreatedBefore = &t
	}

	rows, cursor, err := srv.svc.GetEvents(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": rows, "cursor": cursor})
}

func (srv *Server) handleListSubjectStatuses(c echo.Context) error {
	if _, err := srv.resolveModerator(c); err != nil {
		return err
	}
	q := moderation.SubjectStatusQuery{
		Subject:           c.QueryParam("subject"),
		Subjects:          splitParam(c.QueryParam("subjects")),
		ReviewStates:      splitParam(c.QueryParam("reviewStates")),
		AgeAssuranceState: c.QueryParam("ageAssuranceState"),
		SubjectType:       c.QueryParam("subjectType"),
		Tags:              splitParam(c.QueryParam("tags")),
		SortField:         c.QueryParam("sortField"),
		Ascending:         c.QueryParam("sortDirection") == "asc",
		Cursor:            c.QueryParam("cursor"),
		Limit:             intParam(c, "limit"),
	}
	if v := c.QueryParam("takendown"); v != "" {
		b := v == "true"
		q.Takendown = &b
	}
	if v := c.QueryParam("appealed"); v != "" {
		b := v == "true"
		q.Appealed = &b
	}

	rows, cursor, err := srv.svc.GetSubjectStatuses(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"subjectStatuses": rows, "cursor": cursor})
}

type createReportRequest struct {
	Subject    string `json:"subject"`
	SubjectCid string `json:"subjectCid,omitempty"`
	ReasonType string `json:"reasonType"`
	Reason     string `json:"reason,omitempty"`
}

func (srv *Server) handleCreateReport(c echo.Context) error {
	ident, err := srv.auth.ResolveIdentity(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req createReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ReasonType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reasonType is required")
	}
	sub, err := moderation.ParseSubject(req.Subject, req.SubjectCid)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	report, err := srv.svc.CreateReport(c.Request().Context(), *ident, sub, req.ReasonType, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (srv *Server) handleListReports(c echo.Context) error {
	if _, err := srv.resolveModerator(c); err != nil {
		return err
	}
	q := moderation.ReportQuery{
		Subject:     c.QueryParam("subject"),
		SubjectType: c.QueryParam("subjectType"),
		Collection:  c.QueryParam("collection"),
		ReasonTypes: splitParam(c.QueryParam("reasonTypes")),
		Statuses:    splitParam(c.QueryParam("statuses")),
		ReportedBy:  c.QueryParam("reportedBy"),
		Cursor:      c.QueryParam("cursor"),
		Limit:       intParam(c, "limit"),
	}
	rows, cursor, err := srv.svc.GetReports(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"reports": rows, "cursor": cursor})
}

type scheduleActionsRequest struct {
	Subjects []string `json:"subjects"`

	PolicyTags      []string `json:"policyTags,omitempty"`
	Comment         string   `json:"comment,omitempty"`
	DurationInHours *int64   `json:"durationInHours,omitempty"`

	ExecuteAt    *time.Time `json:"executeAt,omitempty"`
	ExecuteAfter *time.Time `json:"executeAfter,omitempty"`
	ExecuteUntil *time.Time `json:"executeUntil,omitempty"`
}

func (srv *Server) handleScheduleActions(c echo.Context) error {
	ident, err := srv.resolveModerator(c)
	if err != nil {
		return err
	}
	var req scheduleActionsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Subjects) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "subjects is required")
	}

	action := moderation.ScheduledTakedown{
		PolicyTags:      req.PolicyTags,
		Comment:         req.Comment,
		DurationInHours: req.DurationInHours,
	}
	window := moderation.Window{
		ExecuteAt:    req.ExecuteAt,
		ExecuteAfter: req.ExecuteAfter,
		ExecuteUntil: req.ExecuteUntil,
	}
	result, err := srv.svc.ScheduleActions(c.Request().Context(), *ident, req.Subjects, action, window)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type cancelScheduledActionsRequest struct {
	Subjects []string `json:"subjects"`
}

func (srv *Server) handleCancelScheduledActions(c echo.Context) error {
	ident, err := srv.resolveModerator(c)
	if err != nil {
		return err
	}
	var req cancelScheduledActionsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Subjects) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "subjects is required")
	}
	result, err := srv.svc.CancelScheduledActions(c.Request().Context(), *ident, req.Subjects)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (srv *Server) handleListScheduledActions(c echo.Context) error {
	if _, err := srv.resolveModerator(c); err != nil {
		return err
	}
	params := moderation.ListScheduledActionsParams{
		Subjects:  splitParam(c.QueryParam("subjects")),
		Statuses:  splitParam(c.QueryParam("statuses")),
		Cursor:    c.QueryParam("cursor"),
		Limit:     intParam(c, "limit"),
		Ascending: c.QueryParam("sortDirection") == "asc",
	}
	rows, cursor, err := srv.svc.ListScheduledActions(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"actions": rows, "cursor": cursor})
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func intParam(c echo.Context, name string) int {
	v := c.QueryParam(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func timeParam(c echo.Context, name string) (time.Time, bool) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
