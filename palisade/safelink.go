package palisade

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/palisade-social/palisade/moderation"
)

type safelinkRuleRequest struct {
	Url     string `json:"url"`
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	Comment string `json:"comment,omitempty"`
}

func (req *safelinkRuleRequest) input() moderation.SafelinkRuleInput {
	return moderation.SafelinkRuleInput{
		Url:     req.Url,
		Pattern: req.Pattern,
		Action:  req.Action,
		Reason:  req.Reason,
		Comment: req.Comment,
	}
}

func (srv *Server) handleAddSafelinkRule(c echo.Context) error {
	ident, err := srv.resolveModerator(c)
	if err != nil {
		return err
	}
	var req safelinkRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rule, err := srv.svc.AddSafelinkRule(c.Request().Context(), *ident, req.input())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

func (srv *Server) handleUpdateSafelinkRule(c echo.Context) error {
	ident, err := srv.resolveModerator(c)
	if err != nil {
		return err
	}
	var req safelinkRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rule, err := srv.svc.UpdateSafelinkRule(c.Request().Context(), *ident, req.input())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

func (srv *Server) handleRemoveSafelinkRule(c echo.Context) error {
	ident, err := srv.resolveModerator(c)
	if err != nil {
		return err
	}
	var req safelinkRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := srv.svc.RemoveSafelinkRule(c.Request().Context(), *ident, req.input()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": true})
}

func (srv *Server) handleListSafelinkRules(c echo.Context) error {
	if _, err := srv.resolveModerator(c); err != nil {
		return err
	}
	q := moderation.SafelinkQuery{
		Urls:    splitParam(c.QueryParam("urls")),
		Pattern: c.QueryParam("pattern"),
		Actions: splitParam(c.QueryParam("actions")),
		Cursor:  c.QueryParam("cursor"),
		Limit:   intParam(c, "limit"),
	}
	rows, cursor, err := srv.svc.ListSafelinkRules(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"rules": rows, "cursor": cursor})
}

func (srv *Server) handleListSafelinkEvents(c echo.Context) error {
	if _, err := srv.resolveModerator(c); err != nil {
		return err
	}
	q := moderation.SafelinkQuery{
		Urls:    splitParam(c.QueryParam("urls")),
		Pattern: c.QueryParam("pattern"),
		Cursor:  c.QueryParam("cursor"),
		Limit:   intParam(c, "limit"),
	}
	rows, cursor, err := srv.svc.ListSafelinkEvents(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": rows, "cursor": cursor})
}
