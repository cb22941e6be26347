package palisade

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/palisade-social/palisade/hub"
	"github.com/palisade-social/palisade/moderation"
)

type Config struct {
	Logger     *slog.Logger
	Bind       string
	QueueCount int
	Keys       hub.KeyDirectory
	Pusher     moderation.EventPusher
	Reasons    moderation.ReasonTypeSource
}

// Server ties the moderation service, the realtime hub and the HTTP API
// together.
type Server struct {
	db     *gorm.DB
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger

	svc  *moderation.Service
	hub  *hub.Hub
	auth *hub.Authenticator
}

func NewServer(db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	if err := moderation.Migrate(db); err != nil {
		return nil, err
	}

	svc := moderation.NewService(db, logger, config.Pusher, config.Reasons)
	auth := hub.NewAuthenticator(svc, config.Keys)
	h := hub.NewHub(svc, auth, logger, hub.Config{QueueCount: config.QueueCount})
	svc.SetNotifier(h)

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	srv := &Server{
		db:     db,
		echo:   e,
		logger: logger,
		svc:    svc,
		hub:    h,
		auth:   auth,
	}
	e.HTTPErrorHandler = srv.errorHandler

	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	e.GET("/_health", srv.handleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws/assignments", h.HandleAssignmentsSocket)

	api := e.Group("/api/v1")
	api.POST("/moderation/events", srv.handleEmitEvent)
	api.GET("/moderation/events", srv.handleListEvents)
	api.GET("/moderation/events/:id", srv.handleGetEvent)
	api.GET("/moderation/subjects", srv.handleListSubjectStatuses)
	api.POST("/moderation/scheduledActions", srv.handleScheduleActions)
	api.POST("/moderation/scheduledActions/cancel", srv.handleCancelScheduledActions)
	api.GET("/moderation/scheduledActions", srv.handleListScheduledActions)
	api.POST("/reports", srv.handleCreateReport)
	api.GET("/reports", srv.handleListReports)
	api.POST("/safelink/rules", srv.handleAddSafelinkRule)
	api.POST("/safelink/rules/update", srv.handleUpdateSafelinkRule)
	api.POST("/safelink/rules/remove", srv.handleRemoveSafelinkRule)
	api.GET("/safelink/rules", srv.handleListSafelinkRules)
	api.GET("/safelink/events", srv.handleListSafelinkEvents)

	return srv, nil
}

func (srv *Server) Service() *moderation.Service { return srv.svc }
func (srv *Server) Hub() *hub.Hub                { return srv.hub }

// RunAPI blocks serving HTTP until the listener fails or Shutdown is called.
func (srv *Server) RunAPI() error {
	srv.logger.Info("starting palisade server", "bind", srv.httpd.Addr)
	err := srv.httpd.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpd.Shutdown(ctx)
}

func (srv *Server) handleHealthCheck(c echo.Context) error {
	if sqldb, err := srv.db.DB(); err != nil || sqldb.PingContext(c.Request().Context()) != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "reason": "database unreachable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": versioninfo.Short(),
	})
}

// errorHandler maps domain errors onto HTTP statuses in one place so
// handlers can return them unwrapped.
func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var httpErr *echo.HTTPError
	var authErr *moderation.AuthorizationError

	switch {
	case errors.As(err, &httpErr):
		c.JSON(httpErr.Code, map[string]any{"error": httpErr.Message})
		return
	case errors.As(err, &authErr):
		code = http.StatusForbidden
	case errors.Is(err, moderation.ErrAlreadyTakenDown),
		errors.Is(err, moderation.ErrNotTakenDown),
		errors.Is(err, moderation.ErrDuplicatePending),
		errors.Is(err, moderation.ErrSafelinkRuleExists),
		errors.Is(err, hub.ErrAlreadyAssigned):
		code = http.StatusConflict
	case errors.Is(err, moderation.ErrInvalidWindow),
		errors.Is(err, moderation.ErrUnknownEventKind),
		errors.Is(err, moderation.ErrInvalidSubjectType),
		errors.Is(err, moderation.ErrInvalidLabelVal),
		errors.Is(err, moderation.ErrInvalidSafelinkPattern),
		errors.Is(err, moderation.ErrInvalidSafelinkAction):
		code = http.StatusBadRequest
	case errors.Is(err, moderation.ErrEventNotFound),
		errors.Is(err, moderation.ErrNoPendingAction),
		errors.Is(err, moderation.ErrNoMatchingReports),
		errors.Is(err, moderation.ErrSafelinkRuleNotFound),
		errors.Is(err, moderation.ErrMemberNotFound):
		code = http.StatusNotFound
	}

	if code == http.StatusInternalServerError {
		srv.logger.Error("request failed", "path", c.Path(), "err", err)
		c.JSON(code, map[string]any{"error": "internal server error"})
		return
	}
	c.JSON(code, map[string]any{"error": err.Error()})
}
