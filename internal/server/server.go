// Package server exposes the bot over HTTP: the Telegram webhook, manual
// triggers for the scheduled jobs and a read-only availability view.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"courtbot/internal/lock"
	"courtbot/internal/models"
	"courtbot/internal/slots"
	"courtbot/internal/syncer"
	"courtbot/internal/telegram"
)

// SecretHeader carries the webhook secret on Telegram deliveries.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type Dispatcher interface {
	Handle(ctx context.Context, in models.Incoming)
	Pull(ctx context.Context) (int, error)
}

type Polls interface {
	Tick(ctx context.Context) error
}

type Syncer interface {
	Sync(ctx context.Context) ([]syncer.Result, error)
}

type Locker interface {
	Do(ctx context.Context, name string, fn func(context.Context) error) error
}

type Availability interface {
	Availability(ctx context.Context) (*slots.Grid, error)
}

// BotSetup registers the webhook and the command menu.
type BotSetup interface {
	SetWebhook(ctx context.Context, url, secret string) error
	SetCommands(ctx context.Context, commands [][2]string) error
}

// Deps are the components behind the routes. Syncer may be nil when no
// source calendar is configured.
type Deps struct {
	Dispatcher   Dispatcher
	Polls        Polls
	Syncer       Syncer
	Lock         Locker
	Availability Availability
	Setup        BotSetup
	Commands     [][2]string
}

type Config struct {
	// Secret authenticates Telegram deliveries and the admin routes.
	Secret string
	// LockName is shared by every scheduled job.
	LockName string
	Location *time.Location
}

type Server struct {
	echo   *echo.Echo
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New builds the echo instance with all routes.
func New(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("Request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("Request served", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, deps: deps, cfg: cfg, logger: logger, now: time.Now}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/calendar", s.calendar)

	tg := s.echo.Group("/telegram", s.requireSecret)
	tg.POST("/webhook", s.webhook)
	tg.POST("/pull", s.pull)
	tg.POST("/menu", s.menu)
	tg.POST("/webhook/setup", s.setupWebhook)

	s.echo.POST("/polls/tick", s.tick, s.requireSecret)
	s.echo.POST("/calendar/sync", s.sync, s.requireSecret)
}

// SetClock replaces the time source.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP server listening.", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requireSecret accepts either the Telegram secret header or a bearer token.
func (s *Server) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.Secret == "" {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "secret is not configured")
		}
		got := c.Request().Header.Get(SecretHeader)
		if got == "" {
			got, _ = strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid secret")
		}
		return next(c)
	}
}

// webhook always acknowledges a well-formed update so Telegram does not
// redeliver it; failures are reported by the dispatcher.
func (s *Server) webhook(c echo.Context) error {
	var update tgbotapi.Update
	if err := c.Bind(&update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed update")
	}
	s.deps.Dispatcher.Handle(c.Request().Context(), telegram.ToIncoming(update))
	return c.NoContent(http.StatusOK)
}

func (s *Server) pull(c echo.Context) error {
	n, err := s.deps.Dispatcher.Pull(c.Request().Context())
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"handled": n})
}

func (s *Server) menu(c echo.Context) error {
	if err := s.deps.Setup.SetCommands(c.Request().Context(), s.deps.Commands); err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"commands": len(s.deps.Commands)})
}

type webhookRequest struct {
	URL string `json:"url"`
}

func (s *Server) setupWebhook(c echo.Context) error {
	var req webhookRequest
	if err := c.Bind(&req); err != nil || !strings.HasPrefix(req.URL, "https://") {
		return echo.NewHTTPError(http.StatusBadRequest, "an https url is required")
	}
	if err := s.deps.Setup.SetWebhook(c.Request().Context(), req.URL, s.cfg.Secret); err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"url": req.URL})
}

func (s *Server) tick(c echo.Context) error {
	err := s.deps.Lock.Do(c.Request().Context(), s.cfg.LockName, s.deps.Polls.Tick)
	if err != nil {
		return s.fail(err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) sync(c echo.Context) error {
	if s.deps.Syncer == nil {
		return echo.NewHTTPError(http.StatusNotFound, "calendar sync is not configured")
	}
	var results []syncer.Result
	err := s.deps.Lock.Do(c.Request().Context(), s.cfg.LockName, func(ctx context.Context) error {
		var err error
		results, err = s.deps.Syncer.Sync(ctx)
		return err
	})
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, results)
}

type dayView struct {
	Date string   `json:"date"`
	Free []string `json:"free"`
}

func (s *Server) calendar(c echo.Context) error {
	grid, err := s.deps.Availability.Availability(c.Request().Context())
	if err != nil {
		return s.fail(err)
	}
	days := make([]dayView, 0)
	for _, day := range grid.DaysWithAvailability(s.now().In(s.cfg.Location)) {
		view := dayView{Date: day.Format(time.DateOnly)}
		for _, slot := range grid.EmptySlots(day) {
			view.Free = append(view.Free, slot.String())
		}
		days = append(days, view)
	}
	return c.JSON(http.StatusOK, days)
}

// fail logs err and hides its text from the caller.
func (s *Server) fail(err error) error {
	if errors.Is(err, lock.ErrNotAcquired) {
		return echo.NewHTTPError(http.StatusConflict, "another run is in progress")
	}
	s.logger.Error("Request failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
