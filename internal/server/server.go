package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/config"
	"github.com/SpehKing/eo-cd-slo-sub000/internal/log"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/service"
)

// Server is the externally reachable control and monitoring surface:
// it accepts control commands, serves status/progress snapshots and
// streams broadcasts to observers.
type Server struct {
	echo *echo.Echo
	cfg  *config.Manager
	sm   *service.StateManager
	mon  *service.Monitor
}

func New(cfg *config.Manager, sm *service.StateManager, mon *service.Monitor) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		log.GetLogger().Errorf("%d %s %s: %v", code, c.Request().Method, c.Request().URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	s := &Server{echo: e, cfg: cfg, sm: sm, mon: mon}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/status", s.getStatus)
	e.POST("/api/command", s.postCommand)
	e.GET("/api/events", s.streamEvents)
	e.GET("/api/config", s.getConfig)
	e.PUT("/api/config", s.putConfig)

	return s
}

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	log.GetLogger().Infof("Control server listening on %s", addr)
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mon.Snapshot())
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Accepted   bool   `json:"accepted"`
	Command    string `json:"command"`
	TasksReset int    `json:"tasks_reset,omitempty"`
}

// postCommand acknowledges a control command immediately; the controller
// observes it at its next cooperative checkpoint.
func (s *Server) postCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed command body")
	}
	cmd, err := service.ParseCommand(req.Command)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp := commandResponse{Accepted: true, Command: string(cmd)}
	if cmd == service.RetryFailedCommand {
		resp.TasksReset = s.sm.ResetAllFailed()
		s.mon.Broadcast()
		return c.JSON(http.StatusOK, resp)
	}
	if err := s.mon.PostCommand(cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// streamEvents delivers progress snapshots over Server-Sent Events until
// the client disconnects or falls behind the broadcast.
func (s *Server) streamEvents(c echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	id, ch := s.mon.Subscribe()
	defer s.mon.Unsubscribe(id)

	send := func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	// Initial snapshot so a new observer does not wait for the next broadcast.
	if err := send(s.mon.Snapshot()); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case snap, open := <-ch:
			if !open {
				return nil
			}
			if err := send(snap); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) getConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cfg.Settings())
}

// putConfig updates the operator-mutable settings; refused while a run is
// active, and rejected when any field fails its declared bound.
func (s *Server) putConfig(c echo.Context) error {
	var settings config.Settings
	if err := c.Bind(&settings); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed settings body")
	}
	if err := s.cfg.Update(settings); err != nil {
		if err == config.ErrRunActive {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	log.GetLogger().Infof("Configuration updated via control channel")
	return c.JSON(http.StatusOK, s.cfg.Settings())
}
