// Package api serves the test stand over HTTP: configs, constants, tests,
// results and live run progress.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/analysis"
	"github.com/robproject/lre-sendes/pkg/plotting"
	"github.com/robproject/lre-sendes/pkg/result"
	"github.com/robproject/lre-sendes/pkg/sendesdb"
	"github.com/robproject/lre-sendes/pkg/types"
	"go.uber.org/zap"
)

// Store is the persistence the API needs.
type Store interface {
	analysis.Store

	CreateConstants(ctx context.Context, c types.PhysicalConstants) (*types.PhysicalConstants, bool, error)
	GetConstants(ctx context.Context, id int64) (*types.PhysicalConstants, error)
	ActiveConstants(ctx context.Context) (*types.PhysicalConstants, error)
	ListConstants(ctx context.Context) ([]types.PhysicalConstants, error)
	ActivateConstants(ctx context.Context, id int64) error

	CreateConfig(ctx context.Context, cfg types.AcquisitionConfig) (*types.AcquisitionConfig, bool, error)
	ActiveConfig(ctx context.Context) (*types.AcquisitionConfig, error)
	ListConfigs(ctx context.Context) ([]types.AcquisitionConfig, error)
	UpdateConfigValidation(ctx context.Context, cfg types.AcquisitionConfig) error
	ActivateConfig(ctx context.Context, id int64) error

	InsertTest(ctx context.Context, t *types.Test) error
	ListTests(ctx context.Context) ([]types.Test, error)
}

type Server struct {
	echo       *echo.Echo
	store      Store
	controller *acquisition.Controller
	analyzer   *analysis.Analyzer
	plotter    *plotting.Plotter
	hub        *Hub
	logger     *zap.Logger
}

// NewServer wires the routes. The controller should report progress to
// hub so that /ws subscribers see runs started through the API.
func NewServer(store Store, controller *acquisition.Controller, hub *Hub, plotDir string, logger *zap.Logger) (*Server, error) {
	if store == nil || controller == nil || hub == nil {
		return nil, fmt.Errorf("store, controller and hub are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:       e,
		store:      store,
		controller: controller,
		analyzer:   analysis.NewAnalyzer(store, logger),
		plotter:    plotting.New(plotDir, logger),
		hub:        hub,
		logger:     logger,
	}
	s.registerRoutes(plotDir)
	return s, nil
}

func (s *Server) registerRoutes(plotDir string) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/ws", s.hub.Handle)
	s.echo.Static("/plots", plotDir)

	s.echo.GET("/constants", s.handleListConstants)
	s.echo.POST("/constants", s.handleCreateConstants)
	s.echo.POST("/constants/:id/activate", s.handleActivateConstants)

	s.echo.GET("/configs", s.handleListConfigs)
	s.echo.POST("/configs", s.handleCreateConfig)
	s.echo.POST("/configs/:id/activate", s.handleActivateConfig)

	s.echo.GET("/tests", s.handleListTests)
	s.echo.POST("/tests", s.handleRunTest)
	s.echo.GET("/tests/:id", s.handleGetTest)
	s.echo.PUT("/tests/:id/window", s.handleSetWindow)
	s.echo.GET("/tests/:id/images", s.handleTestImages)

	s.echo.GET("/results/:id", s.handleResult)
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

type HealthResponse struct {
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Busy: s.controller.Busy()})
}

func (s *Server) handleListConstants(c echo.Context) error {
	all, err := s.store.ListConstants(c.Request().Context())
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, all)
}

type CreatedResponse[T any] struct {
	Item    T    `json:"item"`
	Created bool `json:"created"`
}

func (s *Server) handleCreateConstants(c echo.Context) error {
	var req types.PhysicalConstants
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	stored, created, err := s.store.CreateConstants(ctx, req)
	if err != nil {
		return s.fail(err)
	}
	if req.IsActive {
		if err := s.store.ActivateConstants(ctx, stored.ID); err != nil {
			return s.fail(err)
		}
		stored.IsActive = true
	}
	return c.JSON(createdStatus(created), CreatedResponse[*types.PhysicalConstants]{Item: stored, Created: created})
}

func (s *Server) handleActivateConstants(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := s.store.ActivateConstants(c.Request().Context(), id); err != nil {
		return s.fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListConfigs(c echo.Context) error {
	all, err := s.store.ListConfigs(c.Request().Context())
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, all)
}

type ConfigRequest struct {
	ScanRate              int `json:"scan_rate"`
	ReadCount             int `json:"read_count"`
	StreamSettlingUS      int `json:"stream_settling_us"`
	StreamResolutionIndex int `json:"stream_resolution_index"`
}

// handleCreateConfig stores the config, dry-runs it when it has not been
// validated before, and activates it if it passed.
func (s *Server) handleCreateConfig(c echo.Context) error {
	var req ConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cfg := types.NewAcquisitionConfig(req.ScanRate, req.ReadCount, req.StreamSettlingUS, req.StreamResolutionIndex)
	if err := cfg.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	stored, created, err := s.store.CreateConfig(ctx, cfg)
	if err != nil {
		return s.fail(err)
	}
	if !stored.IsValid {
		validated, err := s.controller.ValidateConfig(ctx, *stored)
		if err != nil {
			return s.fail(err)
		}
		if err := s.store.UpdateConfigValidation(ctx, validated); err != nil {
			return s.fail(err)
		}
		stored = &validated
	}
	if stored.IsValid {
		if err := s.store.ActivateConfig(ctx, stored.ID); err != nil {
			return s.fail(err)
		}
		stored.IsActive = true
	}
	return c.JSON(createdStatus(created), CreatedResponse[*types.AcquisitionConfig]{Item: stored, Created: created})
}

func (s *Server) handleActivateConfig(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := s.store.ActivateConfig(c.Request().Context(), id); err != nil {
		return s.fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListTests(c echo.Context) error {
	all, err := s.store.ListTests(c.Request().Context())
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, all)
}

type RunRequest struct {
	Live *bool `json:"live"`
}

// TestResponse is a test without its raw reads.
type TestResponse struct {
	*types.Test
	ScanCount     int    `json:"scan_count"`
	AnalysisError string `json:"analysis_error,omitempty"`
}

func newTestResponse(t *types.Test) TestResponse {
	r := TestResponse{Test: t, ScanCount: t.ScanCount()}
	t.Reads = nil
	return r
}

// handleRunTest records a test with the active config and constants.
func (s *Server) handleRunTest(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	live := req.Live == nil || *req.Live

	ctx := c.Request().Context()
	cfg, err := s.store.ActiveConfig(ctx)
	if err != nil {
		if errors.Is(err, sendesdb.ErrNotFound) {
			return echo.NewHTTPError(http.StatusConflict, "no active acquisition config")
		}
		return s.fail(err)
	}
	constants, err := s.store.ActiveConstants(ctx)
	if err != nil {
		if errors.Is(err, sendesdb.ErrNotFound) {
			return echo.NewHTTPError(http.StatusConflict, "no active physical constants")
		}
		return s.fail(err)
	}

	test, err := s.controller.Run(ctx, *cfg, constants.ID, live)
	if err != nil {
		return s.fail(err)
	}
	if err := s.store.InsertTest(ctx, test); err != nil {
		return s.fail(err)
	}
	s.logger.Info("test stored", zap.Int64("test_id", test.ID), zap.String("run_id", test.RunID))
	return c.JSON(http.StatusCreated, newTestResponse(test))
}

// handleGetTest analyzes the test on first view.
func (s *Server) handleGetTest(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	test, err := s.analyzer.EnsureAnalyzed(ctx, id)
	if errors.Is(err, analysis.ErrWindowTooSmall) {
		test, err = s.store.GetTest(ctx, id)
		if err != nil {
			return s.fail(err)
		}
		resp := newTestResponse(test)
		resp.AnalysisError = analysis.ErrWindowTooSmall.Error()
		return c.JSON(http.StatusOK, resp)
	}
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, newTestResponse(test))
}

type WindowRequest struct {
	WindowStart  int `json:"window_start"`
	WindowFinish int `json:"window_finish"`
}

func (s *Server) handleSetWindow(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req WindowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	test, err := s.analyzer.SetWindow(c.Request().Context(), id, req.WindowStart, req.WindowFinish)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, newTestResponse(test))
}

type ImagesResponse struct {
	Images []string `json:"images"`
}

func (s *Server) handleTestImages(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	test, err := s.store.GetTest(c.Request().Context(), id)
	if err != nil {
		return s.fail(err)
	}
	paths, err := s.plotter.TestImages(test)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, ImagesResponse{Images: plotURLs(paths...)})
}

type ResultResponse struct {
	TestID      int64          `json:"test_id"`
	ConstantsID int64          `json:"constants_id"`
	Result      *result.Result `json:"result"`
	Image       string         `json:"image"`
}

// handleResult computes Cd for a test, with its own constants unless
// constants_id is given.
func (s *Server) handleResult(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	test, err := s.analyzer.EnsureAnalyzed(ctx, id)
	if err != nil {
		return s.fail(err)
	}

	constantsID := test.ConstantsID
	if raw := c.QueryParam("constants_id"); raw != "" {
		if constantsID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid constants_id")
		}
	}
	constants, err := s.store.GetConstants(ctx, constantsID)
	if err != nil {
		return s.fail(err)
	}

	res, err := result.Compute(test.Stats, test.ScanRateActual, *constants)
	if err != nil {
		return s.fail(err)
	}
	image, err := s.plotter.ResultImage(test, constantsID, res)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, ResultResponse{
		TestID:      test.ID,
		ConstantsID: constantsID,
		Result:      res,
		Image:       plotURLs(image)[0],
	})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(err error) error {
	switch {
	case errors.Is(err, sendesdb.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, acquisition.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, sendesdb.ErrConfigInvalid),
		errors.Is(err, types.ErrInvalidWindow),
		errors.Is(err, analysis.ErrWindowTooSmall),
		errors.Is(err, result.ErrResultUndefined):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, types.ErrInvalidConfig), errors.Is(err, types.ErrInvalidConstants):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func plotURLs(paths ...string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = "/plots/" + filepath.Base(p)
	}
	return out
}
