package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/scheduler"
)

// Engine is the part of the scheduler the health server reports on.
type Engine interface {
	Status() scheduler.Status
	ResetBreaker(chainID int64) error
}

// HealthServer exposes liveness, scheduler status, circuit breaker control
// and Prometheus metrics of the scheduler process.
type HealthServer struct {
	port          int64
	engine        Engine
	chainIDs      []int64
	metricsAPIKey string
	logger        *logrus.Logger
}

func NewHealthServer(port int64, engine Engine, chainIDs []int64, metricsAPIKey string, logger *logrus.Logger) *HealthServer {
	return &HealthServer{
		port:          port,
		engine:        engine,
		chainIDs:      chainIDs,
		metricsAPIKey: metricsAPIKey,
		logger:        logger,
	}
}

func (h *HealthServer) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/ready", h.ready)
	e.GET("/status", h.status)
	e.POST("/circuit/reset", h.resetCircuit, h.requireAPIKey)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), h.requireAPIKey)
	return e
}

func (h *HealthServer) Start() error {
	h.logger.WithField("port", h.port).Info("Starting health and metrics server")
	return h.Router().Start(fmt.Sprintf(":%d", h.port))
}

// requireAPIKey is a no-op when no key is configured.
func (h *HealthServer) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.metricsAPIKey == "" {
			return next(c)
		}
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return c.String(http.StatusUnauthorized, "Missing Authorization header")
		}
		key, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			return c.String(http.StatusUnauthorized, "Invalid Authorization header format")
		}
		if key != h.metricsAPIKey {
			return c.String(http.StatusUnauthorized, "Invalid API key")
		}
		return next(c)
	}
}

func (h *HealthServer) ready(c echo.Context) error {
	if len(h.chainIDs) == 0 {
		return c.String(http.StatusServiceUnavailable, "No chains configured")
	}
	return c.String(http.StatusOK, "Ready")
}

func (h *HealthServer) status(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"chains":    h.chainIDs,
		"scheduler": h.engine.Status(),
	})
}

func (h *HealthServer) resetCircuit(c echo.Context) error {
	raw := c.QueryParam("chain")
	if raw == "" {
		return c.String(http.StatusBadRequest, "Missing chain parameter")
	}
	chainID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid chain ID")
	}
	if err := h.engine.ResetBreaker(chainID); err != nil {
		return c.String(http.StatusNotFound, err.Error())
	}
	return c.String(http.StatusOK, fmt.Sprintf("Circuit breaker for chain %d reset", chainID))
}
