package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/service"
	"github.com/vultisig/autotransfer/storage"
)

type Server struct {
	port        int64
	sdClient    statsd.ClientInterface
	transfers   *service.TransferService
	authService *service.AuthService
	logger      *logrus.Logger
}

// NewServer returns a new server.
func NewServer(port int64,
	sdClient statsd.ClientInterface,
	transfers *service.TransferService,
	authService *service.AuthService,
	logger *logrus.Logger) *Server {
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	return &Server{
		port:        port,
		sdClient:    sdClient,
		transfers:   transfers,
		authService: authService,
		logger:      logger,
	}
}

// Router builds the echo instance with every route mounted.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.INFO)
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))
	e.GET("/ping", s.Ping)

	grp := e.Group("/v1", s.AuthMiddleware)
	grp.POST("/transfers/once", s.ScheduleOnce)
	grp.POST("/transfers/recurring", s.ScheduleRecurring)
	grp.POST("/transfers/pattern", s.ScheduleFromPattern)
	grp.POST("/transfers/cron", s.ScheduleCron)
	grp.GET("/transfers", s.ListTransfers)
	grp.GET("/transfers/:id", s.GetTransfer)
	grp.GET("/transfers/:id/attempts", s.ListTransferAttempts)
	grp.DELETE("/transfers/:id", s.CancelItem)
	grp.DELETE("/schedules/:id", s.CancelSchedule)

	grp.POST("/triggers", s.CreatePriceTrigger)
	grp.GET("/triggers/:id", s.GetPriceTrigger)
	grp.DELETE("/triggers/:id", s.CancelItem)

	grp.GET("/ready/:id", s.IsReady)
	grp.POST("/sweep", s.SweepNow)
	grp.POST("/token/refresh", s.RefreshToken)
	return e
}

func (s *Server) StartServer() error {
	e := s.Router()
	s.logger.WithField("port", s.port).Info("Starting API server")
	return e.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Autotransfer is running")
}

// errorHandler maps engine errors to status codes. Echo's own errors keep
// their code.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := echo.Map{"error": err.Error()}

	var he *echo.HTTPError
	var txErr *types.TransactionError
	switch {
	case errors.As(err, &he):
		status = he.Code
		body["error"] = fmt.Sprint(he.Message)
	case errors.As(err, &txErr):
		body["code"] = txErr.Code
		switch txErr.Code {
		case types.ErrInvalidSchedule, types.ErrUnsupportedChain:
			status = http.StatusBadRequest
		}
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrStatusConflict):
		status = http.StatusConflict
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"path":  c.Path(),
			"error": err,
		}).Error("Request failed")
		body = echo.Map{"error": "internal error"}
	}
	if err := c.JSON(status, body); err != nil {
		s.logger.WithError(err).Error("Failed to write error response")
	}
}
