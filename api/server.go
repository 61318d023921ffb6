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
	"golang.org/x/time/rate"

	"github.com/vultisig/shadowvault/internal/mpcsim"
	"github.com/vultisig/shadowvault/internal/tasks"
	"github.com/vultisig/shadowvault/internal/types"
)

// Server exposes the computation network's job API.
type Server struct {
	port      int64
	queue     mpcsim.Queue
	projectID string
	apiKey    string
	rateLimit rate.Limit
	sdClient  statsd.ClientInterface
	logger    *logrus.Logger
}

// NewServer returns a new server. A zero rateLimit disables per-client rate limiting.
func NewServer(port int64,
	queue mpcsim.Queue,
	projectID string,
	apiKey string,
	rateLimit float64,
	sdClient statsd.ClientInterface) *Server {
	return &Server{
		port:      port,
		queue:     queue,
		projectID: projectID,
		apiKey:    apiKey,
		rateLimit: rate.Limit(rateLimit),
		sdClient:  sdClient,
		logger:    logrus.WithField("service", "api").Logger,
	}
}

// Echo builds the router.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.DEBUG)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	if s.rateLimit > 0 {
		limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{Rate: s.rateLimit, Burst: int(s.rateLimit) * 6, ExpiresIn: 5 * time.Minute},
		)
		e.Use(middleware.RateLimiter(limiterStore))
	}
	e.GET("/ping", s.Ping)

	grp := e.Group("/v1", s.AuthMiddleware)
	grp.POST("/jobs", s.SubmitJob)
	grp.GET("/jobs/:jobId", s.GetJob)
	return e
}

func (s *Server) StartServer() error {
	return s.Echo().Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "mpc simulator is running")
}

// SubmitJob accepts a computation job and queues it.
func (s *Server) SubmitJob(c echo.Context) error {
	var req types.JobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("fail to parse request, err: %v", err)})
	}
	if err := req.IsValid(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	jobID, err := s.queue.Enqueue(c.Request().Context(), req)
	if err != nil {
		s.logger.Errorf("fail to enqueue job, err: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	s.logger.WithFields(logrus.Fields{
		"job_id":          jobID,
		"computation_ref": req.ComputationRef,
		"operation":       req.Operation,
	}).Info("job accepted")
	return c.JSON(http.StatusOK, types.ComputationJob{JobID: jobID, Status: types.JobStatusQueued})
}

// GetJob reports a job's status and, once completed, its sealed result.
func (s *Server) GetJob(c echo.Context) error {
	jobID := c.Param("jobId")
	if jobID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	job, err := s.queue.Lookup(c.Request().Context(), jobID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		}
		s.logger.Errorf("fail to look up job, err: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, job)
}
