// Package httpapi exposes submitRun, getStatus, cancelRun and listing over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/anomalyco/patchpilot/internal/logging"
	"github.com/anomalyco/patchpilot/internal/metrics"
	"github.com/anomalyco/patchpilot/internal/tracker"
	"github.com/gin-gonic/gin"
)

// Runs is the slice of the tracker the HTTP layer drives.
type Runs interface {
	Start(task contracts.Task, pipeline tracker.Pipeline) (uint64, error)
	Cancel(taskID string) error
	Status(taskID string) (contracts.TaskRunStatus, error)
	List() []contracts.TaskRunStatus
}

type TaskWriter interface {
	PutTask(ctx context.Context, task contracts.Task) error
}

type Options struct {
	Runs     Runs
	Tasks    contracts.TaskStore
	Writer   TaskWriter
	Pipeline tracker.Pipeline
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	runs     Runs
	tasks    contracts.TaskStore
	writer   TaskWriter
	pipeline tracker.Pipeline
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(options Options) *Server {
	registerValidators()
	return &Server{
		runs:     options.Runs,
		tasks:    options.Tasks,
		writer:   options.Writer,
		pipeline: options.Pipeline,
		metrics:  options.Metrics,
		logger:   logging.Component(options.Logger, "http"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/runs", s.handleSubmit)
		v1.GET("/runs", s.handleList)
		v1.GET("/runs/:id", s.handleStatus)
		v1.DELETE("/runs/:id", s.handleCancel)
	}
	return router
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	taskID := strings.TrimSpace(req.TaskID)
	ctx := c.Request.Context()

	if req.Task != nil {
		if s.writer == nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "inline tasks are not supported", Code: "INLINE_TASK_UNSUPPORTED"})
			return
		}
		task := contracts.Task{
			ID:             taskID,
			Title:          req.Task.Title,
			Description:    req.Task.Description,
			Language:       req.Task.Language,
			Requirements:   req.Task.Requirements,
			Metadata:       req.Task.Metadata,
			PriorArtifacts: contracts.ArtifactSet(req.Task.Files),
		}
		if err := s.writer.PutTask(ctx, task); err != nil {
			s.logger.Warn("store task", "task_id", taskID, "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "TASK_REJECTED"})
			return
		}
	}

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, contracts.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "TASK_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "TASK_LOAD_FAILED"})
		return
	}

	generation, err := s.runs.Start(task, s.pipeline)
	if err != nil {
		status := http.StatusInternalServerError
		code := "START_FAILED"
		if errors.Is(err, tracker.ErrClosed) {
			status = http.StatusServiceUnavailable
			code = "SHUTTING_DOWN"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	s.logger.Info("run accepted", "task_id", taskID, "generation", generation)
	c.JSON(http.StatusAccepted, SubmitRunResponse{TaskID: taskID, Generation: generation, Accepted: true})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.runs.Status(c.Param("id"))
	if err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleCancel(c *gin.Context) {
	taskID := c.Param("id")
	if err := s.runs.Cancel(taskID); err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelRunResponse{TaskID: taskID, Cancelled: true})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, ListRunsResponse{Runs: s.runs.List()})
}

func (s *Server) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, contracts.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found", Code: "RUN_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LOOKUP_FAILED"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}
