// Package api exposes the agent subsystem over authenticated HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opspilot/internal/engine"
	"opspilot/internal/learning"
	"opspilot/internal/models"
	"opspilot/internal/monitor"
	"opspilot/internal/store"
)

// Executor runs agent tasks and records feedback.
type Executor interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*models.Execution, error)
	RecordFeedback(orgID, execID uint, rating int, helpful bool, comment string) (*models.Execution, error)
}

// Sweeper runs proactive monitor sweeps.
type Sweeper interface {
	RunSweep(ctx context.Context, orgID uint) (*monitor.SweepSummary, error)
}

// Analyzer runs learning analyses.
type Analyzer interface {
	Analyze(ctx context.Context, orgID, agentID uint, analysisType string) (*learning.Report, error)
}

// ExecutionStore reads persisted executions for the API.
type ExecutionStore interface {
	GetExecution(orgID, execID uint) (*models.Execution, error)
}

// Server is the HTTP surface of the agent subsystem.
type Server struct {
	Router   *gin.Engine
	executor Executor
	sweeper  Sweeper
	analyzer Analyzer
	store    ExecutionStore
	hub      *Hub
	logger   *zap.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(executor Executor, sweeper Sweeper, analyzer Analyzer, execStore ExecutionStore, hub *Hub, jwtSecret string, logger *zap.Logger) *Server {
	router := gin.Default()

	s := &Server{
		Router:   router,
		executor: executor,
		sweeper:  sweeper,
		analyzer: analyzer,
		store:    execStore,
		hub:      hub,
		logger:   logger,
	}
	s.setupRoutes(jwtSecret)
	return s
}

func (s *Server) setupRoutes(jwtSecret string) {
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "opspilot API is running"})
	})

	v1 := s.Router.Group("/api/v1")
	v1.Use(AuthMiddleware(jwtSecret))
	{
		v1.POST("/agents/:id/execute", s.ExecuteTask)
		v1.POST("/agents/:id/learn", s.RunLearning)
		v1.POST("/monitors/run", RequireRole("admin"), s.RunSweep)
		v1.POST("/executions/:id/feedback", s.SubmitFeedback)
		v1.GET("/executions/:id", s.GetExecution)
		v1.GET("/executions/watch", s.hub.handleWatch)
	}
}

func (s *Server) ExecuteTask(c *gin.Context) {
	agentID, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		OrganizationID uint                   `json:"organization_id"`
		Task           string                 `json:"task" binding:"required"`
		Context        map[string]interface{} `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exec, err := s.executor.Execute(c.Request.Context(), engine.ExecuteRequest{
		AgentID:        agentID,
		OrganizationID: callerOrg(c, req.OrganizationID),
		Task:           req.Task,
		Context:        req.Context,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
			return
		}
		body := gin.H{"error": err.Error()}
		if exec != nil {
			body["execution_id"] = exec.ID
			body["completed_steps"] = exec.Result
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id":  exec.ID,
		"trace_id":      exec.TraceID,
		"status":        exec.Status,
		"plan":          exec.Plan,
		"results":       exec.Result,
		"confidence":    exec.Confidence,
		"chain_length":  len(exec.Plan),
		"error_message": exec.ErrorMessage,
	})
}

func (s *Server) RunSweep(c *gin.Context) {
	var req struct {
		OrganizationID uint `json:"organization_id"`
	}
	// The body is optional when the token carries the organization.
	_ = c.ShouldBindJSON(&req)

	orgID := callerOrg(c, req.OrganizationID)
	if orgID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}

	summary, err := s.sweeper.RunSweep(c.Request.Context(), orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"monitors_checked":   summary.MonitorsChecked,
		"triggers_activated": summary.TriggersActivated,
		"results":            summary.Results,
	})
}

func (s *Server) RunLearning(c *gin.Context) {
	agentID, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		OrganizationID uint   `json:"organization_id"`
		AnalysisType   string `json:"analysis_type"`
	}
	_ = c.ShouldBindJSON(&req)

	orgID := callerOrg(c, req.OrganizationID)
	if orgID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}

	report, err := s.analyzer.Analyze(c.Request.Context(), orgID, agentID, req.AnalysisType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"learning": report,
		"message":  "Learning analysis completed",
	})
}

func (s *Server) SubmitFeedback(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Rating  int    `json:"rating" binding:"required"`
		Helpful bool   `json:"helpful"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exec, err := s.executor.RecordFeedback(c.GetUint(ctxOrgID), execID, req.Rating, req.Helpful, req.Comment)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRating) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Feedback recorded",
		"execution_id": exec.ID,
	})
}

func (s *Server) GetExecution(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	exec, err := s.store.GetExecution(c.GetUint(ctxOrgID), execID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
		return
	}
	c.JSON(http.StatusOK, exec)
}

// pathID parses the numeric :id path segment, writing the 400 itself
// on failure.
func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
