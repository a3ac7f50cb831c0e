package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/orchestration"
)

type createProjectRequest struct {
	Alias         string  `json:"alias" binding:"required"`
	Name          string  `json:"name" binding:"required"`
	Description   *string `json:"description"`
	Directory     *string `json:"directory"`
	RepositoryURL *string `json:"repositoryUrl"`
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project := &model.Project{
		ID:            uuid.New().String(),
		Alias:         req.Alias,
		Name:          req.Name,
		Description:   req.Description,
		Directory:     req.Directory,
		RepositoryURL: req.RepositoryURL,
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, projects)
}

type createIssueRequest struct {
	ProjectID   string `json:"projectId" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Priority    int    `json:"priority"`
	UseWorktree bool   `json:"useWorktree"`
	DevMode     bool   `json:"devMode"`
}

func (s *Server) handleCreateIssue(c *gin.Context) {
	var req createIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issue := &model.Issue{
		ID:          uuid.New().String(),
		ProjectID:   req.ProjectID,
		StatusID:    model.IssueStatusTodo,
		Title:       req.Title,
		Priority:    req.Priority,
		UseWorktree: req.UseWorktree,
		DevMode:     req.DevMode,
	}
	if err := s.store.CreateIssue(c.Request.Context(), issue); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, issue)
}

func (s *Server) handleGetIssue(c *gin.Context) {
	issue, err := s.store.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, issue)
}

func (s *Server) handleListLogs(c *gin.Context) {
	entries, err := s.store.ListLogEntries(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

type executeRequest struct {
	EngineType     string `json:"engineType" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	Model          string `json:"model"`
	PermissionMode string `json:"permissionMode"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	executionID, err := s.engine.ExecuteIssue(c.Request.Context(), c.Param("id"), orchestration.ExecuteOptions{
		EngineType:     req.EngineType,
		Prompt:         req.Prompt,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"executionId": executionID})
}

type followUpRequest struct {
	Prompt         string `json:"prompt" binding:"required"`
	Model          string `json:"model"`
	PermissionMode string `json:"permissionMode"`
	BusyAction     string `json:"busyAction"`
}

func (s *Server) handleFollowUp(c *gin.Context) {
	var req followUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	busyAction := orchestration.BusyQueue
	if req.BusyAction == string(orchestration.BusyInterrupt) {
		busyAction = orchestration.BusyInterrupt
	}
	executionID, err := s.engine.FollowUpIssue(c.Request.Context(), c.Param("id"), req.Prompt, req.Model, req.PermissionMode, busyAction)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"executionId": executionID})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.engine.CancelIssue(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRestart(c *gin.Context) {
	if err := s.engine.RestartIssue(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleDiscoveryGet(c *gin.Context) {
	force := c.Query("force") == "true"
	snap, err := s.prober.Get(c.Request.Context(), c.Param("engineType"), force)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDiscoveryAll(c *gin.Context) {
	force := c.Query("force") == "true"
	ctx, cancel := contextWithTimeout(c, 30*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, s.prober.ProbeAll(ctx, force))
}
