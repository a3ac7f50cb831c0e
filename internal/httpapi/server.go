// Package httpapi is the minimal external HTTP/SSE surface over the
// Orchestration API: thin enough to stay an external collaborator in
// spirit (per §1's scope note), real enough to exercise the Event Bus and
// Orchestration API end-to-end over the wire.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/common/config"
	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/discovery"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/orchestration"
	"github.com/kdlbs/issueforge/internal/store"
)

// Server wraps a gin.Engine wired to the Store, Orchestration Engine,
// Event Bus, and Discovery prober.
type Server struct {
	engine  *orchestration.Engine
	store   *store.Store
	bus     *events.TypedBus
	prober  *discovery.Prober
	logger  *logger.Logger
	httpSrv *http.Server
}

// New builds a Server and registers its routes on a fresh gin.Engine.
func New(st *store.Store, orch *orchestration.Engine, typedBus *events.TypedBus, prober *discovery.Prober, cfg config.ServerConfig, logLevel string, log *logger.Logger) *Server {
	if logLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine: orch,
		store:  st,
		bus:    typedBus,
		prober: prober,
		logger: log.WithFields(zap.String("component", "httpapi")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	s.registerRoutes(router)

	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Run starts serving in the background. Errors other than a clean shutdown
// are logged as fatal conditions by the caller via the returned channel.
func (s *Server) Run() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully stops the HTTP server, bounded by timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	projects := r.Group("/projects")
	projects.POST("", s.handleCreateProject)
	projects.GET("", s.handleListProjects)

	issues := r.Group("/issues")
	issues.POST("", s.handleCreateIssue)
	issues.GET("/:id", s.handleGetIssue)
	issues.GET("/:id/logs", s.handleListLogs)
	issues.GET("/:id/events", s.handleSSE)
	issues.GET("/:id/ws", s.handleWebSocket)
	issues.POST("/:id/execute", s.handleExecute)
	issues.POST("/:id/followup", s.handleFollowUp)
	issues.POST("/:id/cancel", s.handleCancel)
	issues.POST("/:id/restart", s.handleRestart)

	discoveryGroup := r.Group("/discovery")
	discoveryGroup.GET("/engines/:engineType", s.handleDiscoveryGet)
	discoveryGroup.GET("/engines", s.handleDiscoveryAll)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "issueforge"})
}
