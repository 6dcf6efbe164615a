package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Watee22/epubTranslator/internal/config"
	"github.com/Watee22/epubTranslator/internal/job"
)

// maxUploadSize bounds uploaded books and glossaries.
const maxUploadSize = 50 * 1024 * 1024

// JobRunner is the translation engine behind the HTTP surface.
type JobRunner interface {
	Runner
	SetObserver(job.Observer)
}

type Server struct {
	config *config.Config
	logger *logrus.Logger
	jobs   *jobManager
	router *gin.Engine
	wsHub  *Hub
}

// New builds the HTTP surface over runner. The hub must be running for
// WebSocket clients to connect.
func New(cfg *config.Config, runner JobRunner, hub *Hub, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config: cfg,
		logger: logger,
		jobs:   newJobManager(runner, hub, logger),
		wsHub:  hub,
	}
	runner.SetObserver(s.jobs.observe)

	s.setupRoutes()
	return s
}

func (s *Server) Handler() *gin.Engine {
	return s.router
}

// ListenAndServe serves until ctx is done, then cancels running jobs and
// waits for them to save their checkpoints.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down, cancelling running jobs")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close cancels running jobs and waits for them to stop.
func (s *Server) Close() {
	s.jobs.close()
}

func (s *Server) setupRoutes() {
	s.router = gin.New()

	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.corsMiddleware())
	s.router.Use(gin.Recovery())
	s.router.MaxMultipartMemory = 8 << 20

	api := s.router.Group("/api")
	api.POST("/jobs", s.handleCreateJob)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.POST("/jobs/:id/cancel", s.handleCancelJob)
	api.GET("/jobs/:id/download", s.handleDownload)
	api.POST("/terms", s.handleExtractTerms)

	s.router.GET("/ws", s.HandleWebSocket)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"websocket_clients": s.wsHub.Subscribers(),
			"jobs":              len(s.jobs.list()),
		})
	})
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.logger.WithFields(logrus.Fields{
			"status":     param.StatusCode,
			"method":     param.Method,
			"path":       param.Path,
			"ip":         param.ClientIP,
			"user_agent": param.Request.UserAgent(),
			"latency":    param.Latency,
		}).Debug("HTTP Request")
		return ""
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
