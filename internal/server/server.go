package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/task"
)

// Runner is the task entrypoint the server exposes.
type Runner interface {
	Run(ctx context.Context, name string) (task.Result, error)
}

// Health reports stream liveness for the health endpoint.
type Health interface {
	Healthy() bool
}

// Server is the external trigger surface. A scheduler (cron, k8s CronJob)
// POSTs task runs; authentication is a shared secret, either as a header or
// a bearer token. Callers always get a structured result, never a trace.
type Server struct {
	engine *gin.Engine
	secret string
	runner Runner
	health Health
	log    *logrus.Entry
}

func New(secret string, runner Runner, health Health) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s := &Server{
		engine: engine,
		secret: secret,
		runner: runner,
		health: health,
		log:    logrus.WithField("component", "server"),
	}
	engine.GET("/healthz", s.handleHealth)
	authed := engine.Group("/", s.requireSecret)
	authed.POST("/tasks/:name/run", s.handleRun)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireSecret(c *gin.Context) {
	presented := c.GetHeader("X-Trigger-Secret")
	if presented == "" {
		auth := c.GetHeader("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.secret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleRun(c *gin.Context) {
	name := c.Param("name")
	result, err := s.runner.Run(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		s.log.WithError(err).WithField("task", name).Error("trigger run failed")
		c.JSON(http.StatusInternalServerError, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil && !s.health.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
