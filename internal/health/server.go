// Package health serves liveness and the current session status over HTTP.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"

	"rtcsession/native/internal/session"
)

// StatusSource is the session being reported on.
type StatusSource interface {
	Status() session.Status
}

// Server exposes /health and /session.
type Server struct {
	router *gin.Engine
	log    logging.LeveledLogger

	mu      sync.RWMutex
	current StatusSource
}

// New builds the router. Gin runs in release mode unless debug is set.
func New(debug bool, lf logging.LoggerFactory) *Server {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router: gin.New(),
		log:    lf.NewLogger("health"),
	}
	s.router.Use(gin.Recovery())
	if debug {
		s.router.Use(gin.Logger())
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/session", s.handleSession)
	return s
}

// SetSession replaces the reported session. nil clears it.
func (s *Server) SetSession(src StatusSource) {
	s.mu.Lock()
	s.current = src
	s.mu.Unlock()
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleSession(c *gin.Context) {
	s.mu.RLock()
	src := s.current
	s.mu.RUnlock()

	if src == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, src.Status())
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
