// Package statusserver exposes the Swarm Coordinator's read-only status and
// pause/resume controls over HTTP, grounded in the teacher's
// lib/transport/echohttp server: an echo.Echo with CORS middleware and a
// handful of thin JSON handlers.
package statusserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nilsbren/swarmcore/internal/logger"
	"github.com/nilsbren/swarmcore/internal/swarm"
)

var log = logger.Named("statusserver")

// Coordinator is the subset of *swarm.Coordinator the status surface needs.
type Coordinator interface {
	Status() swarm.Status
	Pause()
	Resume()
}

// Server is the status/control HTTP surface described in the domain stack:
// GET /status, POST /pause, POST /resume.
type Server struct {
	coord Coordinator
	echo  *echo.Echo
}

// New builds a Server bound to coord; call Start to listen.
func New(coord Coordinator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
	}))
	s := &Server{coord: coord, echo: e}
	e.GET("/status", s.status)
	e.POST("/pause", s.pause)
	e.POST("/resume", s.resume)
	return s
}

// Start listens on addr in the background, matching the teacher's
// fire-and-forget e.Start(":8080") in a goroutine.
func (s *Server) Start(addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil {
			log.Sugar().Infow("status server stopped", "err", err)
		}
	}()
}

// Stop closes the listener.
func (s *Server) Stop() error {
	return s.echo.Close()
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(200, s.coord.Status())
}

func (s *Server) pause(c echo.Context) error {
	s.coord.Pause()
	return c.JSON(202, "pausing")
}

func (s *Server) resume(c echo.Context) error {
	s.coord.Resume()
	return c.JSON(202, "resuming")
}
