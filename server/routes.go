// Package server - Rendezvous-Server fuer Ring-Worker
// Beinhaltet: Server-Struct, Router-Registrierung, Handler, Server-Start
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/7blacky7/ringattention/api"
	"github.com/7blacky7/ringattention/envconfig"
	"github.com/7blacky7/ringattention/logutil"
)

var mode string = gin.DebugMode

// Server verwaltet den Rendezvous eines Rings
type Server struct {
	addr       net.Addr
	rendezvous *Rendezvous
}

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

func NewServer(world int) *Server {
	return &Server{rendezvous: NewRendezvous(world)}
}

// RegisterHandler vergibt einen Rank an einen Worker
func (s *Server) RegisterHandler(c *gin.Context) {
	var req api.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.rendezvous.Register(req)
	switch {
	case errors.Is(err, errNoAddr), errors.Is(err, errBadRank):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, errRingFull), errors.Is(err, errRankTaken):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	slog.Info("worker registered", "job", resp.Job, "rank", resp.Rank, "addr", req.Addr)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) PeersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.rendezvous.Peers())
}

func (s *Server) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.rendezvous.Status())
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "Ring rendezvous is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Ring rendezvous is running") })

	r.POST("/api/register", s.RegisterHandler)
	r.GET("/api/peers", s.PeersHandler)
	r.GET("/api/status", s.StatusHandler)

	return r
}

// Serve startet den Rendezvous-Server fuer einen Ring mit world Workern
func Serve(ln net.Listener, world int) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	s := NewServer(world)
	s.addr = ln.Addr()

	srvr := &http.Server{Handler: s.GenerateRoutes()}

	ctx, done := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		done()
	}()

	slog.Info(fmt.Sprintf("Listening on %s (job %s, ring size %d)", s.addr, s.rendezvous.Job(), world))
	err := srvr.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-ctx.Done()
	return nil
}
