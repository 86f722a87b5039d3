// Package api exposes a mesh Node's control surface over HTTP: send
// endpoints, peer/session queries, and a server-sent-events stream of
// the node's outbound event channel, with route groups and
// CORS/rate-limit/logging middleware plus context-driven graceful
// shutdown.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/mesh"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults for a locally run node.
func DefaultConfig() *Config {
	return &Config{
		Port:         8787,
		EnableCORS:   true,
		RateLimit:    120,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP control/query surface over a mesh.Node.
type Server struct {
	node       *mesh.Node
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// NewServer builds a Server wired to node.
func NewServer(node *mesh.Node, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{node: node, router: router, port: config.Port}
	s.setupMiddleware(config)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	s.router.Use(RateLimitMiddleware(config.RateLimit))
	s.router.Use(LoggingMiddleware())
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		send := v1.Group("/send")
		{
			send.POST("/broadcast", s.handleSendBroadcast)
			send.POST("/private", s.handleSendPrivate)
			send.POST("/file", s.handleSendFile)
			send.POST("/opaque", s.handleSendOpaque)
			send.POST("/read-receipt", s.handleSendReadReceipt)
		}

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handleListPeers)
			peers.GET("/:id/session", s.handleHasSession)
			peers.GET("/:id/fingerprint", s.handlePeerFingerprint)
		}

		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
			node.PUT("/nickname", s.handleSetNickname)
		}

		v1.GET("/events", s.handleEventStream)
	}

	s.router.GET("/health", s.handleHealth)
}

// Start runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop shuts the HTTP server down gracefully, waiting up to 5 seconds
// for active requests to finish.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func parseShortIDParam(c *gin.Context, name string) (codec.ShortID, bool) {
	id, err := codec.ParseShortID(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_short_id", Message: err.Error()})
		return codec.ShortID{}, false
	}
	return id, true
}
