// Package server exposes the assistant over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/comigor/unichat-go/internal/agent"
	"github.com/comigor/unichat-go/internal/config"
	"github.com/comigor/unichat-go/internal/history"
	"github.com/comigor/unichat-go/internal/logger"
)

// Chat processes unified chat requests.
type Chat interface {
	Process(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// Store is the user and conversation persistence served over HTTP.
type Store interface {
	UpsertUser(ctx context.Context, u history.User) (*history.User, error)
	GetUser(ctx context.Context, userID string) (*history.User, error)
	CountConversations(ctx context.Context, userID string) (int64, error)
	DeleteUser(ctx context.Context, userID string) error
	GetOwnedConversation(ctx context.Context, id, userID string) (*history.Conversation, error)
	ListConversations(ctx context.Context, userID string, skip, limit int) ([]*history.Conversation, error)
	DeleteConversation(ctx context.Context, id, userID string) error
}

// Images reads stored image files by id.
type Images interface {
	Read(id string) ([]byte, error)
}

// Server is the HTTP server.
type Server struct {
	server *http.Server
	router *gin.Engine
}

// New creates the server and registers every route.
func New(cfg config.ServerConfig, chat Chat, store Store, images Images) *Server {
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger.L))
	router.Use(cors())

	h := &handlers{chat: chat, store: store, images: images}
	setupRoutes(router, h)

	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router: router,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. Errors after
// the bind are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	logger.L.Info("Starting HTTP server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	logger.L.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, h *handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/users", h.upsertUser)
	router.GET("/users/:user_id", h.getUser)
	router.DELETE("/users/:user_id", h.deleteUser)

	router.POST("/unified-chat", h.unifiedChat)

	router.GET("/conversations", h.listConversations)
	router.GET("/conversations/:id", h.getConversation)
	router.DELETE("/conversations/:id", h.deleteConversation)

	router.GET("/images/:file", h.getImage)
}

// ginLogger logs one line per request.
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		log.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// cors allows any origin, method and header.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
