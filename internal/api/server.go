// Package api exposes sessions, settlements and webhook subscriptions over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/x402-foundation/x402-commerce/internal/session"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerRequestID      = "X-Request-ID"

	readyTimeout = 2 * time.Second
)

// Server is the HTTP front of the engine
type Server struct {
	router        *gin.Engine
	db            *gorm.DB
	sessions      *session.Service
	subscriptions *webhook.Subscriptions
	logger        logrus.FieldLogger
}

// NewServer builds the router. logger may be nil.
func NewServer(db *gorm.DB, sessions *session.Service, subscriptions *webhook.Subscriptions, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:        gin.New(),
		db:            db,
		sessions:      sessions,
		subscriptions: subscriptions,
		logger:        logger.WithField("component", "api"),
	}
	s.router.Use(requestID(), s.accessLog(), gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler returns the router as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	s.router.GET("/readyz", s.handleReady)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/sessions", s.handleCreateSession)
		v1.POST("/settlements", s.handleTriggerSettlement)
		v1.GET("/attempts/:id", s.handleGetAttempt)

		hooks := v1.Group("/webhooks/subscriptions")
		hooks.POST("", s.handleCreateSubscription)
		hooks.GET("", s.handleListSubscriptions)
		hooks.DELETE("/:id", s.handleDeleteSubscription)
	}
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := store.Ping(ctx, s.db); err != nil {
		s.logger.WithError(err).Warn("readiness check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestID attaches a request id, reusing the caller's when present
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetString("request_id"),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}
