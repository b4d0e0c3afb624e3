package handler

import (
	"deposit-hold-service/internal/adapter/http/middleware"
	"deposit-hold-service/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	DepositSvc      ports.DepositService
	WebhookSvc      WebhookIngestor
	StatusSvc       StatusReporter
	DeadLetters     DeadLetterLister
	TokenSvc        ports.TokenService // nil = /api/v1 unauthenticated
	HealthCheckers  []ports.HealthChecker
	SignatureHeader string
	MaxBodyBytes    int64
	Mode            string // gin mode; empty keeps the current one
	Logger          zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Mode != "" {
		gin.SetMode(deps.Mode)
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(deps.MaxBodyBytes))

	// Deep health check: pings the storage backend and Redis
	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	r.GET("/status", Status(deps.StatusSvc))

	// Gateway notifications authenticate by signature, not bearer token.
	webhookHandler := NewWebhookHandler(deps.WebhookSvc, deps.SignatureHeader)
	r.POST("/webhooks/gateway", webhookHandler.Receive)

	v1 := r.Group("/api/v1")
	if deps.TokenSvc != nil {
		v1.Use(middleware.JWTAuth(deps.TokenSvc, deps.Logger))
	}

	depositHandler := NewDepositHandler(deps.DepositSvc)
	deposits := v1.Group("/deposits")
	{
		deposits.POST("", depositHandler.Initialize)
		deposits.GET("", depositHandler.List)
		deposits.GET("/:id", depositHandler.Get)
		deposits.POST("/:id/capture", depositHandler.Capture)
		deposits.POST("/:id/release", depositHandler.Release)
		deposits.POST("/:id/refund", depositHandler.Refund)
	}

	v1.GET("/retry-tasks/dead-letters", DeadLetters(deps.DeadLetters))

	return r
}
