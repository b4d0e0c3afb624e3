package handler

import (
	"context"
	"net/http"
	"strconv"

	"deposit-hold-service/internal/adapter/http/dto"
	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/internal/service"
	"deposit-hold-service/pkg/apperror"
	"deposit-hold-service/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// StatusReporter builds the operational status snapshot.
type StatusReporter interface {
	Snapshot(ctx context.Context) (*service.StatusSnapshot, error)
}

// DeadLetterLister lists retry tasks that ran out of attempts.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]*domain.RetryTask, error)
}

// HealthCheck returns a handler that pings every dependency.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}

// Status handles GET /status.
func Status(reporter StatusReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := reporter.Snapshot(c.Request.Context())
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, snap)
	}
}

// DeadLetters handles GET /api/v1/retry-tasks/dead-letters?limit=N.
func DeadLetters(lister DeadLetterLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultDeadLetterLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxDeadLetterLimit {
				response.Error(c, apperror.Validation("limit must be between 1 and 500"))
				return
			}
			limit = n
		}

		tasks, err := lister.DeadLetters(c.Request.Context(), limit)
		if err != nil {
			response.Error(c, apperror.ErrUnavailable("retry task store", err))
			return
		}
		response.OK(c, dto.FromRetryTasks(tasks))
	}
}
