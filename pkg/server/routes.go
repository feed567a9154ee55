package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/smilemakc/mbflow/internal/application/observer"
	"github.com/smilemakc/mbflow/internal/infrastructure/api/rest"
	"github.com/smilemakc/mbflow/internal/infrastructure/storage"
)

func (s *Server) setupRoutes() error {
	if s.config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	s.router.MaxMultipartMemory = s.config.Server.MaxMultipartMemory

	loggingMiddleware := rest.NewLoggingMiddleware(s.logger)
	recoveryMiddleware := rest.NewRecoveryMiddleware(s.logger)
	bodySizeMiddleware := rest.NewBodySizeMiddleware(s.logger, s.config.Server.MaxBodySize)

	s.router.Use(recoveryMiddleware.Recovery())
	s.router.Use(loggingMiddleware.RequestLogger())
	s.router.Use(bodySizeMiddleware.LimitBodySize())
	s.router.Use(gzip.Gzip(gzip.DefaultCompression))

	if s.config.Server.CORS {
		allowedOrigins := s.config.Server.CORSAllowedOrigins
		allowAll := len(allowedOrigins) == 0 && s.config.Logging.Level == "debug"

		if !allowAll && len(allowedOrigins) == 0 {
			s.logger.Warn("CORS enabled but no allowed origins configured (MBFLOW_CORS_ALLOWED_ORIGINS). Set origins or use debug log level for wildcard.")
		}

		originSet := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			originSet[o] = struct{}{}
		}

		s.router.Use(func(c *gin.Context) {
			origin := c.GetHeader("Origin")

			if allowAll {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				if _, ok := originSet[origin]; ok {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					c.Writer.Header().Set("Vary", "Origin")
				}
			}

			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")

			if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
		})

		if allowAll {
			s.logger.Info("CORS enabled with wildcard origin (debug mode)")
		} else {
			s.logger.Info("CORS enabled", "allowed_origins", allowedOrigins)
		}
	}

	s.setupHealthEndpoints()
	s.setupSwaggerEndpoint()
	s.setupWebSocketEndpoints()
	s.setupAPIv1Routes()

	s.logger.Info("REST API routes registered")
	return nil
}

func (s *Server) setupHealthEndpoints() {
	s.router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := storage.Ping(ctx, s.data.DB); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  fmt.Sprintf("database: %s", err.Error()),
			})
			return
		}

		if s.data.RedisCache != nil {
			if err := s.data.RedisCache.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  fmt.Sprintf("redis: %s", err.Error()),
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	s.router.GET("/metrics", func(c *gin.Context) {
		dbStats := storage.Stats(s.data.DB)

		metrics := gin.H{
			"database": gin.H{
				"open_connections": dbStats.OpenConnections,
				"in_use":           dbStats.InUse,
				"idle":             dbStats.Idle,
				"max_open_conns":   dbStats.MaxOpenConnections,
			},
		}

		if s.data.RedisCache != nil {
			cacheStats := s.data.RedisCache.Stats()
			metrics["redis"] = gin.H{
				"hits":        cacheStats.Hits,
				"misses":      cacheStats.Misses,
				"total_conns": cacheStats.TotalConns,
				"idle_conns":  cacheStats.IdleConns,
			}
		}

		c.JSON(http.StatusOK, gin.H{"metrics": metrics})
	})
}

func (s *Server) setupSwaggerEndpoint() {
	// Swagger UI endpoint - serves OpenAPI documentation
	// Access at /swagger/index.html
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	s.logger.Info("Swagger documentation endpoint registered", "endpoint", "/swagger/index.html")
}

func (s *Server) setupWebSocketEndpoints() {
	if s.config.Observer.EnableWebSocket && s.execution.WSHub != nil {
		wsHandler := observer.NewWebSocketHandler(s.execution.WSHub, s.logger)
		s.router.GET("/ws/executions", func(c *gin.Context) {
			wsHandler.ServeHTTP(c.Writer, c.Request)
		})
		s.router.GET("/ws/health", func(c *gin.Context) {
			wsHandler.HandleHealthCheck(c.Writer, c.Request)
		})
		s.logger.Info("WebSocket endpoints registered",
			"endpoints", []string{"/ws/executions", "/ws/health"},
		)
	}
}

func (s *Server) setupAPIv1Routes() {
	apiV1 := s.router.Group("/api/v1")
	{
		s.setupExecutionRoutes(apiV1)
		s.setupTriggerRoutes(apiV1)
		s.setupWebhookRoutes(apiV1)
	}
}

func (s *Server) setupExecutionRoutes(apiV1 *gin.RouterGroup) {
	executionHandlers := rest.NewExecutionHandlers(s.data.ExecutionRepo, s.data.WorkflowRepo, s.execution.ExecutionManager, s.logger)

	executions := apiV1.Group("/executions")
	{
		executions.POST("/run/:workflow_id", executionHandlers.HandleRunExecution)
		executions.GET("", executionHandlers.HandleListExecutions)
		executions.GET("/:id", executionHandlers.HandleGetExecution)
		executions.GET("/:id/logs", executionHandlers.HandleGetLogs)
		executions.GET("/:id/nodes/:node_id/result", executionHandlers.HandleGetNodeResult)
		executions.POST("/:id/cancel", executionHandlers.HandleCancelExecution)
		executions.POST("/:id/retry", executionHandlers.HandleRetryExecution)
		executions.GET("/:id/watch", executionHandlers.HandleWatchExecution)
		executions.GET("/:id/stream", executionHandlers.HandleStreamLogs)
	}
}

func (s *Server) setupTriggerRoutes(apiV1 *gin.RouterGroup) {
	triggerHandlers := rest.NewTriggerHandlers(s.data.TriggerRepo, s.data.WorkflowRepo, s.logger)

	triggers := apiV1.Group("/triggers")
	{
		triggers.POST("", triggerHandlers.HandleCreateTrigger)
		triggers.GET("", triggerHandlers.HandleListTriggers)
		triggers.GET("/:id", triggerHandlers.HandleGetTrigger)
		triggers.PUT("/:id", triggerHandlers.HandleUpdateTrigger)
		triggers.DELETE("/:id", triggerHandlers.HandleDeleteTrigger)
		triggers.POST("/:id/enable", triggerHandlers.HandleEnableTrigger)
		triggers.POST("/:id/disable", triggerHandlers.HandleDisableTrigger)
		triggers.POST("/:id/execute", triggerHandlers.HandleTriggerManual)
	}
}

func (s *Server) setupWebhookRoutes(apiV1 *gin.RouterGroup) {
	if s.triggers.TriggerManager == nil {
		return
	}

	webhookHandlers := rest.NewWebhookHandlers(s.triggers.TriggerManager.WebhookRegistry(), s.logger)
	apiV1.POST("/webhooks/:trigger_id", webhookHandlers.HandleWebhook)
	apiV1.GET("/webhooks/:trigger_id", webhookHandlers.HandleWebhookGet)

	s.logger.Info("Webhook endpoints registered", "endpoint", "/api/v1/webhooks/:path")
}
