package server

import (
	"context"
	"fmt"

	"github.com/smilemakc/mbflow/internal/application/engine"
	"github.com/smilemakc/mbflow/internal/application/observer"
	"github.com/smilemakc/mbflow/internal/application/trigger"
	"github.com/smilemakc/mbflow/internal/infrastructure/cache"
	"github.com/smilemakc/mbflow/internal/infrastructure/storage"
	"github.com/smilemakc/mbflow/pkg/executor"
)

func (s *Server) initComponents() error {
	if err := s.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := s.initRedisCache(); err != nil {
		s.logger.Warn("Failed to initialize Redis cache", "error", err)
	}

	if err := s.initExecutorManager(); err != nil {
		return fmt.Errorf("failed to initialize executor manager: %w", err)
	}

	if err := s.initRepositories(); err != nil {
		return fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := s.initObserverManager(); err != nil {
		return fmt.Errorf("failed to initialize observer manager: %w", err)
	}

	if err := s.initExecutionEngine(); err != nil {
		return fmt.Errorf("failed to initialize execution engine: %w", err)
	}

	if err := s.initTriggerManager(); err != nil {
		s.logger.Warn("Failed to initialize trigger manager", "error", err)
	}

	return nil
}

func (s *Server) initDatabase() error {
	dbConfig := &storage.Config{
		DSN:             s.config.Database.URL,
		MaxOpenConns:    s.config.Database.MaxConnections,
		MaxIdleConns:    s.config.Database.MinConnections,
		ConnMaxLifetime: s.config.Database.MaxConnLifetime,
		ConnMaxIdleTime: s.config.Database.MaxIdleTime,
		Debug:           s.config.Logging.Level == "debug",
	}

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.data.DB = db
	s.logger.Info("Database connected",
		"max_conns", s.config.Database.MaxConnections,
	)

	return nil
}

func (s *Server) initRedisCache() error {
	redisCache, err := cache.NewRedisCache(s.config.Redis)
	if err != nil {
		return fmt.Errorf("failed to create redis cache: %w", err)
	}

	s.data.RedisCache = redisCache
	s.logger.Info("Redis cache connected")
	return nil
}

func (s *Server) initExecutorManager() error {
	s.execution.ExecutorManager = executor.NewManager()
	s.logger.Info("Executor manager initialized")
	return nil
}

func (s *Server) initObserverManager() error {
	if s.config.Observer.EnableWebSocket {
		s.execution.WSHub = observer.NewWebSocketHub(s.logger)
		s.logger.Info("WebSocket hub initialized")
	}

	s.execution.ObserverManager = observer.NewObserverManager(
		observer.WithLogger(s.logger),
		observer.WithBufferSize(s.config.Observer.BufferSize),
	)

	if s.config.Observer.EnableHTTP && s.config.Observer.HTTPCallbackURL != "" {
		httpObserver := observer.NewHTTPCallbackObserver(
			s.config.Observer.HTTPCallbackURL,
			observer.WithHTTPMethod(s.config.Observer.HTTPMethod),
			observer.WithHTTPHeaders(s.config.Observer.HTTPHeaders),
			observer.WithHTTPTimeout(s.config.Observer.HTTPTimeout),
			observer.WithHTTPRetry(
				s.config.Observer.HTTPMaxRetries,
				s.config.Observer.HTTPRetryDelay,
				2.0,
			),
		)
		if err := s.execution.ObserverManager.Register(httpObserver); err != nil {
			s.logger.Error("Failed to register HTTP observer", "error", err)
		} else {
			s.logger.Info("HTTP callback observer registered",
				"url", s.config.Observer.HTTPCallbackURL,
				"method", s.config.Observer.HTTPMethod,
			)
		}
	}

	if s.config.Observer.EnableLogger {
		loggerObserver := observer.NewLoggerObserver(
			observer.WithLoggerInstance(s.logger),
		)
		if err := s.execution.ObserverManager.Register(loggerObserver); err != nil {
			s.logger.Error("Failed to register logger observer", "error", err)
		} else {
			s.logger.Info("Logger observer registered")
		}
	}

	if s.config.Observer.EnableWebSocket && s.execution.WSHub != nil {
		wsObserver := observer.NewWebSocketObserver(
			s.execution.WSHub,
			observer.WithWebSocketLogger(s.logger),
		)
		if err := s.execution.ObserverManager.Register(wsObserver); err != nil {
			s.logger.Error("Failed to register WebSocket observer", "error", err)
		} else {
			s.logger.Info("WebSocket observer registered")
		}
	}

	s.logger.Info("Observer system initialized",
		"observer_count", s.execution.ObserverManager.Count(),
	)

	return nil
}

func (s *Server) initRepositories() error {
	s.data.WorkflowRepo = storage.NewWorkflowRepository(s.data.DB)
	s.data.ExecutionRepo = storage.NewExecutionRepository(s.data.DB)
	s.data.TriggerRepo = storage.NewTriggerRepository(s.data.DB)

	s.logger.Info("Repositories initialized")
	return nil
}

func (s *Server) initExecutionEngine() error {
	s.execution.ExecutionManager = engine.NewExecutionManager(
		s.execution.ExecutorManager,
		s.data.WorkflowRepo,
		s.data.ExecutionRepo,
		s.execution.ObserverManager,
	)

	s.logger.Info("Execution engine initialized")

	if recovered, err := s.execution.ExecutionManager.RecoverStaleExecutions(context.Background()); err != nil {
		s.logger.Error("Failed to run execution recovery sweep", "error", err)
	} else if recovered > 0 {
		s.logger.Warn("Recovered executions interrupted by a previous shutdown", "count", recovered)
	}

	return nil
}

func (s *Server) initTriggerManager() error {
	if s.data.RedisCache == nil {
		return fmt.Errorf("trigger manager disabled - Redis cache not available")
	}

	triggerManager, err := trigger.NewManager(trigger.ManagerConfig{
		TriggerRepo:  s.data.TriggerRepo,
		WorkflowRepo: s.data.WorkflowRepo,
		ExecutionMgr: s.execution.ExecutionManager,
		Cache:        s.data.RedisCache,
	})
	if err != nil {
		return fmt.Errorf("failed to create trigger manager: %w", err)
	}

	s.triggers.TriggerManager = triggerManager
	s.logger.Info("Trigger manager initialized")

	if err := s.triggers.TriggerManager.Start(); err != nil {
		return fmt.Errorf("failed to start trigger manager: %w", err)
	}

	s.logger.Info("Trigger manager started")
	return nil
}
