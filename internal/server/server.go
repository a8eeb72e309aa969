package server

import (
	"fmt"
	"net/http"
	"time"

	"stockroom/internal/config"
	"stockroom/internal/database"
	"stockroom/internal/metrics"
	custommiddleware "stockroom/internal/middleware"
	"stockroom/internal/repository"
	"stockroom/internal/service"
	"stockroom/internal/transport"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	*http.Server
	config *config.Config
	logger *zap.Logger
	db     database.Service
	redis  *redis.Client
}

// NewServer wires repositories, services and handlers onto one router.
// redisClient may be nil, which disables rate limiting.
func NewServer(cfg *config.Config, logger *zap.Logger, db database.Service, redisClient *redis.Client, m *metrics.Metrics) *Server {
	router := chi.NewRouter()

	for _, mw := range custommiddleware.DefaultMiddlewareStack() {
		router.Use(mw)
	}
	router.Use(custommiddleware.ErrorHandlingMiddleware(logger))
	router.Use(custommiddleware.CORSPolicy{Origins: cfg.Server.AllowedOrigins, AllowAll: !cfg.IsProduction()}.Handler())
	router.Use(custommiddleware.LoggingMiddleware(logger))
	router.Use(custommiddleware.MetricsMiddleware(m))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := db.Health()
		status := http.StatusOK
		if health["status"] != "up" {
			status = http.StatusServiceUnavailable
		}
		custommiddleware.RespondWithJSON(w, status, map[string]interface{}{
			"status":   health["status"],
			"database": health,
		})
	})
	router.Handle("/metrics", m.Handler())

	// Initialize repositories
	sqlDB := db.DB()
	userRepo := repository.NewUserRepository(sqlDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(sqlDB)
	categoryRepo := repository.NewCategoryRepository(sqlDB)
	productRepo := repository.NewProductRepository(sqlDB)
	transactionRepo := repository.NewTransactionRepository(sqlDB)
	txManager := repository.NewTxManager(sqlDB)

	// Initialize services
	userService := service.NewUserService(userRepo, refreshTokenRepo, txManager, service.NewMailer(cfg.Mail, logger), service.AuthOptions{
		JWTSecret:       cfg.JWT.Secret,
		AccessTokenTTL:  time.Duration(cfg.JWT.AccessExpiry) * time.Minute,
		RefreshTokenTTL: time.Duration(cfg.JWT.RefreshExpiry) * 24 * time.Hour,
		ResetTokenTTL:   cfg.Reset.TokenTTL(),
	}, logger)
	aggregateService := service.NewAggregateService(categoryRepo, productRepo, txManager, m, logger)
	categoryService := service.NewCategoryService(categoryRepo, productRepo, aggregateService, txManager, logger)
	productService := service.NewProductService(productRepo, categoryRepo, aggregateService, txManager, logger)
	inventoryService := service.NewInventoryService(transactionRepo, productRepo, aggregateService, txManager, m, logger)

	// Auth, role and rate limit middleware
	authMiddleware := custommiddleware.AuthMiddleware(cfg.JWT.Secret, logger)
	adminMiddleware := custommiddleware.RequireAdmin(logger)
	authLimiter := custommiddleware.RateLimitMiddleware(redisClient, custommiddleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.Requests,
		Window:            time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		KeyPrefix:         "ratelimit:auth",
	}, logger)

	// Register routes
	transport.NewUserHandler(userService, cfg.Server.PublicURL, logger).RegisterRoutes(router, authMiddleware, authLimiter)
	transport.NewCategoryHandler(categoryService, aggregateService, logger).RegisterRoutes(router, authMiddleware, adminMiddleware)
	transport.NewProductHandler(productService, logger).RegisterRoutes(router, authMiddleware, adminMiddleware)
	transport.NewInventoryHandler(inventoryService, logger).RegisterRoutes(router, authMiddleware, adminMiddleware)

	return &Server{
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
			Handler:      router,
			IdleTimeout:  time.Minute,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
		db:     db,
		redis:  redisClient,
	}
}

func (s *Server) Close() error {
	s.logger.Info("Closing server resources")

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database connection", zap.Error(err))
		}
	}

	_ = s.logger.Sync()
	return nil
}
