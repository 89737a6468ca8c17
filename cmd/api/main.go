package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/background"
	"github.com/BradenHooton/sentinel/internal/config"
	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/handlers"
	"github.com/BradenHooton/sentinel/internal/metrics"
	middlewareCustom "github.com/BradenHooton/sentinel/internal/middleware"
	"github.com/BradenHooton/sentinel/internal/repositories"
	"github.com/BradenHooton/sentinel/internal/routes"
	"github.com/BradenHooton/sentinel/internal/services"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startupCancel()

	// Initialize database
	db, err := database.NewConnection(startupCtx, &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Rate limit counters live in Redis so every node shares them
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	rateStore := repositories.NewRedisRateLimitStore(redisClient, cfg.Redis.KeyPrefix)
	if err := rateStore.Ping(startupCtx); err != nil {
		// Not fatal: the first-factor limiter fails open and the second
		// factor fails closed until Redis is back.
		logger.Warn("redis unreachable at startup", slog.Any("error", err))
	}

	m := metrics.NewDefault()

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	// Audit and notifications run on background workers
	auditService := services.NewAuditService(auditRepo, pkglogger.NewAuditLogger(logger), logger)
	auditDispatcher := services.NewAuditDispatcher(auditService, cfg.Auth.AuditBufferSize, cfg.Auth.StoreTimeout, logger)

	var notifier services.Notifier = services.NewLogNotifier(logger)
	if cfg.Email.Enabled {
		ses, err := services.NewSESNotifier(startupCtx, cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.Email.SendsPerSecond, logger)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = ses
	}
	notifications := services.NewNotificationDispatcher(notifier, cfg.Auth.AuditBufferSize, 10*time.Second, logger, m)

	metrics.RegisterGaugeFunc(prometheus.DefaultRegisterer, "sentinel_audit_events_dropped",
		"Audit entries discarded because the buffer was full.",
		func() float64 { return float64(auditDispatcher.Dropped()) })
	metrics.RegisterGaugeFunc(prometheus.DefaultRegisterer, "sentinel_notifications_dropped",
		"Login notifications discarded because the buffer was full.",
		func() float64 { return float64(notifications.Dropped()) })

	// Credential primitives
	transport, err := auth.NewTransportDecryptor(cfg.Transport.PrivateKeyPEM, logger)
	if err != nil {
		logger.Error("failed to load transport key", slog.Any("error", err))
		os.Exit(1)
	}

	params := pkgauth.DefaultArgon2Params()
	params.Memory = uint32(cfg.Auth.Argon2MemoryKB)
	params.Time = uint32(cfg.Auth.Argon2Time)
	params.Parallelism = uint8(cfg.Auth.Argon2Parallelism)
	verifier, err := pkgauth.NewCredentialVerifier(pkgauth.NewHasher(params))
	if err != nil {
		logger.Error("failed to initialize credential verifier", slog.Any("error", err))
		os.Exit(1)
	}

	totpManager, err := auth.NewTOTPManager(cfg.Auth.TOTPEncryptionKey, cfg.Auth.TOTPIssuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	deviceTokens, err := auth.NewDeviceTokenManager(cfg.Auth.DeviceTokenKey)
	if err != nil {
		logger.Error("failed to initialize device token manager", slog.Any("error", err))
		os.Exit(1)
	}

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry, cfg.Auth.ChallengeTokenExpiry)

	var captcha services.CaptchaVerifier
	if cfg.Captcha.Secret != "" {
		captcha = services.NewTurnstileVerifier(cfg.Captcha.Secret, cfg.Captcha.VerifyURL, cfg.Captcha.Timeout)
	}

	// Initialize services
	rateLimiter := services.NewRateLimitService(rateStore, services.RateLimitConfig{
		MaxAttemptsPerIP:    cfg.Auth.MaxAttemptsPerIP,
		MaxAttemptsPerEmail: cfg.Auth.MaxAttemptsPerEmail,
		Window:              cfg.Auth.RateLimitWindow,
		FailClosed:          cfg.Auth.RateLimitFailClosed,
		StoreTimeout:        cfg.Auth.StoreTimeout,
	}, logger, m)

	secondFactorLimiter := services.NewSecondFactorLimiter(rateStore, services.SecondFactorConfig{
		MaxAttempts:  cfg.Auth.TwoFactorMaxAttempts,
		Window:       cfg.Auth.TwoFactorWindow,
		FailClosed:   cfg.Auth.TwoFactorFailClosed,
		StoreTimeout: cfg.Auth.StoreTimeout,
	}, logger, m)

	lockout := services.NewLockoutService(accountRepo, services.LockoutConfig{
		Threshold:    cfg.Auth.LockoutThreshold,
		Duration:     cfg.Auth.LockoutDuration,
		StoreTimeout: cfg.Auth.StoreTimeout,
	}, logger, m)

	devices := services.NewTrustedDeviceService(accountRepo, deviceTokens, services.TrustedDeviceConfig{
		TTL:          cfg.Auth.TrustedDeviceTTL,
		MaxDevices:   cfg.Auth.MaxTrustedDevices,
		StoreTimeout: cfg.Auth.StoreTimeout,
	}, logger)

	twoFactor := services.NewTwoFactorService(accountRepo, totpManager, secondFactorLimiter, auditDispatcher, cfg.Auth.StoreTimeout, logger)

	loginService := services.NewLoginService(services.LoginDeps{
		Store:       accountRepo,
		Transport:   transport,
		Captcha:     captcha,
		RateLimiter: rateLimiter,
		Lockout:     lockout,
		Verifier:    verifier,
		Devices:     devices,
		TwoFactor:   twoFactor,
		Tokens:      tokenManager,
		Timing: auth.NewTimingDelay(auth.TimingConfig{
			BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
			RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
			DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
		}),
		Audit:         auditDispatcher,
		Notifications: notifications,
		Metrics:       m,
		Logger:        logger,
	}, services.LoginConfig{
		CaptchaRequired:  cfg.Captcha.Required,
		LockoutThreshold: cfg.Auth.LockoutThreshold,
		LockoutDuration:  cfg.Auth.LockoutDuration,
		StoreTimeout:     cfg.Auth.StoreTimeout,
	})

	accountService := services.NewAccountService(accountRepo, accountRepo, verifier, lockout, auditDispatcher, cfg.Auth.StoreTimeout, logger)
	adminService := services.NewAdminService(accountRepo, auditRepo, auditDispatcher, cfg.Auth.StoreTimeout, logger)
	guard := services.NewSessionGuard(cfg.Auth.SessionClockSkew)

	// Bootstrap first admin if configured
	if cfg.Bootstrap.AdminEmail != "" && cfg.Bootstrap.AdminPassword != "" {
		created, err := accountService.EnsureAdmin(startupCtx, cfg.Bootstrap.AdminEmail, cfg.Bootstrap.AdminPassword)
		if err != nil {
			logger.Error("failed to ensure admin account", slog.Any("error", err))
		} else if created {
			logger.Info("bootstrap admin account created")
		}
	}

	// Initialize handlers
	ipConfig := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	cookies := auth.CookieConfig{
		Domain:   cfg.Server.CookieDomain,
		Secure:   cfg.Server.CookieSecure,
		SameSite: "strict",
	}

	authHandler := handlers.NewAuthHandler(loginService, accountService, tokenManager, transport.PublicKeyPEM(), cookies, ipConfig, logger)
	twoFactorHandler := handlers.NewTwoFactorHandler(twoFactor, ipConfig, logger)
	adminHandler := handlers.NewAdminHandler(adminService, ipConfig, logger)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.CORSAllowedOrigins)))
	router.Use(middlewareCustom.RequireJSON(logger))
	router.Use(m.Instrument)
	router.Use(middleware.Timeout(30 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, routes.Handlers{
		Auth:      authHandler,
		TwoFactor: twoFactorHandler,
		Admin:     adminHandler,
	}, routes.Security{
		Tokens:    tokenManager,
		Accounts:  accountRepo,
		Guard:     guard,
		EdgeLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.EdgeRateLimit},
		IPConfig:  ipConfig,
		Logger:    logger,
	})

	// Health check with database and redis
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy", "database": "up", "redis": "up"}
		code := http.StatusOK

		if err := db.HealthCheck(ctx); err != nil {
			status["status"], status["database"] = "unhealthy", "down"
			code = http.StatusServiceUnavailable
		}
		if err := rateStore.Ping(ctx); err != nil {
			// Login keeps working without Redis, so this only degrades.
			status["redis"] = "down"
			if code == http.StatusOK {
				status["status"] = "degraded"
			}
		}

		pkghttp.WriteJSON(w, code, status)
	})
	router.Handle("/metrics", m.Handler())

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(accountRepo, auditRepo, cfg.Auth.AuditRetention, logger, cfg.Auth.CleanupInterval)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// Flush queued audit entries and notifications before exiting
	auditDispatcher.Close()
	notifications.Close()

	logger.Info("server stopped gracefully")
}
