//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/handlers"
	middlewareCustom "github.com/BradenHooton/sentinel/internal/middleware"
	"github.com/BradenHooton/sentinel/internal/repositories"
	"github.com/BradenHooton/sentinel/internal/routes"
	"github.com/BradenHooton/sentinel/internal/services"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
)

// CapturingNotifier records login notifications for assertions
type CapturingNotifier struct {
	mu   sync.Mutex
	sent []services.LoginNotification
}

func (n *CapturingNotifier) NotifyLogin(ctx context.Context, note services.LoginNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

// Count returns how many notifications of kind were delivered
func (n *CapturingNotifier) Count(kind services.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, note := range n.sent {
		if note.Kind == kind {
			count++
		}
	}
	return count
}

// TestServer wraps httptest.Server with a real database, an in-memory Redis
// and captured notifications.
type TestServer struct {
	Server    *httptest.Server
	Redis     *miniredis.Miniredis
	Notifier  *CapturingNotifier
	Transport *auth.TransportDecryptor
	TOTP      *auth.TOTPManager
}

// NewTestServer wires the full router the same way cmd/api does
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rateStore := repositories.NewRedisRateLimitStore(client, "it")
	accountRepo := repositories.NewAccountRepository(testDB.DB)
	auditRepo := repositories.NewAuditLogRepository(testDB.DB)

	// Audit rows are written synchronously so tests can read them back.
	audit := services.NewAuditService(auditRepo, pkglogger.NewAuditLogger(logger), logger)

	notifier := &CapturingNotifier{}
	notifications := services.NewNotificationDispatcher(notifier, 64, time.Second, logger, nil)
	t.Cleanup(notifications.Close)

	transport, err := auth.NewTransportDecryptor("", logger)
	require.NoError(t, err)
	verifier, err := pkgauth.NewCredentialVerifier(testHasher())
	require.NoError(t, err)
	totpManager, err := auth.NewTOTPManager(bytes.Repeat([]byte{7}, 32), "Sentinel Test")
	require.NoError(t, err)
	deviceTokens, err := auth.NewDeviceTokenManager(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	tokens := auth.NewTokenManager("integration-secret-0123456789abcdef", 15*time.Minute, 5*time.Minute)

	storeTimeout := 2 * time.Second
	rateLimiter := services.NewRateLimitService(rateStore, services.RateLimitConfig{
		MaxAttemptsPerIP: 50, MaxAttemptsPerEmail: 20, Window: 15 * time.Minute, StoreTimeout: storeTimeout,
	}, logger, nil)
	secondFactor := services.NewSecondFactorLimiter(rateStore, services.SecondFactorConfig{
		MaxAttempts: 5, Window: 5 * time.Minute, FailClosed: true, StoreTimeout: storeTimeout,
	}, logger, nil)
	lockout := services.NewLockoutService(accountRepo, services.LockoutConfig{
		Threshold: 5, Duration: 30 * time.Minute, StoreTimeout: storeTimeout,
	}, logger, nil)
	devices := services.NewTrustedDeviceService(accountRepo, deviceTokens, services.TrustedDeviceConfig{
		TTL: 72 * time.Hour, MaxDevices: 5, StoreTimeout: storeTimeout,
	}, logger)
	twoFactor := services.NewTwoFactorService(accountRepo, totpManager, secondFactor, audit, storeTimeout, logger)

	login := services.NewLoginService(services.LoginDeps{
		Store:         accountRepo,
		Transport:     transport,
		RateLimiter:   rateLimiter,
		Lockout:       lockout,
		Verifier:      verifier,
		Devices:       devices,
		TwoFactor:     twoFactor,
		Tokens:        tokens,
		Audit:         audit,
		Notifications: notifications,
		Logger:        logger,
	}, services.LoginConfig{LockoutThreshold: 5, LockoutDuration: 30 * time.Minute, StoreTimeout: storeTimeout})

	accounts := services.NewAccountService(accountRepo, accountRepo, verifier, lockout, audit, storeTimeout, logger)
	admin := services.NewAdminService(accountRepo, auditRepo, audit, storeTimeout, logger)

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: "test"}))
	router.Use(middlewareCustom.RequireJSON(logger))

	routes.RegisterRoutes(router, routes.Handlers{
		Auth:      handlers.NewAuthHandler(login, accounts, tokens, transport.PublicKeyPEM(), auth.CookieConfig{SameSite: "strict"}, nil, logger),
		TwoFactor: handlers.NewTwoFactorHandler(twoFactor, nil, logger),
		Admin:     handlers.NewAdminHandler(admin, nil, logger),
	}, routes.Security{
		Tokens:    tokens,
		Accounts:  accountRepo,
		Guard:     services.NewSessionGuard(250 * time.Millisecond),
		EdgeLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: 1000},
		Logger:    logger,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestServer{Server: server, Redis: mr, Notifier: notifier, Transport: transport, TOTP: totpManager}
}

// DoJSON sends body as JSON and decodes the response into out when non-nil
func (s *TestServer) DoJSON(t *testing.T, method, path, token string, body, out interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.Server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}
