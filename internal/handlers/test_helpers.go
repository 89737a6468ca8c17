package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAccountContext adds the account and matching claims to the request
// context, as AuthMiddleware does.
func WithAccountContext(req *http.Request, account *models.Account) *http.Request {
	claims := &models.TokenClaims{
		UserID: account.ID,
		Email:  account.Email,
		Type:   models.TokenTypeAccess,
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	ctx = context.WithValue(ctx, auth.AccountContextKey, account)
	return req.WithContext(ctx)
}

// TestAdmin returns an active admin account for handler tests.
func TestAdmin(id, email string) *models.Account {
	return &models.Account{
		ID:        id,
		Email:     email,
		IsActive:  true,
		Role:      models.RoleAdmin,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// WithChiRouteContext adds chi URL parameters to request context for testing
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// MockLoginService implements LoginServiceInterface for testing
type MockLoginService struct {
	LoginFunc func(ctx context.Context, attempt models.LoginAttempt) (services.Outcome, error)
}

func (m *MockLoginService) Login(ctx context.Context, attempt models.LoginAttempt) (services.Outcome, error) {
	if m.LoginFunc == nil {
		return services.Rejected{Reason: services.RejectInvalidCredentials}, nil
	}
	return m.LoginFunc(ctx, attempt)
}

// MockAccountService implements AccountServiceInterface for testing
type MockAccountService struct {
	ChangePasswordFunc func(ctx context.Context, account *models.Account, current, next string, meta services.RequestMeta) error
	RevokeSessionsFunc func(ctx context.Context, account *models.Account, meta services.RequestMeta) error
	DevicesFunc        func(ctx context.Context, accountID string) ([]*models.TrustedDevice, error)
}

func (m *MockAccountService) ChangePassword(ctx context.Context, account *models.Account, current, next string, meta services.RequestMeta) error {
	if m.ChangePasswordFunc == nil {
		return nil
	}
	return m.ChangePasswordFunc(ctx, account, current, next, meta)
}

func (m *MockAccountService) RevokeSessions(ctx context.Context, account *models.Account, meta services.RequestMeta) error {
	if m.RevokeSessionsFunc == nil {
		return nil
	}
	return m.RevokeSessionsFunc(ctx, account, meta)
}

func (m *MockAccountService) Devices(ctx context.Context, accountID string) ([]*models.TrustedDevice, error) {
	if m.DevicesFunc == nil {
		return []*models.TrustedDevice{}, nil
	}
	return m.DevicesFunc(ctx, accountID)
}

// MockSessionIssuer implements SessionIssuer for testing
type MockSessionIssuer struct {
	GenerateAccessTokenFunc func(accountID, email string) (string, error)
	Expiry                  time.Duration
}

func (m *MockSessionIssuer) GenerateAccessToken(accountID, email string) (string, error) {
	if m.GenerateAccessTokenFunc == nil {
		return "access-token-" + accountID, nil
	}
	return m.GenerateAccessTokenFunc(accountID, email)
}

func (m *MockSessionIssuer) AccessTokenExpiry() time.Duration {
	if m.Expiry == 0 {
		return 15 * time.Minute
	}
	return m.Expiry
}

// MockTwoFactorService implements TwoFactorServiceInterface for testing
type MockTwoFactorService struct {
	BeginEnrollmentFunc       func(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error)
	ConfirmEnrollmentFunc     func(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) error
	RegenerateBackupCodesFunc func(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) ([]string, error)
	DisableFunc               func(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) error
}

func (m *MockTwoFactorService) BeginEnrollment(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error) {
	if m.BeginEnrollmentFunc == nil {
		return nil, models.ErrTwoFactorAlreadyEnabled
	}
	return m.BeginEnrollmentFunc(ctx, account)
}

func (m *MockTwoFactorService) ConfirmEnrollment(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) error {
	if m.ConfirmEnrollmentFunc == nil {
		return nil
	}
	return m.ConfirmEnrollmentFunc(ctx, account, code, meta)
}

func (m *MockTwoFactorService) RegenerateBackupCodes(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) ([]string, error) {
	if m.RegenerateBackupCodesFunc == nil {
		return nil, models.ErrTwoFactorNotEnabled
	}
	return m.RegenerateBackupCodesFunc(ctx, account, code, meta)
}

func (m *MockTwoFactorService) Disable(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) error {
	if m.DisableFunc == nil {
		return nil
	}
	return m.DisableFunc(ctx, account, code, meta)
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	ResetAccountFunc   func(ctx context.Context, actor *models.Account, targetID string, meta services.RequestMeta) error
	SetActiveFunc      func(ctx context.Context, actor *models.Account, targetID string, active bool, meta services.RequestMeta) error
	RecentActivityFunc func(ctx context.Context, targetID string, limit int) ([]services.ActivityEntry, error)
}

func (m *MockAdminService) ResetAccount(ctx context.Context, actor *models.Account, targetID string, meta services.RequestMeta) error {
	if m.ResetAccountFunc == nil {
		return nil
	}
	return m.ResetAccountFunc(ctx, actor, targetID, meta)
}

func (m *MockAdminService) SetActive(ctx context.Context, actor *models.Account, targetID string, active bool, meta services.RequestMeta) error {
	if m.SetActiveFunc == nil {
		return nil
	}
	return m.SetActiveFunc(ctx, actor, targetID, active, meta)
}

func (m *MockAdminService) RecentActivity(ctx context.Context, targetID string, limit int) ([]services.ActivityEntry, error) {
	if m.RecentActivityFunc == nil {
		return []services.ActivityEntry{}, nil
	}
	return m.RecentActivityFunc(ctx, targetID, limit)
}
