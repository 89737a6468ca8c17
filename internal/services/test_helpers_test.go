package services

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/repositories"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testPassword = "Correct-Horse-42"

var errStoreDown = errors.New("connection refused")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func testHasher() *pkgauth.Hasher {
	return pkgauth.NewHasher(pkgauth.Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
}

func newTestVerifier(t *testing.T) *pkgauth.CredentialVerifier {
	t.Helper()
	v, err := pkgauth.NewCredentialVerifier(testHasher())
	require.NoError(t, err)
	return v
}

func newTestTOTPManager(t *testing.T) *auth.TOTPManager {
	t.Helper()
	tm, err := auth.NewTOTPManager(randomKey(t), "Sentinel")
	require.NoError(t, err)
	return tm
}

func newTestDeviceTokens(t *testing.T) *auth.DeviceTokenManager {
	t.Helper()
	m, err := auth.NewDeviceTokenManager(randomKey(t))
	require.NoError(t, err)
	return m
}

// newTestRateStore returns a Redis-backed counter store on miniredis.
func newTestRateStore(t *testing.T) (*miniredis.Miniredis, *repositories.RedisRateLimitStore) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, repositories.NewRedisRateLimitStore(client, "test")
}

// NewTestAccount returns an active admin whose password is testPassword.
func NewTestAccount(t *testing.T, email string) *models.Account {
	t.Helper()
	hash, err := testHasher().Hash(testPassword)
	require.NoError(t, err)

	now := time.Now()
	return &models.Account{
		ID:                     uuid.NewString(),
		Email:                  email,
		PasswordHash:           hash,
		IsActive:               true,
		Role:                   models.RoleAdmin,
		LastCredentialChangeAt: now.Add(-time.Hour),
		CreatedAt:              now.Add(-time.Hour),
		UpdatedAt:              now.Add(-time.Hour),
	}
}

// enrollTOTP turns TOTP on for account with backup codes and returns the
// plaintext secret and codes.
func enrollTOTP(t *testing.T, tm *auth.TOTPManager, account *models.Account) (string, []string) {
	t.Helper()
	secret := "JBSWY3DPEHPK3PXP"
	enc, nonce, err := tm.EncryptSecret([]byte(secret))
	require.NoError(t, err)

	codes, err := tm.GenerateBackupCodes(models.BackupCodeCount)
	require.NoError(t, err)
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = tm.HashBackupCode(c)
	}

	account.TOTPEnabled = true
	account.TOTPSecretEncrypted = enc
	account.TOTPSecretNonce = nonce
	account.BackupCodeHashes = hashes
	return secret, codes
}

// ============================================================================
// In-memory account store
// ============================================================================

// memoryStore implements AccountStore with the same conditional-update
// semantics as the Postgres repository. Every method holds the lock for its
// whole read-modify-write.
type memoryStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	devices  map[string]*models.TrustedDevice

	// err, when set, is returned by every method.
	err error
}

func newMemoryStore(accounts ...*models.Account) *memoryStore {
	s := &memoryStore{
		accounts: make(map[string]*models.Account),
		devices:  make(map[string]*models.TrustedDevice),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = cloneAccount(a)
	}
	return s
}

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	c.BackupCodeHashes = slices.Clone(a.BackupCodeHashes)
	if a.LockoutUntil != nil {
		until := *a.LockoutUntil
		c.LockoutUntil = &until
	}
	if a.TOTPLastStep != nil {
		step := *a.TOTPLastStep
		c.TOTPLastStep = &step
	}
	return &c
}

func (s *memoryStore) account(id string) (*models.Account, error) {
	if s.err != nil {
		return nil, s.err
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return a, nil
}

// snapshot returns a copy of the stored account.
func (s *memoryStore) snapshot(id string) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAccount(s.accounts[id])
}

// update mutates the stored account in place.
func (s *memoryStore) update(id string, fn func(*models.Account)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.accounts[id])
}

func (s *memoryStore) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, a := range s.accounts {
		if a.Email == email {
			return cloneAccount(a), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *memoryStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return nil, err
	}
	return cloneAccount(a), nil
}

func (s *memoryStore) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, a := range s.accounts {
		if a.Email == account.Email {
			return nil, models.ErrConflict
		}
	}
	c := cloneAccount(account)
	c.ID = uuid.NewString()
	s.accounts[c.ID] = c
	return cloneAccount(c), nil
}

func (s *memoryStore) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (*models.LoginFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return nil, err
	}

	if a.IsLocked(now) {
		return &models.LoginFailure{FailedAttempts: a.FailedLoginAttempts, LockoutUntil: a.LockoutUntil}, nil
	}

	a.FailedLoginAttempts++
	if a.FailedLoginAttempts >= threshold {
		a.FailedLoginAttempts = 0
		until := lockUntil
		a.LockoutUntil = &until
		return &models.LoginFailure{LockoutUntil: &until, LockedNow: true}, nil
	}
	return &models.LoginFailure{FailedAttempts: a.FailedLoginAttempts, LockoutUntil: a.LockoutUntil}, nil
}

func (s *memoryStore) ResetFailureCounters(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.FailedLoginAttempts = 0
	a.LockoutUntil = nil
	return nil
}

func (s *memoryStore) RemoveBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return false, err
	}
	i := slices.Index(a.BackupCodeHashes, codeHash)
	if i < 0 {
		return false, nil
	}
	a.BackupCodeHashes = slices.Delete(a.BackupCodeHashes, i, i+1)
	return true, nil
}

func (s *memoryStore) ReplaceBackupCodes(ctx context.Context, id string, codeHashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.BackupCodeHashes = slices.Clone(codeHashes)
	return nil
}

func (s *memoryStore) AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return false, err
	}
	if a.TOTPLastStep != nil && *a.TOTPLastStep >= step {
		return false, nil
	}
	a.TOTPLastStep = &step
	return true, nil
}

func (s *memoryStore) SetTOTP(ctx context.Context, id string, encrypted, nonce []byte, codeHashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	if a.TOTPEnabled {
		return models.ErrTwoFactorAlreadyEnabled
	}
	a.TOTPSecretEncrypted = encrypted
	a.TOTPSecretNonce = nonce
	a.BackupCodeHashes = slices.Clone(codeHashes)
	a.TOTPLastStep = nil
	return nil
}

func (s *memoryStore) EnableTOTP(ctx context.Context, id string, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	if a.TOTPEnabled || len(a.TOTPSecretEncrypted) == 0 {
		return models.ErrConflict
	}
	a.TOTPEnabled = true
	a.TOTPLastStep = &step
	return nil
}

func (s *memoryStore) ClearTOTP(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.TOTPEnabled = false
	a.TOTPSecretEncrypted = nil
	a.TOTPSecretNonce = nil
	a.TOTPLastStep = nil
	a.BackupCodeHashes = nil
	return nil
}

func (s *memoryStore) AppendTrustedDevice(ctx context.Context, device *models.TrustedDevice, max int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.account(device.AccountID); err != nil {
		return err
	}

	owned := make([]*models.TrustedDevice, 0)
	for id, d := range s.devices {
		if d.AccountID != device.AccountID {
			continue
		}
		if !d.ExpiresAt.After(now) {
			delete(s.devices, id)
			continue
		}
		owned = append(owned, d)
	}

	sort.Slice(owned, func(i, j int) bool { return owned[i].LastUsedAt.After(owned[j].LastUsedAt) })
	for i := max - 1; i >= 0 && i < len(owned); i++ {
		delete(s.devices, owned[i].ID)
	}

	c := *device
	c.CreatedAt = now
	s.devices[c.ID] = &c
	return nil
}

func (s *memoryStore) FindTrustedDevice(ctx context.Context, accountID, deviceID string) (*models.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	d, ok := s.devices[deviceID]
	if !ok || d.AccountID != accountID {
		return nil, models.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (s *memoryStore) ListTrustedDevices(ctx context.Context, accountID string) ([]*models.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*models.TrustedDevice, 0)
	for _, d := range s.devices {
		if d.AccountID == accountID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (s *memoryStore) TouchTrustedDevice(ctx context.Context, deviceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.LastUsedAt = now
	}
	return nil
}

func (s *memoryStore) DeleteTrustedDevices(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for id, d := range s.devices {
		if d.AccountID == accountID {
			delete(s.devices, id)
		}
	}
	return nil
}

func (s *memoryStore) deviceCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.devices {
		if d.AccountID == accountID {
			n++
		}
	}
	return n
}

func (s *memoryStore) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.PasswordHash = passwordHash
	a.LastCredentialChangeAt = changedAt
	a.FailedLoginAttempts = 0
	a.LockoutUntil = nil
	for did, d := range s.devices {
		if d.AccountID == id {
			delete(s.devices, did)
		}
	}
	return nil
}

func (s *memoryStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.PasswordHash = passwordHash
	return nil
}

func (s *memoryStore) TouchCredentialChange(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	if at.After(a.LastCredentialChangeAt) {
		a.LastCredentialChangeAt = at
	}
	return nil
}

func (s *memoryStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.IsActive = active
	return nil
}

// ============================================================================
// Rate limit store, audit, notifier and captcha mocks
// ============================================================================

// failingRateStore fails every call.
type failingRateStore struct{}

func (failingRateStore) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errStoreDown
}

func (failingRateStore) Peek(context.Context, string) (int64, time.Duration, error) {
	return 0, 0, errStoreDown
}

func (failingRateStore) Delete(context.Context, ...string) error {
	return errStoreDown
}

// recordingAudit keeps every entry it receives.
type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *recordingAudit) Record(ctx context.Context, entry AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingAudit) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.EventType
	}
	return out
}

func (r *recordingAudit) last() AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return AuditEntry{}
	}
	return r.entries[len(r.entries)-1]
}

// MockAuditLogRepository implements AuditLogRepository and AdminAuditRepository.
type MockAuditLogRepository struct {
	CreateFunc        func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	ListByAccountFunc func(ctx context.Context, accountID string, limit, offset int) ([]*models.AuditLog, error)
}

func (m *MockAuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	return log, nil
}

func (m *MockAuditLogRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.AuditLog, error) {
	if m.ListByAccountFunc != nil {
		return m.ListByAccountFunc(ctx, accountID, limit, offset)
	}
	return []*models.AuditLog{}, nil
}

// MockNotifier implements Notifier.
type MockDeviceTokens struct {
	IssueFunc func(email, deviceID, fingerprintHash string, expiresAt time.Time) (string, error)
	ParseFunc func(token string) (*auth.DeviceClaims, error)
}

func (m *MockDeviceTokens) Issue(email, deviceID, fingerprintHash string, expiresAt time.Time) (string, error) {
	if m.IssueFunc != nil {
		return m.IssueFunc(email, deviceID, fingerprintHash, expiresAt)
	}
	return "", nil
}

func (m *MockDeviceTokens) Parse(token string) (*auth.DeviceClaims, error) {
	if m.ParseFunc != nil {
		return m.ParseFunc(token)
	}
	return nil, models.ErrInvalidDeviceToken
}

type MockNotifier struct {
	NotifyLoginFunc func(ctx context.Context, n LoginNotification) error
}

func (m *MockNotifier) NotifyLogin(ctx context.Context, n LoginNotification) error {
	if m.NotifyLoginFunc != nil {
		return m.NotifyLoginFunc(ctx, n)
	}
	return nil
}

// captchaFunc adapts a function to CaptchaVerifier.
type captchaFunc func(ctx context.Context, token, remoteIP string) (bool, error)

func (f captchaFunc) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	return f(ctx, token, remoteIP)
}
