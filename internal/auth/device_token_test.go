package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeviceTokenManager(t *testing.T) *DeviceTokenManager {
	t.Helper()
	m, err := NewDeviceTokenManager([]byte(strings.Repeat("d", 32)))
	require.NoError(t, err)
	return m
}

func TestDeviceTokenManager_RoundTrip(t *testing.T) {
	m := newTestDeviceTokenManager(t)
	fph := DeviceFingerprint("Mozilla/5.0 (X11; Linux x86_64)")

	token, err := m.Issue("Admin@Example.com", "01HZZZDEVICE", fph, time.Now().Add(72*time.Hour))
	require.NoError(t, err)
	assert.NotContains(t, token, fph)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", claims.Subject)
	assert.Equal(t, "01HZZZDEVICE", claims.DeviceID)
	assert.Equal(t, fph, claims.FingerprintHash)
}

func TestDeviceTokenManager_Expired(t *testing.T) {
	m := newTestDeviceTokenManager(t)

	token, err := m.Issue("admin@example.com", "dev", "fph", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = m.Parse(token)
	assert.ErrorIs(t, err, models.ErrInvalidDeviceToken)
}

func TestDeviceTokenManager_Tampered(t *testing.T) {
	m := newTestDeviceTokenManager(t)

	token, err := m.Issue("admin@example.com", "dev", "fph", time.Now().Add(time.Hour))
	require.NoError(t, err)

	b := []byte(token)
	if b[len(b)-2] == 'A' {
		b[len(b)-2] = 'B'
	} else {
		b[len(b)-2] = 'A'
	}
	_, err = m.Parse(string(b))
	assert.ErrorIs(t, err, models.ErrInvalidDeviceToken)

	_, err = m.Parse("%%%")
	assert.ErrorIs(t, err, models.ErrInvalidDeviceToken)

	_, err = m.Parse("")
	assert.ErrorIs(t, err, models.ErrInvalidDeviceToken)
}

func TestDeviceTokenManager_ForeignKey(t *testing.T) {
	a := newTestDeviceTokenManager(t)
	b, err := NewDeviceTokenManager([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)

	token, err := a.Issue("admin@example.com", "dev", "fph", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = b.Parse(token)
	assert.ErrorIs(t, err, models.ErrInvalidDeviceToken)
}

func TestNewDeviceTokenManager_KeyLength(t *testing.T) {
	_, err := NewDeviceTokenManager([]byte("short"))
	assert.Error(t, err)
}

func TestDeviceFingerprint(t *testing.T) {
	a := DeviceFingerprint("Mozilla/5.0 Chrome/120")
	assert.Equal(t, a, DeviceFingerprint("  mozilla/5.0 chrome/120 "))
	assert.NotEqual(t, a, DeviceFingerprint("Mozilla/5.0 Firefox/121"))
	assert.Len(t, a, 64)
}
