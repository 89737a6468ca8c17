package auth

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTOTPManager(t *testing.T) *TOTPManager {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	tm, err := NewTOTPManager(key, "Sentinel")
	require.NoError(t, err)
	return tm
}

// ============================================================================
// Constructor Tests
// ============================================================================

func TestTOTPManager_NewTOTPManager_InvalidKeyLength(t *testing.T) {
	for _, length := range []int{0, 16, 24, 31, 33, 64} {
		tm, err := NewTOTPManager(make([]byte, length), "Sentinel")
		assert.Error(t, err)
		assert.Nil(t, tm)
		assert.Contains(t, err.Error(), "must be exactly 32 bytes")
	}
}

// ============================================================================
// Secret Generation & Encryption Tests
// ============================================================================

func TestTOTPManager_GenerateSecretWithQR(t *testing.T) {
	tm := newTestTOTPManager(t)

	s, err := tm.GenerateSecretWithQR("admin@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, s.Secret)
	assert.True(t, strings.HasPrefix(s.QRCodeDataURL, "data:image/png;base64,"))
	assert.Len(t, s.Nonce, 12)

	plain, err := tm.DecryptSecret(s.Encrypted, s.Nonce)
	require.NoError(t, err)
	assert.Equal(t, s.Secret, string(plain))
}

func TestTOTPManager_DecryptSecret_WrongKey(t *testing.T) {
	a := newTestTOTPManager(t)
	b := newTestTOTPManager(t)

	enc, nonce, err := a.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	_, err = b.DecryptSecret(enc, nonce)
	assert.Error(t, err)

	_, err = a.DecryptSecret(enc, nonce[:4])
	assert.Error(t, err)
}

// ============================================================================
// Code Matching Tests
// ============================================================================

const testSecret = "JBSWY3DPEHPK3PXP"

func TestTOTPManager_MatchStep_CurrentStep(t *testing.T) {
	tm := newTestTOTPManager(t)
	now := time.Unix(1_700_000_000, 0)

	code, err := tm.GenerateCode(testSecret, now)
	require.NoError(t, err)

	step, ok, err := tm.MatchStep(testSecret, code, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StepAt(now), step)
}

func TestTOTPManager_MatchStep_Skew(t *testing.T) {
	tm := newTestTOTPManager(t)
	now := time.Unix(1_700_000_000, 0)

	prev, err := tm.GenerateCode(testSecret, now.Add(-30*time.Second))
	require.NoError(t, err)
	next, err := tm.GenerateCode(testSecret, now.Add(30*time.Second))
	require.NoError(t, err)

	step, ok, err := tm.MatchStep(testSecret, prev, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StepAt(now)-1, step)

	step, ok, err = tm.MatchStep(testSecret, next, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StepAt(now)+1, step)
}

func TestTOTPManager_MatchStep_OutsideWindow(t *testing.T) {
	tm := newTestTOTPManager(t)
	now := time.Unix(1_700_000_000, 0)

	old, err := tm.GenerateCode(testSecret, now.Add(-2*time.Minute))
	require.NoError(t, err)

	current, err := tm.GenerateCode(testSecret, now)
	require.NoError(t, err)
	if old == current {
		t.Skip("codes collided")
	}

	_, ok, err := tm.MatchStep(testSecret, old, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTOTPManager_MatchStep_Malformed(t *testing.T) {
	tm := newTestTOTPManager(t)
	now := time.Now()

	for _, code := range []string{"", "12345", "1234567", "abcdef"} {
		_, ok, err := tm.MatchStep(testSecret, code, now)
		assert.NoError(t, err)
		assert.False(t, ok, code)
	}
}

// ============================================================================
// Backup Code Tests
// ============================================================================

func TestTOTPManager_GenerateBackupCodes(t *testing.T) {
	tm := newTestTOTPManager(t)

	codes, err := tm.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, c := range codes {
		assert.Len(t, c, 9)
		assert.Equal(t, byte('-'), c[4])
		assert.True(t, LooksLikeBackupCode(c), c)
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}

func TestFillFromCharset_DiscardsBiasedBytes(t *testing.T) {
	// 248..255 would wrap onto the first eight characters.
	src := bytes.Repeat([]byte{255}, 8)
	src = append(src, 248, 0, 30, 31, 247, 1, 2, 3)
	src = append(src, 4, 5, 6, 7, 8, 9, 10, 11)
	dst := make([]byte, 8)

	require.NoError(t, fillFromCharset(bytes.NewReader(src), dst, backupCodeCharset))

	// 247 % 31 == 30, 31 % 31 == 0
	assert.Equal(t, "2Z2Z3456", string(dst))
}

func TestFillFromCharset_ShortRead(t *testing.T) {
	dst := make([]byte, 8)
	err := fillFromCharset(bytes.NewReader(bytes.Repeat([]byte{250}, 8)), dst, backupCodeCharset)
	assert.Error(t, err)
}

func TestTOTPManager_HashBackupCode_Normalizes(t *testing.T) {
	tm := newTestTOTPManager(t)

	h := tm.HashBackupCode("ABCD-EFGH")
	assert.Equal(t, h, tm.HashBackupCode("abcd efgh"))
	assert.Equal(t, h, tm.HashBackupCode(" abcdefgh "))
	assert.Len(t, h, 64)
	assert.NotEqual(t, h, tm.HashBackupCode("ABCD-EFGJ"))
}

func TestLooksLikeBackupCode(t *testing.T) {
	assert.True(t, LooksLikeBackupCode("ab2c-d3ef"))
	assert.False(t, LooksLikeBackupCode("123456"))
	assert.False(t, LooksLikeBackupCode("ABCD-EFG0"))
	assert.False(t, LooksLikeBackupCode("ABCD-EFGHJ"))
}
