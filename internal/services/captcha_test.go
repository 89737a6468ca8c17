package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnstileVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "captcha-secret", r.PostForm.Get("secret"))
		assert.Equal(t, "203.0.113.5", r.PostForm.Get("remoteip"))

		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("response") == "good-token" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	v := NewTurnstileVerifier("captcha-secret", srv.URL, time.Second)

	ok, err := v.Verify(context.Background(), "good-token", "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), "bad-token", "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.Verify(context.Background(), "", "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTurnstileVerifier_ProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewTurnstileVerifier("s", srv.URL, time.Second)
	ok, err := v.Verify(context.Background(), "token", "")
	assert.Error(t, err)
	assert.False(t, ok)

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()

	v = NewTurnstileVerifier("s", garbage.URL, time.Second)
	_, err = v.Verify(context.Background(), "token", "")
	assert.Error(t, err)
}
