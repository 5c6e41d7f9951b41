package adminauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protected(s *Service) http.Handler {
	return s.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestDisabledServicePassesThrough(t *testing.T) {
	s := NewService("")
	assert.False(t, s.Enabled())

	rec := httptest.NewRecorder()
	protected(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := s.GenerateToken("ops", time.Minute)
	assert.Error(t, err)
}

func TestValidTokenAccepted(t *testing.T) {
	s := NewService("topsecret")
	token, err := s.GenerateToken("ops", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(s).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRejections(t *testing.T) {
	s := NewService("topsecret")
	valid, err := s.GenerateToken("ops", time.Minute)
	require.NoError(t, err)
	expired, err := s.GenerateToken("ops", -time.Minute)
	require.NoError(t, err)
	other := NewService("different-secret")
	foreign, err := other.GenerateToken("ops", time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"missing header":  "",
		"not bearer":      "Basic " + valid,
		"garbage token":   "Bearer not.a.jwt",
		"expired token":   "Bearer " + expired,
		"wrong signature": "Bearer " + foreign,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			protected(s).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}
