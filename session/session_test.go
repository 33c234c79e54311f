package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymcp/paygate/session"
)

func TestHTTPProviderResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/sessions/sess-1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"u1","email":"u1@example.com"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	provider := session.NewHTTPProvider(srv.URL, "secret")

	user, err := provider.Resolve(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "u1@example.com", user.Email)

	// Unknown session is anonymous, not an error.
	user, err = provider.Resolve(context.Background(), "sess-missing")
	require.NoError(t, err)
	assert.Nil(t, user)

	// Empty session id skips the lookup entirely.
	user, err = provider.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestHTTPProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := session.NewHTTPProvider(srv.URL, "")
	_, err := provider.Resolve(context.Background(), "sess-1")
	require.ErrorContains(t, err, "session lookup failed (500)")
}

func TestStaticProvider(t *testing.T) {
	provider := &session.StaticProvider{Users: map[string]*session.User{
		"sess-1": {ID: "u1"},
	}}

	user, err := provider.Resolve(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	user, err = provider.Resolve(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, user)
}
