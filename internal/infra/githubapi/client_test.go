package githubapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
			return
		}
		switch r.URL.Path {
		case "/repos/psf/requests":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"requests","default_branch":"main"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{Token: "secret", BaseURL: srv.URL})
	require.NoError(t, err)

	repo, _, err := client.Repositories.Get(context.Background(), "psf", "requests")
	require.NoError(t, err)
	assert.Equal(t, "main", repo.GetDefaultBranch())

	_, _, err = client.Repositories.Get(context.Background(), "psf", "missing")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.False(t, IsRateLimited(err))
}

func TestStatusCode_NonHTTPError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, StatusCode(context.DeadlineExceeded))
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{BaseURL: "://bad"})
	assert.Error(t, err)
}
