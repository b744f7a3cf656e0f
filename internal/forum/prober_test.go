package forum

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaypost/internal/environment"
	"github.com/agentworkforce/relaypost/internal/identity"
)

func TestProberReadsProfileWithLiveCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("xf_user"); err == nil && c.Value == "42" {
			_, _ = w.Write([]byte(memberPage))
			return
		}
		_, _ = w.Write([]byte(`<html><body><div data-user-id="0">Guest</div></body></html>`))
	}))
	defer server.Close()

	live := environment.NewMemory()
	prober := NewProber(environment.NewHTTPFetcher(live.Jar, environment.HTTPFetcherOptions{}), server.URL+"/")

	profile, err := prober.CurrentProfile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, profile)

	require.NoError(t, live.Jar.Set(context.Background(), identity.AuthToken{Name: "xf_user", Domain: "127.0.0.1", Path: "/", Value: "42"}))
	profile, err = prober.CurrentProfile(context.Background())
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "42", profile.ExternalUserID)
	assert.Equal(t, "poster", profile.Username)
}

func TestProberReportsHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	prober := NewProber(environment.NewHTTPFetcher(environment.NewMemoryJar(), environment.HTTPFetcherOptions{}), server.URL)
	_, err := prober.CurrentProfile(context.Background())
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}
