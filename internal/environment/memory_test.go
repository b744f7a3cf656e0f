package environment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaypost/internal/identity"
)

func token(name, domain, path, value string) identity.AuthToken {
	return identity.AuthToken{Name: name, Domain: domain, Path: path, Value: value, SameSite: identity.SameSiteLax}
}

func TestMemoryJarRoundTripsAttributes(t *testing.T) {
	ctx := context.Background()
	jar := NewMemoryJar()
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	want := identity.AuthToken{
		Name: "xf_user", Domain: ".forum.test", Path: "/", Value: "42,abc",
		Secure: true, HTTPOnly: true, SameSite: identity.SameSiteStrict, Expiry: &expiry,
	}
	require.NoError(t, jar.Set(ctx, want))

	got, err := jar.GetAll(ctx, "forum.test")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}

func TestMemoryJarFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	jar := NewMemoryJar()
	require.NoError(t, jar.Set(ctx, token("b", ".forum.test", "/", "1")))
	require.NoError(t, jar.Set(ctx, token("a", ".forum.test", "/", "2")))
	require.NoError(t, jar.Set(ctx, token("c", "cdn.forum.test", "/", "3")))
	require.NoError(t, jar.Set(ctx, token("z", "other.test", "/", "4")))

	got, err := jar.GetAll(ctx, "forum.test")
	require.NoError(t, err)
	var names []string
	for _, tok := range got {
		names = append(names, tok.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	all, err := jar.GetAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryJarDropsExpired(t *testing.T) {
	ctx := context.Background()
	jar := NewMemoryJar()
	past := time.Now().Add(-time.Minute)
	expired := token("old", "forum.test", "/", "x")
	expired.Expiry = &past
	require.NoError(t, jar.Set(ctx, expired))

	got, err := jar.GetAll(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, jar.Len())
}

func TestMemoryJarRemoveUsesTokenURL(t *testing.T) {
	ctx := context.Background()
	jar := NewMemoryJar()
	session := token("xf_session", ".forum.test", "/", "s")
	session.Secure = true
	require.NoError(t, jar.Set(ctx, session))
	require.NoError(t, jar.Set(ctx, token("xf_session", ".forum.test", "/admin", "admin")))

	require.NoError(t, jar.Remove(ctx, session.URL(), session.Name))
	got, err := jar.GetAll(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/admin", got[0].Path)

	assert.ErrorIs(t, jar.Remove(ctx, "not a url", "x"), ErrInvalidCookie)
	assert.ErrorIs(t, jar.Set(ctx, identity.AuthToken{Name: "x"}), ErrInvalidCookie)
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(ctx, "theme", "dark"))

	all, err := storage.All(ctx)
	require.NoError(t, err)
	all["theme"] = "mutated"

	again, err := storage.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"theme": "dark"}, again)

	require.NoError(t, storage.Clear(ctx))
	again, err = storage.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestHTTPFetcherSendsMatchingCookies(t *testing.T) {
	ctx := context.Background()
	var gotCookies []*http.Cookie
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookies = r.Cookies()
		http.SetCookie(w, &http.Cookie{Name: "xf_csrf", Value: "fresh", Path: "/", HttpOnly: true})
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	env := NewMemory()
	require.NoError(t, env.Jar.Set(ctx, token("xf_user", "127.0.0.1", "/", "42")))
	require.NoError(t, env.Jar.Set(ctx, token("scoped", "127.0.0.1", "/elsewhere", "no")))
	secure := token("secure_only", "127.0.0.1", "/", "no")
	secure.Secure = true
	require.NoError(t, env.Jar.Set(ctx, secure))

	fetcher := NewHTTPFetcher(env.Jar, HTTPFetcherOptions{})
	status, body, err := fetcher.Fetch(ctx, server.URL+"/threads/1/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<html>ok</html>", string(body))

	require.Len(t, gotCookies, 1)
	assert.Equal(t, "xf_user", gotCookies[0].Name)

	stored, err := env.Jar.GetAll(ctx, "127.0.0.1")
	require.NoError(t, err)
	found := false
	for _, tok := range stored {
		if tok.Name == "xf_csrf" {
			found = true
			assert.Equal(t, "fresh", tok.Value)
			assert.True(t, tok.HTTPOnly)
		}
	}
	assert.True(t, found, "response cookie stored in jar")
}

func TestHTTPFetcherRejectsRelativeURL(t *testing.T) {
	fetcher := NewHTTPFetcher(NewMemoryJar(), HTTPFetcherOptions{})
	_, _, err := fetcher.Fetch(context.Background(), "/threads/1")
	assert.Error(t, err)
}

func TestPathMatch(t *testing.T) {
	assert.True(t, pathMatch("/threads/1", "/"))
	assert.True(t, pathMatch("/threads/1", "/threads"))
	assert.True(t, pathMatch("/threads/1", "/threads/"))
	assert.False(t, pathMatch("/threadsx", "/threads"))
	assert.False(t, pathMatch("/", "/threads"))
}
