package forum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/relaypost/internal/identity"
)

var fixedNow = time.Unix(1_760_000_000, 0)

type snapshotMap map[string]identity.Snapshot

func (m snapshotMap) Snapshot(_ context.Context, id string) (identity.Snapshot, error) {
	snapshot, ok := m[id]
	if !ok {
		return identity.Snapshot{}, fmt.Errorf("%w: %s", identity.ErrIdentityNotFound, id)
	}
	return snapshot, nil
}

func forumSnapshot(extra ...identity.AuthToken) identity.Snapshot {
	tokens := []identity.AuthToken{
		{Name: "xf_user", Domain: ".forum.test", Path: "/", Value: "42,secret"},
		{Name: "xf_csrf", Domain: ".forum.test", Path: "/", Value: "cookiecsrf"},
	}
	return identity.Snapshot{
		ID:         "acct-1",
		AuthTokens: append(tokens, extra...),
		Status:     identity.StatusSynced,
		Profile:    &identity.Profile{ExternalUserID: "42", Username: "poster"},
	}
}

// fakeForum serves one thread page and records the add-reply submission.
type fakeForum struct {
	mu        sync.Mutex
	page      string
	reply     string
	status    int
	posted    url.Values
	postHdr   http.Header
	getCookie string
	gets      int
}

func (f *fakeForum) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/threads/hello.1/":
		f.gets++
		f.getCookie = r.Header.Get("Cookie")
		_, _ = io.WriteString(w, f.page)
	case r.Method == http.MethodPost && r.URL.Path == "/threads/hello.1/add-reply":
		_ = r.ParseForm()
		f.posted = r.PostForm
		f.postHdr = r.Header.Clone()
		status := f.status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, f.reply)
	default:
		http.NotFound(w, r)
	}
}

func newTestSender(t *testing.T, server *httptest.Server, snapshots snapshotMap) *Sender {
	t.Helper()
	sender, err := NewSender(snapshots, SenderOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Clock:      func() time.Time { return fixedNow },
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return sender
}

const threadPage = `<html><head><meta name="csrf-token" content="meta-token"></head><body>
<form action="/threads/hello.1/add-reply" method="post">
<input type="hidden" name="_xfToken" value="1760000000,formhash">
<input type="hidden" name="last_date" value="1759999000">
</form></body></html>`

func TestSendPostsReplyWithSnapshotCookies(t *testing.T) {
	forum := &fakeForum{page: threadPage, reply: `{"status":"ok"}`}
	server := httptest.NewServer(forum)
	defer server.Close()
	sender := newTestSender(t, server, snapshotMap{"acct-1": forumSnapshot()})

	err := sender.Send(context.Background(), "acct-1", "/threads/hello.1/", "Hello <b>there</b>")
	require.NoError(t, err)

	assert.Equal(t, "xf_user=42,secret; xf_csrf=cookiecsrf", forum.getCookie)
	assert.Equal(t, "<p>Hello <b>there</b></p>", forum.posted.Get("message_html"))
	assert.Equal(t, "1760000000,formhash", forum.posted.Get("_xfToken"))
	assert.Equal(t, "1760000000,formhash", forum.posted.Get("_xfRequestToken"))
	assert.Equal(t, "json", forum.posted.Get("_xfResponseType"))
	assert.Equal(t, "1", forum.posted.Get("_xfWithData"))
	assert.Equal(t, "1759999000", forum.posted.Get("last_date"))
	assert.Equal(t, server.URL, forum.postHdr.Get("Origin"))
	assert.Equal(t, server.URL+"/threads/hello.1/", forum.postHdr.Get("Referer"))
	assert.Equal(t, forum.getCookie, forum.postHdr.Get("Cookie"))
}

func TestSendAcceptsAbsoluteThreadTarget(t *testing.T) {
	forum := &fakeForum{page: threadPage, reply: `{"status":"ok"}`}
	server := httptest.NewServer(forum)
	defer server.Close()
	sender := newTestSender(t, server, snapshotMap{"acct-1": forumSnapshot()})

	require.NoError(t, sender.Send(context.Background(), "acct-1", server.URL+"/threads/hello.1/", "hi"))
	assert.Equal(t, 1, forum.gets)
}

func TestSendTokenDiscoveryOrder(t *testing.T) {
	cases := []struct {
		name string
		page string
		want string
	}{
		{"form field", threadPage, "1760000000,formhash"},
		{"inline config", `<html><head><meta name="csrf-token" content="meta-token"><script>XF.config = { csrf: 'inlinehash', url: {} };</script></head></html>`, "1760000000,inlinehash"},
		{"meta tag", `<html><head><meta name="csrf-token" content="meta-token"></head></html>`, "meta-token"},
		{"cookie fallback", `<html><body>nothing here</body></html>`, "1760000000,cookiecsrf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forum := &fakeForum{page: tc.page, reply: `{"status":"ok"}`}
			server := httptest.NewServer(forum)
			defer server.Close()
			sender := newTestSender(t, server, snapshotMap{"acct-1": forumSnapshot()})

			require.NoError(t, sender.Send(context.Background(), "acct-1", "threads/hello.1/", "x"))
			assert.Equal(t, tc.want, forum.posted.Get("_xfToken"))
		})
	}
}

func TestSendLastDateFallbacks(t *testing.T) {
	page := `<html><body><input name="_xfToken" value="t"></body></html>`

	forum := &fakeForum{page: page, reply: `{"status":"ok"}`}
	server := httptest.NewServer(forum)
	defer server.Close()
	withCookie := forumSnapshot(identity.AuthToken{Name: "xf_last_date", Domain: ".forum.test", Path: "/", Value: "1700000000"})
	sender := newTestSender(t, server, snapshotMap{"with": withCookie, "without": forumSnapshot()})

	require.NoError(t, sender.Send(context.Background(), "with", "/threads/hello.1/", "x"))
	assert.Equal(t, "1700000000", forum.posted.Get("last_date"))

	require.NoError(t, sender.Send(context.Background(), "without", "/threads/hello.1/", "x"))
	assert.Equal(t, "1760000000", forum.posted.Get("last_date"))
}

func TestSendRequiresCSRFCookie(t *testing.T) {
	forum := &fakeForum{page: threadPage, reply: `{"status":"ok"}`}
	server := httptest.NewServer(forum)
	defer server.Close()
	snapshot := forumSnapshot()
	snapshot.AuthTokens = snapshot.AuthTokens[:1]
	sender := newTestSender(t, server, snapshotMap{"acct-1": snapshot})

	err := sender.Send(context.Background(), "acct-1", "/threads/hello.1/", "x")
	assert.ErrorIs(t, err, ErrMissingCSRFCredential)
	assert.Zero(t, forum.gets)
}

func TestSendUnknownIdentity(t *testing.T) {
	forum := &fakeForum{page: threadPage}
	server := httptest.NewServer(forum)
	defer server.Close()
	sender := newTestSender(t, server, snapshotMap{})

	err := sender.Send(context.Background(), "ghost", "/threads/hello.1/", "x")
	assert.ErrorIs(t, err, identity.ErrIdentityNotFound)
}

func TestSendClassifiesRejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		reply  string
		check  func(t *testing.T, err error)
	}{
		{
			name:  "anti flood",
			reply: `{"status":"error","errors":["You must wait at least 45 seconds before performing this action."]}`,
			check: func(t *testing.T, err error) {
				var flood *AntiFloodError
				require.ErrorAs(t, err, &flood)
				assert.Equal(t, 45*time.Second, flood.RetryAfter)
			},
		},
		{
			name:   "anti flood on 400",
			status: http.StatusBadRequest,
			reply:  `{"status":"error","errors":{"message":"Please wait 2 minutes."}}`,
			check: func(t *testing.T, err error) {
				var flood *AntiFloodError
				require.ErrorAs(t, err, &flood)
				assert.Equal(t, 2*time.Minute, flood.RetryAfter)
			},
		},
		{
			name:  "cookies",
			reply: `{"status":"error","errors":["Cookies are required to use this site."]}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrAuthRejected)
			},
		},
		{
			name:  "security",
			reply: `{"status":"error","errors":["Security error occurred. Please press back, refresh the page, and try again."]}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrSecurityRejected)
			},
		},
		{
			name:  "generic",
			reply: `{"status":"error","errors":["The thread is closed."]}`,
			check: func(t *testing.T, err error) {
				var sendErr *SendError
				require.ErrorAs(t, err, &sendErr)
				assert.Equal(t, KindGeneric, sendErr.Kind)
				assert.Equal(t, []string{"The thread is closed."}, sendErr.Messages)
				assert.False(t, errors.Is(err, ErrAuthRejected))
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			reply:  `<html>bad gateway</html>`,
			check: func(t *testing.T, err error) {
				var httpErr *HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
			},
		},
		{
			name:  "not json",
			reply: `<html>login</html>`,
			check: func(t *testing.T, err error) {
				var sendErr *SendError
				require.ErrorAs(t, err, &sendErr)
				assert.Equal(t, KindGeneric, sendErr.Kind)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forum := &fakeForum{page: threadPage, reply: tc.reply, status: tc.status}
			server := httptest.NewServer(forum)
			defer server.Close()
			sender := newTestSender(t, server, snapshotMap{"acct-1": forumSnapshot()})

			err := sender.Send(context.Background(), "acct-1", "/threads/hello.1/", "x")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestSendThreadFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	sender := newTestSender(t, server, snapshotMap{"acct-1": forumSnapshot()})

	err := sender.Send(context.Background(), "acct-1", "/threads/missing.9/", "x")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestNewSenderRequiresBaseURL(t *testing.T) {
	_, err := NewSender(snapshotMap{}, SenderOptions{BaseURL: "forum.test"})
	assert.Error(t, err)
}

func TestSnippetKeepsWholeRunes(t *testing.T) {
	body := strings.Repeat("a", 255) + "ééé"
	got := snippet([]byte(body))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 255), got)

	assert.Equal(t, "short", snippet([]byte("  short \n")))
	assert.Len(t, snippet([]byte(strings.Repeat("b", 300))), 256)
}
