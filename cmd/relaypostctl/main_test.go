package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	body   []byte
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

func fakeAPI(t *testing.T) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: body})
		rec.mu.Unlock()
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"job-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/jobs":
			_, _ = w.Write([]byte(`{"jobs":[{"id":"job-1","identityId":"acct-1","threadTarget":"threads/a.1/","status":"failed","retryCount":3,"failureReason":"boom"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/identities":
			_, _ = w.Write([]byte(`{"activeAccountId":"acct-1","accounts":{"acct-2":{"id":"acct-2","displayLabel":"Bob","status":"synced"},"acct-1":{"id":"acct-1","displayLabel":"Alice","status":"synced","profile":{"userId":"1","username":"alice"}}}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/identities/acct-9/activate":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":"identity_mismatch","message":"expected user \"42\", observed \"99\"","correlationId":"c"}`))
		case r.URL.Path == "/v1/identities/export":
			_, _ = w.Write([]byte(`{"accounts":{}}`))
		case r.URL.Path == "/v1/identities/import":
			_, _ = w.Write([]byte(`{"status":"imported"}`))
		case r.URL.Path == "/v1/jobs/sweep":
			_, _ = w.Write([]byte(`{"removed":2}`))
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(server.Close)
	return server, rec
}

func execute(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--base-url", server.URL, "--token", "secret-token"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestEnqueuePrintsJobID(t *testing.T) {
	server, calls := fakeAPI(t)
	out, err := execute(t, server, "enqueue", "--identity", "acct-1", "--thread", "threads/a.1/", "<b>hi</b>")
	require.NoError(t, err)
	assert.Equal(t, "job-1\n", out)

	all := calls.all()
	require.Len(t, all, 1)
	var body map[string]string
	require.NoError(t, json.Unmarshal(all[0].body, &body))
	assert.Equal(t, "<b>hi</b>", body["bodyHtml"])
	assert.Equal(t, "threads/a.1/", body["threadTarget"])
}

func TestEnqueueRequiresBody(t *testing.T) {
	server, calls := fakeAPI(t)
	_, err := execute(t, server, "enqueue", "--identity", "acct-1", "--thread", "threads/a.1/")
	assert.Error(t, err)
	assert.Empty(t, calls.all())
}

func TestJobsTable(t *testing.T) {
	server, calls := fakeAPI(t)
	out, err := execute(t, server, "jobs", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "boom")
	assert.Equal(t, "status=failed", calls.all()[0].query)
}

func TestIdentitiesMarksActive(t *testing.T) {
	server, _ := fakeAPI(t)
	out, err := execute(t, server, "identities")
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[1]), "*")
	assert.Contains(t, string(lines[1]), "acct-1")
	assert.Contains(t, string(lines[2]), "acct-2")
}

func TestActivateSurfacesServerError(t *testing.T) {
	server, _ := fakeAPI(t)
	_, err := execute(t, server, "activate", "acct-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity_mismatch")
}

func TestExportImportFiles(t *testing.T) {
	server, calls := fakeAPI(t)
	path := filepath.Join(t.TempDir(), "states.json")
	_, err := execute(t, server, "export", "-o", path)
	require.NoError(t, err)
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"accounts":{}}`, string(written))

	out, err := execute(t, server, "import", path)
	require.NoError(t, err)
	assert.Equal(t, "imported\n", out)
	all := calls.all()
	assert.JSONEq(t, `{"accounts":{}}`, string(all[len(all)-1].body))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = execute(t, server, "import", bad)
	assert.Error(t, err)
}

func TestSweepWithAge(t *testing.T) {
	server, calls := fakeAPI(t)
	out, err := execute(t, server, "sweep", "--older-than", "48h")
	require.NoError(t, err)
	assert.Equal(t, "removed 2\n", out)
	assert.Equal(t, "olderThan=48h0m0s", calls.all()[0].query)
}
