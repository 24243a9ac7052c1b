package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/cfgsyncd/internal/config"
	"github.com/schaermu/cfgsyncd/internal/settings"
	cfgsync "github.com/schaermu/cfgsyncd/internal/sync"
)

const testSecret = "test-secret-123"

func init() {
	gin.SetMode(gin.TestMode)
}

// mockSyncer implements Syncer. When proceed is set, Sync blocks until it is
// closed.
type mockSyncer struct {
	workDir string
	err     error
	calls   atomic.Int32
	started chan struct{}
	proceed chan struct{}
	once    gosync.Once
}

func (m *mockSyncer) Sync(context.Context) (*cfgsync.Result, error) {
	m.calls.Add(1)
	if m.started != nil {
		m.once.Do(func() { close(m.started) })
	}
	if m.proceed != nil {
		<-m.proceed
	}
	if m.err != nil {
		return &cfgsync.Result{ID: "failed-run"}, m.err
	}
	return &cfgsync.Result{ID: "run-1", Path: "reconcile", Committed: true}, nil
}

func (m *mockSyncer) WorkDir() string { return m.workDir }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	server *Server
	syncer *mockSyncer
	store  *settings.FileStore
	cfg    *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	secretFile := filepath.Join(dir, "webhook-secret")
	require.NoError(t, os.WriteFile(secretFile, []byte(testSecret+"\n"), 0600))

	cfg := &config.Config{
		Paths: config.PathsConfig{
			WorkDir:      filepath.Join(dir, "configs"),
			SettingsFile: filepath.Join(dir, "settings.yaml"),
		},
		Serve: config.ServeConfig{
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretFile,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	syncer := &mockSyncer{workDir: cfg.Paths.WorkDir}
	store := settings.NewFileStore(cfg.Paths.SettingsFile)

	s, err := NewServer(cfg, syncer, store, testLogger())
	require.NoError(t, err)
	s.debounce.delay = 10 * time.Millisecond

	return &testEnv{server: s, syncer: syncer, store: store, cfg: cfg}
}

func (e *testEnv) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg := &config.Config{Serve: config.ServeConfig{GitHubWebhookSecretFile: "/nonexistent/secret"}}

	_, err := NewServer(cfg, &mockSyncer{}, nil, testLogger())
	assert.ErrorContains(t, err, "webhook secret")
}

func TestNewServer_InvalidAPICredentials(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.WriteFile(credFile, []byte("no-colon"), 0600))

	cfg := &config.Config{Serve: config.ServeConfig{APICredentialsFile: credFile}}
	_, err := NewServer(cfg, &mockSyncer{}, nil, testLogger())
	assert.ErrorContains(t, err, "user:password")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cfgsyncd_last_success_timestamp_seconds")
}

func TestHandleSync_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/sync", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Git sync completed successfully", body["message"])
	assert.EqualValues(t, 1, env.syncer.calls.Load())
}

func TestHandleSync_Conflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncer.err = &cfgsync.Error{
		Kind: cfgsync.KindConflict,
		Op:   "pull",
		Err:  &cfgsync.ConflictError{PullErr: errors.New("CONFLICT (content): Merge conflict in users.json")},
	}

	rec := env.do(http.MethodPost, "/api/sync", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "Merge conflict detected")
	assert.Contains(t, body["message"], "users.json")

	status := decode(t, env.do(http.MethodGet, "/api/status", nil, nil))
	last := status["last_sync"].(map[string]any)
	assert.Equal(t, false, last["success"])
	assert.Equal(t, "conflict", last["kind"])
	assert.Equal(t, "api", last["trigger"])
}

func TestHandleSync_ConcurrentRequestsShareRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncer.started = make(chan struct{})
	env.syncer.proceed = make(chan struct{})

	var wg gosync.WaitGroup
	codes := make([]int, 3)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = env.do(http.MethodPost, "/api/sync", nil, nil).Code
		}(i)
		if i == 0 {
			<-env.syncer.started
		}
	}

	// Give the late requests time to join the running sync.
	time.Sleep(100 * time.Millisecond)
	close(env.syncer.proceed)
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.EqualValues(t, 1, env.syncer.calls.Load(), "concurrent requests must share one sync")
}

func TestGetSettings_MasksKey(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Set(settings.KeyRemoteURL, "git@github.com:team/configs.git"))
	require.NoError(t, env.store.Set(settings.KeyPrivateKey, "super-secret"))

	rec := env.do(http.MethodGet, "/api/settings", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "git@github.com:team/configs.git", data["gitUrl"])
	assert.Equal(t, "********", data["sshKey"])
	assert.Equal(t, "main", data["gitBranch"])
	assert.NotContains(t, rec.Body.String(), "super-secret")
}

func TestPutSettings(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "malformed json", body: `{"gitUrl":`, wantCode: http.StatusBadRequest},
		{name: "invalid email", body: `{"gitEmail":"nope"}`, wantCode: http.StatusBadRequest},
		{name: "https url", body: `{"gitUrl":"https://github.com/team/configs.git"}`, wantCode: http.StatusBadRequest},
		{name: "invalid key", body: `{"sshKey":"ssh-rsa AAAA"}`, wantCode: http.StatusBadRequest},
		{name: "valid update", body: `{"gitUrl":"git@github.com:team/configs.git","gitBranch":"release"}`, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPut, "/api/settings", []byte(tt.body), nil)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}

	url, _, err := env.store.Get(settings.KeyRemoteURL)
	require.NoError(t, err)
	assert.Equal(t, "git@github.com:team/configs.git", url)

	branch, _, err := env.store.Get(settings.KeyBranch)
	require.NoError(t, err)
	assert.Equal(t, "release", branch)

	_, ok, err := env.store.Get(settings.KeyEmail)
	require.NoError(t, err)
	assert.False(t, ok, "rejected fields must not be stored")
}

func TestTestSettings(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/settings/test", []byte(`{"gitName":"   "}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 0, env.syncer.calls.Load(), "invalid settings must not trigger a sync")

	rec = env.do(http.MethodPost, "/api/settings/test", []byte(`{"gitName":"Ops"}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, env.syncer.calls.Load())

	env.syncer.err = errors.New("push rejected")
	rec = env.do(http.MethodPost, "/api/settings/test", []byte(`{"gitName":"Ops"}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "Git sync test failed: push rejected")
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, os.MkdirAll(env.cfg.Paths.WorkDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Paths.WorkDir, "users.json"), []byte("{}"), 0644))

	body := decode(t, env.do(http.MethodGet, "/api/status", nil, nil))
	assert.Equal(t, env.cfg.Paths.WorkDir, body["work_dir"])
	assert.Nil(t, body["last_sync"])
	assert.EqualValues(t, 1, body["tree"].(map[string]any)["configs"])

	env.do(http.MethodPost, "/api/sync", nil, nil)
	body = decode(t, env.do(http.MethodGet, "/api/status", nil, nil))
	last := body["last_sync"].(map[string]any)
	assert.Equal(t, true, last["success"])
	assert.Equal(t, "run-1", last["result"].(map[string]any)["id"])
}

func TestBasicAuth(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.WriteFile(credFile, []byte("admin:hunter2\n"), 0600))

	env := newTestEnv(t, func(c *config.Config) {
		c.Serve.APICredentialsFile = credFile
	})

	rec := env.do(http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health and webhook stay outside the protected group.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil, nil).Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Serve.CORSOrigins = []string{"https://panel.example.com"}
	})

	rec := env.do(http.MethodOptions, "/api/settings", nil, map[string]string{
		"Origin":                        "https://panel.example.com",
		"Access-Control-Request-Method": "PUT",
	})
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://panel.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleWebhook(t *testing.T) {
	push := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"team/configs"}}`)
	devPush := []byte(`{"ref":"refs/heads/dev"}`)

	tests := []struct {
		name        string
		body        []byte
		contentType string
		event       string
		signature   string
		wantCode    int
		wantBody    string
	}{
		{
			name:      "valid push",
			body:      push,
			event:     "push",
			signature: computeSignature(push, testSecret),
			wantCode:  http.StatusOK,
			wantBody:  "Sync triggered",
		},
		{
			name:        "invalid content type",
			body:        push,
			contentType: "text/plain",
			event:       "push",
			signature:   computeSignature(push, testSecret),
			wantCode:    http.StatusBadRequest,
		},
		{
			name:      "wrong secret",
			body:      push,
			event:     "push",
			signature: computeSignature(push, "wrong"),
			wantCode:  http.StatusForbidden,
		},
		{
			name:      "disallowed event",
			body:      push,
			event:     "issues",
			signature: computeSignature(push, testSecret),
			wantCode:  http.StatusOK,
			wantBody:  "Event type not configured",
		},
		{
			name:      "disallowed ref",
			body:      devPush,
			event:     "push",
			signature: computeSignature(devPush, testSecret),
			wantCode:  http.StatusOK,
			wantBody:  "Ref not configured",
		},
		{
			name:      "invalid payload",
			body:      []byte("not json"),
			event:     "push",
			signature: computeSignature([]byte("not json"), testSecret),
			wantCode:  http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) {
				c.Serve.AllowedEventTypes = []string{"push"}
				c.Serve.AllowedRefs = []string{"refs/heads/main"}
			})

			contentType := tt.contentType
			if contentType == "" {
				contentType = "application/json"
			}
			rec := env.do(http.MethodPost, "/webhook/github", tt.body, map[string]string{
				"Content-Type":        contentType,
				"X-GitHub-Event":      tt.event,
				"X-Hub-Signature-256": tt.signature,
			})

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleWebhook_TriggersDebouncedSync(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.debounce.delay = 200 * time.Millisecond
	body := []byte(`{"ref":"refs/heads/main"}`)

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodPost, "/webhook/github", body, map[string]string{
			"X-GitHub-Event":      "push",
			"X-Hub-Signature-256": computeSignature(body, testSecret),
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Eventually(t, func() bool {
		return env.syncer.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Debounced bursts collapse into one run.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, env.syncer.calls.Load())

	require.Eventually(t, func() bool {
		last := env.server.lastStatus()
		return last != nil && last.Trigger == "webhook"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleWebhook_DisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Serve.GitHubWebhookSecretFile = ""
	})

	rec := env.do(http.MethodPost, "/webhook/github", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifySignature(t *testing.T) {
	env := newTestEnv(t, nil)
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid", computeSignature(body, testSecret), true},
		{"empty", "", false},
		{"missing prefix", computeSignature(body, testSecret)[len("sha256="):], false},
		{"prefix only", "sha256=", false},
		{"wrong secret", computeSignature(body, "other"), false},
		{"sha1", "sha1=abcdef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.server.verifySignature(body, tt.signature))
		})
	}
}

func TestDebouncer(t *testing.T) {
	var callCount atomic.Int32
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			callCount.Add(1)
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(150 * time.Millisecond)

	if got := callCount.Load(); got != 1 {
		t.Errorf("expected callback to be called once, got %d", got)
	}
}

// TestPerformSync_SingleFlight verifies that at most one webhook sync runs at
// a time and at most one additional run is queued.
func TestPerformSync_SingleFlight(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncer.started = make(chan struct{})
	env.syncer.proceed = make(chan struct{})

	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.server.performSync(ctx, "webhook")
	}()

	<-env.syncer.started

	var wg gosync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.server.performSync(ctx, "webhook")
		}()
	}
	wg.Wait()

	env.server.syncMu.Lock()
	pending := env.server.syncPending
	env.server.syncMu.Unlock()
	if !pending {
		t.Error("expected syncPending to be true after concurrent performSync calls")
	}

	close(env.syncer.proceed)
	<-done

	if got := env.syncer.calls.Load(); got != 2 {
		t.Errorf("expected exactly one re-run, got %d syncs", got)
	}

	env.server.syncMu.Lock()
	defer env.server.syncMu.Unlock()
	if env.server.syncRunning || env.server.syncPending {
		t.Error("expected idle state after all syncs completed")
	}
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.Start(ctx)
	}()

	// The initial sync runs in the background.
	require.Eventually(t, func() bool {
		return env.syncer.calls.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
