package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/mcpanel/internal/api"
	"github.com/CZERTAINLY/mcpanel/internal/audit"
	"github.com/CZERTAINLY/mcpanel/internal/hub"
	"github.com/CZERTAINLY/mcpanel/internal/jdk"
	"github.com/CZERTAINLY/mcpanel/internal/logbuf"
	"github.com/CZERTAINLY/mcpanel/internal/model"
)

type fakeCtrl struct {
	mu       sync.Mutex
	running  bool
	commands []string
}

func (f *fakeCtrl) Start(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return "", model.ErrAlreadyRunning
	}
	f.running = true
	return "Starting server...", nil
}

func (f *fakeCtrl) Stop(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return "", model.ErrNotRunning
	}
	return "Stopping server...", nil
}

func (f *fakeCtrl) SendCommand(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return "", model.ErrNotRunning
	}
	f.commands = append(f.commands, text)
	return "Command sent", nil
}

func (f *fakeCtrl) Status() model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Status{Running: f.running}
}

type fakeInstaller struct {
	err     error
	version string
}

func (f *fakeInstaller) Install(_ context.Context, version string) (jdk.Result, error) {
	f.version = version
	if f.err != nil {
		return jdk.Result{}, f.err
	}
	return jdk.Result{Message: "JDK " + version + " downloaded to /jdks/jdk-" + version, DownloadPath: "/jdks/jdk-" + version}, nil
}

type fixture struct {
	srv       *httptest.Server
	ctrl      *fakeCtrl
	hub       *hub.Hub
	installer *fakeInstaller
	cfg       model.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.ServerDir = t.TempDir()
	cfg.WebDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WebDir, "index.html"), []byte("<h1>panel</h1>"), 0o644))

	f := &fixture{
		ctrl:      &fakeCtrl{},
		hub:       hub.New(logbuf.New(3)),
		installer: &fakeInstaller{},
		cfg:       cfg,
	}
	s := api.New(cfg, f.ctrl, f.hub, f.installer, nil)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m), string(raw))
	return resp.StatusCode, m
}

func TestControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, m := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, map[string]any{"running": false, "starting": false}, m)

	_, m = f.do(t, http.MethodPost, "/api/stop", "")
	require.Equal(t, map[string]any{"ok": false, "message": "server is not running"}, m)

	_, m = f.do(t, http.MethodPost, "/api/start", "")
	require.Equal(t, map[string]any{"ok": true, "message": "Starting server..."}, m)

	_, m = f.do(t, http.MethodPost, "/api/start", "")
	require.Equal(t, false, m["ok"])
	require.Equal(t, "server already running", m["message"])

	_, m = f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, true, m["running"])

	_, m = f.do(t, http.MethodPost, "/api/stop", "")
	require.Equal(t, map[string]any{"ok": true, "message": "Stopping server..."}, m)
}

func TestSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, _ = f.do(t, http.MethodPost, "/api/start", "")

	var testCases = []struct {
		scenario string
		body     string
		code     int
		ok       bool
	}{
		{"ok", `{"command":"say hello"}`, http.StatusOK, true},
		{"missing", `{}`, http.StatusBadRequest, false},
		{"empty body", ``, http.StatusBadRequest, false},
		{"empty string", `{"command":""}`, http.StatusBadRequest, false},
		{"number", `{"command":42}`, http.StatusBadRequest, false},
		{"invalid json", `{"command":`, http.StatusBadRequest, false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			code, m := f.do(t, http.MethodPost, "/api/send", tc.body)
			require.Equal(t, tc.code, code)
			require.Equal(t, tc.ok, m["ok"])
		})
	}
	require.Equal(t, []string{"say hello"}, f.ctrl.commands)
}

func TestLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, m := f.do(t, http.MethodGet, "/api/logs", "")
	require.Equal(t, []any{}, m["lines"])

	for _, l := range []string{"a", "b", "c", "d"} {
		f.hub.Line(l)
	}
	_, m = f.do(t, http.MethodGet, "/api/logs", "")
	require.Equal(t, []any{"b", "c", "d"}, m["lines"])
}

func TestJDK(t *testing.T) {
	t.Parallel()

	t.Run("candidates", func(t *testing.T) {
		f := newFixture(t)
		_, m := f.do(t, http.MethodGet, "/api/jdk/candidates", "")
		require.Equal(t, []any{8.0, 11.0, 17.0, 21.0}, m["versions"])
	})

	var testCases = []struct {
		scenario string
		body     string
		err      error
		code     int
		then     map[string]any
	}{
		{
			scenario: "string version",
			body:     `{"version":"17"}`,
			code:     http.StatusOK,
			then:     map[string]any{"ok": true, "message": "JDK 17 downloaded to /jdks/jdk-17", "downloadPath": "/jdks/jdk-17"},
		},
		{
			scenario: "numeric version",
			body:     `{"version":21}`,
			code:     http.StatusOK,
			then:     map[string]any{"ok": true, "message": "JDK 21 downloaded to /jdks/jdk-21", "downloadPath": "/jdks/jdk-21"},
		},
		{
			scenario: "missing version",
			body:     `{}`,
			code:     http.StatusBadRequest,
			then:     map[string]any{"ok": false, "message": "version is required"},
		},
		{
			scenario: "not linux",
			body:     `{"version":"17"}`,
			err:      model.ErrUnsupportedPlatform,
			code:     http.StatusBadRequest,
			then:     map[string]any{"ok": false, "message": model.ErrUnsupportedPlatform.Error()},
		},
		{
			scenario: "in progress",
			body:     `{"version":"17"}`,
			err:      model.ErrAlreadyInProgress,
			code:     http.StatusBadRequest,
			then:     map[string]any{"ok": false, "message": model.ErrAlreadyInProgress.Error()},
		},
		{
			scenario: "script failed",
			body:     `{"version":"17"}`,
			err:      model.ErrInstallFailed,
			code:     http.StatusOK,
			then:     map[string]any{"ok": false, "message": model.ErrInstallFailed.Error()},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			f := newFixture(t)
			f.installer.err = tc.err
			code, m := f.do(t, http.MethodPost, "/api/jdk/install", tc.body)
			require.Equal(t, tc.code, code)
			require.Equal(t, tc.then, m)
		})
	}
}

func TestInfoAndMods(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, m := f.do(t, http.MethodGet, "/api/info", "")
	require.Equal(t, "server.jar", m["jarName"])
	require.Equal(t, f.cfg.ServerDir, m["serverDir"])
	require.Contains(t, m, "javaVersion")
	require.Contains(t, m, "mcVersion")

	modsDir := filepath.Join(f.cfg.ServerDir, "mods")
	require.NoError(t, os.MkdirAll(modsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modsDir, "jei.jar"), []byte("jar"), 0o644))
	_, m = f.do(t, http.MethodGet, "/api/mods", "")
	require.Equal(t, true, m["ok"])
	require.Equal(t, modsDir, m["modsDir"])
	mods := m["mods"].([]any)
	require.Len(t, mods, 1)
	require.Equal(t, "jei.jar", mods[0].(map[string]any)["name"])
}

func TestAudit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.Open(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := model.DefaultConfig()
	inst := &fakeInstaller{}
	srv := httptest.NewServer(api.New(cfg, &fakeCtrl{}, hub.New(logbuf.New(1)), inst, store).Handler())
	t.Cleanup(srv.Close)
	f := &fixture{srv: srv}

	_, _ = f.do(t, http.MethodPost, "/api/jdk/install", `{"version":"17"}`)
	store.Record(t.Context(), "start", "", nil, "Starting server...")

	code, m := f.do(t, http.MethodGet, "/api/audit?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	events := m["events"].([]any)
	require.Len(t, events, 2)
	require.Equal(t, "start", events[0].(map[string]any)["action"])
	require.Equal(t, "jdk_install", events[1].(map[string]any)["action"])

	code, _ = f.do(t, http.MethodGet, "/api/audit?limit=x", "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStatic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<h1>panel</h1>", string(b))
}

func TestLive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.hub.Line("before-1")
	f.hub.Line("before-2")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	type frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	read := func() frame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var fr frame
		require.NoError(t, conn.ReadJSON(&fr))
		return fr
	}

	fr := read()
	require.Equal(t, "bootstrap", fr.Event)
	require.JSONEq(t, `{"lines":["before-1","before-2"]}`, string(fr.Data))

	f.hub.Line("after")
	fr = read()
	require.Equal(t, "log", fr.Event)
	require.JSONEq(t, `"after"`, string(fr.Data))

	f.hub.Publish(model.JDKProgressEvent("17", 50, "Download progress: 50%"))
	fr = read()
	require.Equal(t, "jdk_download_progress", fr.Event)
	require.JSONEq(t, `{"version":"17","message":"Download progress: 50%","progress":50}`, string(fr.Data))

	// disconnect unsubscribes
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSend_TooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, _ = f.do(t, http.MethodPost, "/api/start", "")
	code, m := f.do(t, http.MethodPost, "/api/send", `{"command":"`+strings.Repeat("x", 70*1024)+`"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, false, m["ok"])
}
