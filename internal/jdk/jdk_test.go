package jdk_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/mcpanel/internal/jdk"
	"github.com/CZERTAINLY/mcpanel/internal/model"
	"github.com/CZERTAINLY/mcpanel/internal/service"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []model.EventKind
	for _, e := range r.events {
		ret = append(ret, e.Kind)
	}
	return ret
}

func (r *recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func writeScript(t *testing.T, body string) model.JDK {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skipf("skipped, binary bash not available: %v", err)
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "setup-jdk.sh")
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return model.JDK{Script: script, InstallDir: filepath.Join(dir, "jdks")}
}

func TestInstall(t *testing.T) {
	t.Parallel()
	cfg := writeScript(t, `#!/bin/bash
echo "resolving temurin $1"
echo "Progress: 45%"
echo "warning: slow mirror" 1>&2
mkdir -p "$2/jdk-$1"
echo "Progress: 90%"
`)
	rec := &recorder{}
	inst := jdk.New(cfg, rec, jdk.WithGOOS("linux"))

	res, err := inst.Install(t.Context(), "17")
	require.NoError(t, err)
	jdkDir := filepath.Join(cfg.InstallDir, "jdk-17")
	require.Equal(t, jdkDir, res.DownloadPath)
	require.Equal(t, "JDK 17 downloaded to "+jdkDir, res.Message)
	require.False(t, inst.InProgress())

	events := rec.Events()
	require.Equal(t, model.EventJDKStart, events[0].Kind)
	require.Equal(t, model.EventJDKComplete, events[len(events)-1].Kind)

	var progress []int
	var logs []string
	for _, e := range events {
		require.Equal(t, "17", e.JDK.Version)
		switch e.Kind {
		case model.EventJDKProgress:
			progress = append(progress, *e.JDK.Progress)
		case model.EventJDKLog:
			logs = append(logs, e.JDK.Message)
		}
	}
	require.Equal(t, []int{45, 90, 100}, progress)
	require.ElementsMatch(t, []string{"resolving temurin 17", "[error] warning: slow mirror"}, logs)
}

func TestInstall_NoJDKDir(t *testing.T) {
	t.Parallel()
	cfg := writeScript(t, "#!/bin/bash\nexit 0\n")
	inst := jdk.New(cfg, &recorder{}, jdk.WithGOOS("linux"))
	res, err := inst.Install(t.Context(), "21")
	require.NoError(t, err)
	require.Equal(t, cfg.InstallDir, res.DownloadPath)
	require.Equal(t, "JDK 21 downloaded, check the download directory", res.Message)
}

func TestInstall_ScriptFails(t *testing.T) {
	t.Parallel()
	cfg := writeScript(t, "#!/bin/bash\necho 'no such version' 1>&2\nexit 2\n")
	rec := &recorder{}
	inst := jdk.New(cfg, rec, jdk.WithGOOS("linux"))

	_, err := inst.Install(t.Context(), "9")
	require.ErrorIs(t, err, model.ErrInstallFailed)
	require.EqualError(t, err, "jdk download failed: exit code 2")
	require.Equal(t, []model.EventKind{
		model.EventJDKStart,
		model.EventJDKLog,
		model.EventJDKError,
	}, rec.Kinds())
	require.False(t, inst.InProgress())
}

func TestInstall_Rejected(t *testing.T) {
	t.Parallel()

	t.Run("platform", func(t *testing.T) {
		rec := &recorder{}
		inst := jdk.New(model.JDK{Script: "x", InstallDir: t.TempDir()}, rec, jdk.WithGOOS("windows"))
		_, err := inst.Install(t.Context(), "17")
		require.ErrorIs(t, err, model.ErrUnsupportedPlatform)
		require.Empty(t, rec.Kinds())
	})

	t.Run("script missing", func(t *testing.T) {
		rec := &recorder{}
		dir := t.TempDir()
		inst := jdk.New(model.JDK{Script: filepath.Join(dir, "nope.sh"), InstallDir: dir}, rec, jdk.WithGOOS("linux"))
		_, err := inst.Install(t.Context(), "17")
		require.ErrorIs(t, err, model.ErrScriptNotFound)
		require.Empty(t, rec.Kinds())
		require.False(t, inst.InProgress())
	})
}

// blockingSpawner holds the install until release is closed.
type blockingSpawner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSpawner) Spawn(_ service.Command, hooks service.Hooks) (service.Process, error) {
	close(b.started)
	go func() {
		<-b.release
		hooks.Exit(service.ExitStatus{Code: 0})
	}()
	return nil, nil
}

func TestInstall_InProgress(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := filepath.Join(dir, "setup-jdk.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\n"), 0o755))
	sp := &blockingSpawner{started: make(chan struct{}), release: make(chan struct{})}
	inst := jdk.New(model.JDK{Script: script, InstallDir: filepath.Join(dir, "jdks")}, &recorder{},
		jdk.WithGOOS("linux"), jdk.WithSpawner(sp))

	done := make(chan error, 1)
	go func() {
		_, err := inst.Install(t.Context(), "17")
		done <- err
	}()
	<-sp.started
	require.True(t, inst.InProgress())

	_, err := inst.Install(t.Context(), "21")
	require.ErrorIs(t, err, model.ErrAlreadyInProgress)

	close(sp.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("install did not finish")
	}
	require.False(t, inst.InProgress())
}
