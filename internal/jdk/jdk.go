// Package jdk downloads JDKs with an external install script and reports
// progress as live events.
package jdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/CZERTAINLY/mcpanel/internal/model"
	"github.com/CZERTAINLY/mcpanel/internal/service"
)

// Candidates are the versions offered by the panel.
var Candidates = []int{8, 11, 17, 21}

var progressRx = regexp.MustCompile(`(?i)Progress:\s*(\d+)%`)

// Publisher receives the jdk_download_* events.
type Publisher interface {
	Publish(ev model.Event)
}

// Result of a finished install.
type Result struct {
	Message      string `json:"message"`
	DownloadPath string `json:"downloadPath"`
}

// Installer runs at most one install at a time.
type Installer struct {
	script     string
	installDir string
	pub        Publisher
	spawner    service.Spawner
	goos       string

	busy atomic.Bool
}

type Option func(*Installer)

func WithSpawner(sp service.Spawner) Option {
	return func(i *Installer) { i.spawner = sp }
}

// WithGOOS overrides the platform the installer believes it runs on.
func WithGOOS(goos string) Option {
	return func(i *Installer) { i.goos = goos }
}

func New(cfg model.JDK, pub Publisher, opts ...Option) *Installer {
	i := &Installer{
		script:     cfg.Script,
		installDir: cfg.InstallDir,
		pub:        pub,
		spawner:    service.ExecSpawner{},
		goos:       runtime.GOOS,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// InProgress reports whether an install is running.
func (i *Installer) InProgress() bool {
	return i.busy.Load()
}

// Install downloads JDK version into the install dir and blocks until the
// script exits. A second call while one is running fails with
// model.ErrAlreadyInProgress. Canceling ctx does not stop the script.
func (i *Installer) Install(ctx context.Context, version string) (Result, error) {
	version = strings.TrimSpace(version)
	if i.goos != "linux" {
		return Result{}, model.ErrUnsupportedPlatform
	}
	if !i.busy.CompareAndSwap(false, true) {
		return Result{}, model.ErrAlreadyInProgress
	}
	defer i.busy.Store(false)

	ctx = context.WithoutCancel(ctx)
	res, err := i.install(ctx, version)
	if err != nil && !errors.Is(err, model.ErrScriptNotFound) {
		i.pub.Publish(model.JDKEvent(model.EventJDKError, version, err.Error()))
		slog.ErrorContext(ctx, "jdk install failed", "version", version, "error", err)
	}
	return res, err
}

func (i *Installer) install(ctx context.Context, version string) (Result, error) {
	installDir, err := filepath.Abs(i.installDir)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating %s: %w", installDir, err)
	}
	script, err := filepath.Abs(i.script)
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(script); err != nil {
		return Result{}, fmt.Errorf("%w: %s", model.ErrScriptNotFound, script)
	}

	i.pub.Publish(model.JDKEvent(model.EventJDKStart, version, fmt.Sprintf("Starting download of JDK %s...", version)))
	slog.InfoContext(ctx, "jdk install started", "version", version, "dir", installDir)

	exit := make(chan service.ExitStatus, 1)
	_, err = i.spawner.Spawn(service.Command{
		Path: "bash",
		Args: []string{script, version, installDir},
	}, service.Hooks{
		Stdout: func(line string) { i.stdout(version, line) },
		Stderr: func(line string) { i.stderr(version, line) },
		Exit:   func(st service.ExitStatus) { exit <- st },
	})
	if err != nil {
		i.pub.Publish(model.JDKEvent(model.EventJDKLog, version, "[error] failed to start process: "+err.Error()))
		return Result{}, fmt.Errorf("%w: %w", model.ErrInstallFailed, err)
	}

	st := <-exit
	if st.Err != nil {
		return Result{}, fmt.Errorf("%w: %w", model.ErrInstallFailed, st.Err)
	}
	if st.Code != 0 {
		return Result{}, fmt.Errorf("%w: exit code %s", model.ErrInstallFailed, exitCode(st))
	}
	i.pub.Publish(model.JDKProgressEvent(version, 100, "Download complete, installing..."))

	jdkDir := filepath.Join(installDir, "jdk-"+version)
	res := Result{
		Message:      fmt.Sprintf("JDK %s downloaded, check the download directory", version),
		DownloadPath: installDir,
	}
	if _, err := os.Stat(jdkDir); err == nil {
		res = Result{
			Message:      fmt.Sprintf("JDK %s downloaded to %s", version, jdkDir),
			DownloadPath: jdkDir,
		}
	}
	i.pub.Publish(model.JDKEvent(model.EventJDKComplete, version, res.Message))
	slog.InfoContext(ctx, "jdk install finished", "version", version, "path", res.DownloadPath)
	return res, nil
}

func (i *Installer) stdout(version, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if m := progressRx.FindStringSubmatch(line); m != nil {
		if p, err := strconv.Atoi(m[1]); err == nil {
			i.pub.Publish(model.JDKProgressEvent(version, p, fmt.Sprintf("Download progress: %d%%", p)))
			return
		}
	}
	i.pub.Publish(model.JDKEvent(model.EventJDKLog, version, line))
}

func (i *Installer) stderr(version, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	i.pub.Publish(model.JDKEvent(model.EventJDKLog, version, "[error] "+line))
}

func exitCode(st service.ExitStatus) string {
	if st.Signal != "" {
		return st.Signal
	}
	return strconv.Itoa(st.Code)
}
