package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/CZERTAINLY/mcpanel/internal/model"
)

const eulaFile = "eula.txt"

var eulaAccepted = regexp.MustCompile(`(?i)eula\s*=\s*true`)

// Launch is the resolved command line of the game server.
type Launch struct {
	Java string
	Jar  string
	Dir  string
	Args []string
}

// ResolveLaunch computes absolute paths and the argument list
// `java_args... -jar <jar> nogui` from cfg.
func ResolveLaunch(cfg model.Config) (Launch, error) {
	dir, err := filepath.Abs(cfg.ServerDir)
	if err != nil {
		return Launch{}, fmt.Errorf("resolving server dir: %w", err)
	}
	jar := cfg.ServerJarPath
	if !filepath.IsAbs(jar) {
		jar = filepath.Join(dir, jar)
	}
	args := make([]string, 0, len(cfg.JavaArgs)+3)
	args = append(args, cfg.JavaArgs...)
	args = append(args, "-jar", jar, "nogui")
	return Launch{
		Java: cfg.JavaPath,
		Jar:  jar,
		Dir:  dir,
		Args: args,
	}, nil
}

func (l Launch) Cmd() Command {
	return Command{
		Path: l.Java,
		Args: l.Args,
		Dir:  l.Dir,
	}
}

// EnsureEULA writes eula=true into dir unless an accepted eula.txt exists.
func EnsureEULA(dir string) (bool, error) {
	path := filepath.Join(dir, eulaFile)
	b, err := os.ReadFile(path)
	switch {
	case err == nil && eulaAccepted.Match(b):
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte("eula=true\r\n"), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// LauncherCheck verifies that the java launcher can be invoked.
type LauncherCheck func(ctx context.Context, path string) error

const launcherCheckTimeout = 10 * time.Second

// CheckJava runs `<path> -version`.
func CheckJava(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, launcherCheckTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-version").CombinedOutput()
	if err != nil {
		slog.DebugContext(ctx, "java -version failed", "path", path, "output", string(out))
	}
	return err
}

// launcherMissing reports whether err means the launcher cannot be invoked
// at all, as opposed to a failing version check.
func launcherMissing(err error) bool {
	var execErr *exec.Error
	var pathErr *fs.PathError
	return errors.Is(err, exec.ErrNotFound) ||
		errors.As(err, &execErr) ||
		errors.As(err, &pathErr)
}
