// Package gameinfo inspects the configured java launcher, server jar and mods
// directory.
package gameinfo

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/mcpanel/internal/model"
)

const (
	Unknown        = "unknown"
	NotFound       = "server jar not found"
	manifestPath   = "META-INF/MANIFEST.MF"
	versionTimeout = 10 * time.Second
	modsDirName    = "mods"
	modExt         = ".jar"
)

var javaVersionRx = regexp.MustCompile(`(?i)version\s+"([^"]+)"`)

// Info is the answer of GET /api/info.
type Info struct {
	JavaPath      string `json:"javaPath"`
	JavaVersion   string `json:"javaVersion"`
	ServerDir     string `json:"serverDir"`
	ServerJarPath string `json:"serverJarPath"`
	JarName       string `json:"jarName"`
	JarFullPath   string `json:"jarFullPath"`
	MCVersion     string `json:"mcVersion"`
}

// Collect gathers Info for cfg. Detection failures are reported inside the
// returned values, never as an error.
func Collect(ctx context.Context, cfg model.Config) Info {
	dir, _ := filepath.Abs(cfg.ServerDir)
	jar := cfg.ServerJarPath
	if !filepath.IsAbs(jar) {
		jar = filepath.Join(dir, jar)
	}
	info := Info{
		JavaPath:      cfg.JavaPath,
		ServerDir:     dir,
		ServerJarPath: cfg.ServerJarPath,
		JarName:       filepath.Base(cfg.ServerJarPath),
		JarFullPath:   jar,
	}

	var g errgroup.Group
	g.Go(func() error {
		info.JavaVersion = JavaVersion(ctx, cfg.JavaPath)
		return nil
	})
	g.Go(func() error {
		if _, err := os.Stat(jar); err != nil {
			info.MCVersion = NotFound
			return nil
		}
		info.MCVersion = JarVersion(jar)
		return nil
	})
	_ = g.Wait()
	return info
}

// JavaVersion runs `<javaPath> -version` and extracts the quoted version.
// Without a match the first output line is returned.
func JavaVersion(ctx context.Context, javaPath string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	// java prints the version on stderr, some builds on stdout
	out, err := exec.CommandContext(ctx, javaPath, "-version").CombinedOutput()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Unknown
	}
	return ParseJavaVersion(string(out))
}

func ParseJavaVersion(out string) string {
	if m := javaVersionRx.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return Unknown
}

// JarVersion reads Implementation-Title and Implementation-Version from the
// jar manifest. Without a version it falls back to "unknown (<file name>)".
func JarVersion(jarPath string) string {
	fallback := fmt.Sprintf("%s (%s)", Unknown, strings.TrimSuffix(filepath.Base(jarPath), modExt))

	zr, err := zip.OpenReader(jarPath)
	if err != nil {
		return fallback
	}
	defer func() {
		_ = zr.Close()
	}()

	f, err := zr.Open(manifestPath)
	if err != nil {
		return fallback
	}
	defer func() {
		_ = f.Close()
	}()

	attrs := parseManifest(f)
	version := attrs["Implementation-Version"]
	if version == "" {
		return fallback
	}
	if title := attrs["Implementation-Title"]; title != "" {
		return title + " " + version
	}
	return version
}

func parseManifest(f fs.File) map[string]string {
	attrs := make(map[string]string)
	scanner := bufio.NewScanner(f)
	var last string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, " ") && last != "" {
			// continuation line
			attrs[last] += line[1:]
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			last = ""
			continue
		}
		last = strings.TrimSpace(k)
		if _, seen := attrs[last]; !seen {
			attrs[last] = strings.TrimSpace(v)
		}
	}
	return attrs
}

// Mod is one jar in the mods directory.
type Mod struct {
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// ModsDir returns the absolute mods directory of the server.
func ModsDir(cfg model.Config) string {
	dir, _ := filepath.Abs(filepath.Join(cfg.ServerDir, modsDirName))
	return dir
}

// ListMods returns the .jar files in dir sorted by name. A missing directory
// yields an empty list.
func ListMods(dir string) ([]Mod, error) {
	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Mod{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = root.Close()
	}()

	entries, err := fs.ReadDir(root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	mods := make([]Mod, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), modExt) {
			continue
		}
		fi, err := root.Stat(e.Name())
		if err != nil {
			continue
		}
		mods = append(mods, Mod{Name: e.Name(), Size: fi.Size(), MTime: fi.ModTime().UTC()})
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
	return mods, nil
}
