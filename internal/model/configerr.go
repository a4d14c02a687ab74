package model

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError reports a schema violation of a decoded Config.
type ConfigError struct {
	err error
}

func (e *ConfigError) Error() string {
	return "invalid config: " + e.err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.err
}

// ConfigErrorDetail is one schema violation with the offending field path.
type ConfigErrorDetail struct {
	Path    string // jdk.install_dir
	Message string
}

func (d ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.Group(name,
		slog.String("path", d.Path),
		slog.String("message", d.Message),
	)
}

// ConfigErrDetails splits a validation error into per-field details. It
// returns nil for errors not produced by Validate.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		return nil
	}

	seen := make(map[string]struct{})
	var out []ConfigErrorDetail
	for _, e := range cueerrors.Errors(cfgErr.err) {
		format, args := e.Msg()
		d := ConfigErrorDetail{
			Path:    normalizePath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		}
		key := d.Path + "\x00" + d.Message
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
