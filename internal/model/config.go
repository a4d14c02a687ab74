package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	// EnvJava overrides java_path when set to a non-blank value.
	EnvJava = "PANEL_JAVA"
	// EnvPort overrides port.
	EnvPort = "PORT"

	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionCommand = "command"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the panel configuration. Field tags serve three decoders: viper
// (mapstructure), the CUE schema (json) and `mcpanel config` output (yaml).
type Config struct {
	Port          int           `mapstructure:"port" json:"port" yaml:"port"`
	JavaPath      string        `mapstructure:"java_path" json:"java_path" yaml:"java_path"`
	JavaArgs      []string      `mapstructure:"java_args" json:"java_args,omitempty" yaml:"java_args"`
	ServerJarPath string        `mapstructure:"server_jar_path" json:"server_jar_path" yaml:"server_jar_path"`
	ServerDir     string        `mapstructure:"server_dir" json:"server_dir" yaml:"server_dir"`
	AutoEula      bool          `mapstructure:"auto_eula" json:"auto_eula" yaml:"auto_eula"`
	LogBufferSize int           `mapstructure:"log_buffer_size" json:"log_buffer_size" yaml:"log_buffer_size"`
	StopCommand   string        `mapstructure:"stop_command" json:"stop_command" yaml:"stop_command"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout" json:"stop_timeout" yaml:"stop_timeout"` // 0 disables kill escalation
	WebDir        string        `mapstructure:"web_dir" json:"web_dir,omitempty" yaml:"web_dir,omitempty"`
	AuditDB       string        `mapstructure:"audit_db" json:"audit_db,omitempty" yaml:"audit_db,omitempty"` // empty disables the audit trail
	Verbose       bool          `mapstructure:"verbose" json:"verbose" yaml:"verbose"`
	JDK           JDK           `mapstructure:"jdk" json:"jdk" yaml:"jdk"`
	Schedules     []Schedule    `mapstructure:"schedules" json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// JDK configures the external install script.
type JDK struct {
	Script     string `mapstructure:"script" json:"script" yaml:"script"`
	InstallDir string `mapstructure:"install_dir" json:"install_dir" yaml:"install_dir"`
}

// Schedule triggers a supervisor action on a cron expression.
type Schedule struct {
	Name    string `mapstructure:"name" json:"name,omitempty" yaml:"name,omitempty"`
	Cron    string `mapstructure:"cron" json:"cron" yaml:"cron"`
	Action  string `mapstructure:"action" json:"action" yaml:"action"` // start | stop | restart | command
	Command string `mapstructure:"command" json:"command,omitempty" yaml:"command,omitempty"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	return Config{
		Port:          3000,
		JavaPath:      "java",
		JavaArgs:      []string{"-Xmx2G", "-Xms1G"},
		ServerJarPath: "server.jar",
		ServerDir:     ".",
		AutoEula:      true,
		LogBufferSize: 500,
		StopCommand:   "stop",
		StopTimeout:   30 * time.Second,
		AuditDB:       "data/mcpanel.db",
		JDK: JDK{
			Script:     "scripts/setup-jdk.sh",
			InstallDir: "mcdata/jdks",
		},
	}
}

// NewViper returns a viper instance with panel defaults and the PORT
// override registered. EnvJava is applied after decoding.
func NewViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()
	v.SetDefault("port", d.Port)
	v.SetDefault("java_path", d.JavaPath)
	v.SetDefault("java_args", d.JavaArgs)
	v.SetDefault("server_jar_path", d.ServerJarPath)
	v.SetDefault("server_dir", d.ServerDir)
	v.SetDefault("auto_eula", d.AutoEula)
	v.SetDefault("log_buffer_size", d.LogBufferSize)
	v.SetDefault("stop_command", d.StopCommand)
	v.SetDefault("stop_timeout", d.StopTimeout)
	v.SetDefault("web_dir", d.WebDir)
	v.SetDefault("audit_db", d.AuditDB)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("jdk.script", d.JDK.Script)
	v.SetDefault("jdk.install_dir", d.JDK.InstallDir)

	_ = v.BindEnv("port", EnvPort)
	return v
}

// LoadConfig reads the config file at path. An empty path searches for
// mcpanel.{yaml,json} in searchDirs; when nothing is found the defaults are
// used. It returns the decoded config and the file actually read, if any.
func LoadConfig(path string, searchDirs ...string) (Config, string, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcpanel")
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case errors.As(err, &notFound):
		// defaults + environment
	case err != nil:
		return Config{}, "", fmt.Errorf("reading config: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// ReadConfig decodes a config of the given type (yaml, json) from r.
func ReadConfig(r io.Reader, configType string) (Config, error) {
	v := NewViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv(EnvJava)); env != "" {
		cfg.JavaPath = env
	}
	cfg.JavaPath = strings.TrimSpace(cfg.JavaPath)
	if cfg.JavaPath == "" {
		cfg.JavaPath = DefaultConfig().JavaPath
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the embedded CUE schema.
func Validate(cfg Config) error {
	value := cueCtx.Encode(cfg)
	if value.Err() != nil {
		return fmt.Errorf("encoding config: %w", value.Err())
	}
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return &ConfigError{err: err}
	}
	return nil
}
