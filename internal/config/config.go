// Package config loads the sshmux command line tool's settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/sshmux/control"
	"github.com/guseggert/sshmux/internal/files"
	"github.com/guseggert/sshmux/protocol"
	"go.uber.org/zap/zapcore"
)

// FileName is the name Discover looks for.
const FileName = ".sshmux.toml"

type Config struct {
	ControlPath  string
	TerminalType string
	// EscapeChar is a single character, "^X" for a control character, or "none".
	EscapeChar   string
	LogLevel     string
	ForwardAgent bool
	ForwardX11   bool
	RequestTTY   bool
	// Env is sent with every command, in key order.
	Env map[string]string
}

type fileConfig struct {
	ControlPath  string            `toml:"control_path"`
	TerminalType string            `toml:"terminal_type"`
	EscapeChar   string            `toml:"escape_char"`
	LogLevel     string            `toml:"log_level"`
	ForwardAgent bool              `toml:"forward_agent"`
	ForwardX11   bool              `toml:"forward_x11"`
	RequestTTY   bool              `toml:"request_tty"`
	Env          map[string]string `toml:"env"`
}

func Default() Config {
	return Config{
		EscapeChar: "~",
		LogLevel:   "warn",
		Env:        map[string]string{},
	}
}

// Discover returns the path of the nearest configuration file at or above dir, or "" if there is none.
func Discover(dir string) string {
	return files.FindUp(FileName, dir)
}

// Load reads path over the defaults. Keys missing from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("control_path") {
		cfg.ControlPath = strings.TrimSpace(raw.ControlPath)
	}
	if meta.IsDefined("terminal_type") {
		cfg.TerminalType = strings.TrimSpace(raw.TerminalType)
	}
	if meta.IsDefined("escape_char") {
		cfg.EscapeChar = raw.EscapeChar
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("forward_agent") {
		cfg.ForwardAgent = raw.ForwardAgent
	}
	if meta.IsDefined("forward_x11") {
		cfg.ForwardX11 = raw.ForwardX11
	}
	if meta.IsDefined("request_tty") {
		cfg.RequestTTY = raw.RequestTTY
	}
	for k, v := range raw.Env {
		cfg.Env[k] = v
	}
	return cfg, nil
}

// ApplyEnv overrides settings from SSHMUX_CONTROL_PATH, SSHMUX_LOG_LEVEL and TERM.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("SSHMUX_CONTROL_PATH"); ok && v != "" {
		c.ControlPath = v
	}
	if v, ok := lookup("SSHMUX_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("TERM"); ok && v != "" && c.TerminalType == "" {
		c.TerminalType = v
	}
}

func (c Config) Validate() error {
	if c.ControlPath == "" {
		return errors.New("no control path configured")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if _, err := ParseEscapeChar(c.EscapeChar); err != nil {
		return err
	}
	for k := range c.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
	}
	return nil
}

// ParseEscapeChar converts an escape character setting to its wire value.
func ParseEscapeChar(s string) (uint32, error) {
	switch {
	case s == "none":
		return protocol.EscapeNone, nil
	case len(s) == 2 && s[0] == '^' && s[1] >= '@' && s[1] <= '_':
		return uint32(s[1] & 0x1f), nil
	case len(s) == 1:
		return uint32(s[0]), nil
	}
	return 0, fmt.Errorf("escape character must be a single byte, ^X or none, got %q", s)
}

// EnvList returns Env as KEY=VALUE entries sorted by key.
func (c Config) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, len(keys))
	for i, k := range keys {
		env[i] = k + "=" + c.Env[k]
	}
	return env
}

// ControlOptions returns the control options derived from c. c must be valid.
func (c Config) ControlOptions() []control.Option {
	var opts []control.Option
	if c.TerminalType != "" {
		opts = append(opts, control.WithTerminalType(c.TerminalType))
	}
	if esc, err := ParseEscapeChar(c.EscapeChar); err == nil {
		opts = append(opts, control.WithEscapeChar(esc))
	}
	return opts
}
