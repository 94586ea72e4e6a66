// Package config loads the server configuration: listen address, data
// directory, registry backend, workspaces and per-agent options.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perry-workspaces/backend/internal/model"
)

const (
	// DefaultAddr is the default HTTP listen address.
	DefaultAddr = ":7391"

	// DefaultBufferCapacity is the default number of messages retained per
	// session for replay.
	DefaultBufferCapacity = 1000

	// DefaultContainerPrefix prefixes workspace names to form container names.
	DefaultContainerPrefix = "workspace-"

	// DefaultContainerUser is the user agent commands run as in containers.
	DefaultContainerUser = "workspace"

	// DefaultContainerHome is the default working directory inside containers.
	DefaultContainerHome = "/home/workspace"

	RegistryBackendFile   = "file"
	RegistryBackendSQLite = "sqlite"
)

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	DataDir    string                     `yaml:"dataDir"`
	Logging    LoggingConfig              `yaml:"logging"`
	Buffer     BufferConfig               `yaml:"buffer"`
	Registry   RegistryConfig             `yaml:"registry"`
	Containers ContainerConfig            `yaml:"containers"`
	Workspaces map[string]WorkspaceConfig `yaml:"workspaces"`
	Agents     AgentsConfig               `yaml:"agents"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins lists websocket origins; empty allows any origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

type RegistryConfig struct {
	Backend string `yaml:"backend"`
	// Path is the registry file (file backend) or database (sqlite backend).
	// Defaults to a file under DataDir.
	Path string `yaml:"path"`
	// LockTimeout bounds how long a writer waits for the registry lock.
	LockTimeout time.Duration `yaml:"lockTimeout"`
}

type ContainerConfig struct {
	Engine string `yaml:"engine"`
	Prefix string `yaml:"prefix"`
	User   string `yaml:"user"`
	Home   string `yaml:"home"`
}

// WorkspaceConfig holds per-workspace overrides.
type WorkspaceConfig struct {
	Dir       string `yaml:"dir"`
	Model     string `yaml:"model"`
	Container string `yaml:"container"`
}

type AgentsConfig struct {
	Claude   ClaudeConfig   `yaml:"claude"`
	OpenCode OpenCodeConfig `yaml:"opencode"`
}

type ClaudeConfig struct {
	Binary                 string        `yaml:"binary"`
	Model                  string        `yaml:"model"`
	InitialResponseTimeout time.Duration `yaml:"initialResponseTimeout"`
	ActivityTimeout        time.Duration `yaml:"activityTimeout"`
	OperationTimeout       time.Duration `yaml:"operationTimeout"`
}

type OpenCodeConfig struct {
	Binary   string `yaml:"binary"`
	Model    string `yaml:"model"`
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	// URL points at an already running server; no process is spawned.
	URL              string        `yaml:"url"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	ReadinessTimeout time.Duration `yaml:"readinessTimeout"`
	StreamTimeout    time.Duration `yaml:"streamTimeout"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration file at path. An empty path yields the
// defaults. Environment overrides (PERRY_ADDR, PERRY_DATA_DIR) are applied
// after the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PERRY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PERRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".perry")
		} else {
			cfg.DataDir = ".perry"
		}
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = DefaultBufferCapacity
	}

	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = RegistryBackendFile
	}
	if cfg.Registry.Path == "" {
		name := "sessions.json"
		if cfg.Registry.Backend == RegistryBackendSQLite {
			name = "sessions.db"
		}
		cfg.Registry.Path = filepath.Join(cfg.DataDir, name)
	}
	cfg.Registry.Path = expandHome(cfg.Registry.Path)
	if cfg.Registry.LockTimeout <= 0 {
		cfg.Registry.LockTimeout = 5 * time.Second
	}

	if cfg.Containers.Engine == "" {
		cfg.Containers.Engine = "docker"
	}
	if cfg.Containers.Prefix == "" {
		cfg.Containers.Prefix = DefaultContainerPrefix
	}
	if cfg.Containers.User == "" {
		cfg.Containers.User = DefaultContainerUser
	}
	if cfg.Containers.Home == "" {
		cfg.Containers.Home = DefaultContainerHome
	}
	if cfg.Workspaces == nil {
		cfg.Workspaces = make(map[string]WorkspaceConfig)
	}

	c := &cfg.Agents.Claude
	if c.Binary == "" {
		c.Binary = "claude"
	}
	if c.InitialResponseTimeout <= 0 {
		c.InitialResponseTimeout = 2 * time.Minute
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = 5 * time.Minute
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Minute
	}

	o := &cfg.Agents.OpenCode
	if o.Binary == "" {
		o.Binary = "opencode"
	}
	if o.Hostname == "" {
		o.Hostname = "127.0.0.1"
	}
	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = 30 * time.Second
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = 10 * time.Minute
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case RegistryBackendFile, RegistryBackendSQLite:
	default:
		return fmt.Errorf("invalid registry backend %q", c.Registry.Backend)
	}
	if c.Agents.OpenCode.Port < 0 || c.Agents.OpenCode.Port > 65535 {
		return fmt.Errorf("invalid opencode port %d", c.Agents.OpenCode.Port)
	}
	if (c.Agents.OpenCode.Username == "") != (c.Agents.OpenCode.Password == "") {
		return errors.New("opencode username and password must be set together")
	}
	return nil
}

// WorkspaceDir returns the working directory for sessions of a workspace.
// Host sessions default to the current directory; container sessions to the
// configured container home.
func (c *Config) WorkspaceDir(workspace string) string {
	if ws, ok := c.Workspaces[workspace]; ok && ws.Dir != "" {
		return expandHome(ws.Dir)
	}
	if workspace == model.HostWorkspace {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return c.Containers.Home
}

// WorkspaceModel returns the default model for a workspace and agent type.
func (c *Config) WorkspaceModel(workspace string, agentType model.AgentType) string {
	if ws, ok := c.Workspaces[workspace]; ok && ws.Model != "" {
		return ws.Model
	}
	switch agentType {
	case model.AgentTypeClaude:
		return c.Agents.Claude.Model
	case model.AgentTypeOpenCode:
		return c.Agents.OpenCode.Model
	}
	return ""
}

// ContainerName returns the container backing a workspace.
func (c *Config) ContainerName(workspace string) string {
	if ws, ok := c.Workspaces[workspace]; ok && ws.Container != "" {
		return ws.Container
	}
	return c.Containers.Prefix + workspace
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
