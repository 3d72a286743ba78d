// Package config provides configuration management for the agent gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
// It is loaded once at boot and threaded through dependency injection.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Session   SessionConfig   `mapstructure:"session"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	StdioEnabled bool   `mapstructure:"stdioEnabled"` // serve ACP over stdin/stdout
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds session persistence configuration.
type SessionConfig struct {
	// Backend selects the store implementation: "file" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Dir is the directory for the file backend (one JSON document per session).
	Dir string `mapstructure:"dir"`
	// DBPath is the sqlite database path for the sqlite backend.
	DBPath string `mapstructure:"dbPath"`
	// HistoryTail is the number of trailing exchanges replayed on rehydration.
	HistoryTail int `mapstructure:"historyTail"`
}

// WorkspaceConfig holds workspace allocation configuration.
type WorkspaceConfig struct {
	// BasePath is the parent directory for ephemeral workspaces.
	BasePath string `mapstructure:"basePath"`
	// PersistentID, when non-empty, switches the service into persistent
	// workspace mode. Bound to PERSISTENT_WORKSPACE_ID.
	PersistentID string `mapstructure:"persistentId"`
	// Root overrides the persistent workspace path. Bound to WORKSPACE_ROOT.
	Root string `mapstructure:"root"`
	// DefaultBranch is the base branch used when the caller does not name one.
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// SandboxConfig holds tool sandbox limits.
type SandboxConfig struct {
	AllowedCommands []string `mapstructure:"allowedCommands"`
	MaxReadBytes    int64    `mapstructure:"maxReadBytes"`
	MaxOutputBytes  int64    `mapstructure:"maxOutputBytes"`
	MaxPatchBytes   int64    `mapstructure:"maxPatchBytes"`
	ShellTimeout    int      `mapstructure:"shellTimeout"`   // in seconds
	ContextFileCap  int64    `mapstructure:"contextFileCap"` // per-file byte cap for prompt context
}

// RuntimeConfig holds model runtime selection configuration.
type RuntimeConfig struct {
	APIKey              string `mapstructure:"apiKey"`
	Model               string `mapstructure:"model"`
	BaseURL             string `mapstructure:"baseUrl"`
	RemoteBaseURL       string `mapstructure:"remoteBaseUrl"`
	DisableStreamingSDK bool   `mapstructure:"disableStreamingSdk"`
	DisableLocalCLI     bool   `mapstructure:"disableLocalCli"`
	ForceHTTPAPI        bool   `mapstructure:"forceHttpApi"`
	SkipCLICheck        bool   `mapstructure:"skipCliCheck"`
	StepBudget          int    `mapstructure:"stepBudget"`
	CallTimeout         int    `mapstructure:"callTimeout"`  // in seconds, non-streaming adapters
	StallTimeout        int    `mapstructure:"stallTimeout"` // in seconds, streaming adapters
}

// GitHubConfig holds GitHub automation configuration.
type GitHubConfig struct {
	Token       string `mapstructure:"token"`
	Repository  string `mapstructure:"repository"` // "owner/repo"
	PRBase      string `mapstructure:"prBase"`
	AuthorName  string `mapstructure:"authorName"`
	AuthorEmail string `mapstructure:"authorEmail"`
}

// AgentConfig identifies the agent on the wire.
type AgentConfig struct {
	Name            string `mapstructure:"name"`
	Version         string `mapstructure:"version"`
	ProtocolVersion string `mapstructure:"protocolVersion"`
	Development     bool   `mapstructure:"development"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShellTimeoutDuration returns the shell timeout as a time.Duration.
func (s *SandboxConfig) ShellTimeoutDuration() time.Duration {
	return time.Duration(s.ShellTimeout) * time.Second
}

// CallTimeoutDuration returns the adapter call timeout as a time.Duration.
func (r *RuntimeConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(r.CallTimeout) * time.Second
}

// StallTimeoutDuration returns the streaming stall timeout as a time.Duration.
func (r *RuntimeConfig) StallTimeoutDuration() time.Duration {
	return time.Duration(r.StallTimeout) * time.Second
}

// PersistentMode reports whether persistent workspace mode is enabled.
func (w *WorkspaceConfig) PersistentMode() bool {
	return w.PersistentID != ""
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("NODE_ENV"); env == "production" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 300)
	v.SetDefault("server.stdioEnabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentgate")
	v.SetDefault("nats.maxReconnects", 10)

	// Session defaults
	v.SetDefault("session.backend", "file")
	v.SetDefault("session.dir", "~/.agentgate/sessions")
	v.SetDefault("session.dbPath", "~/.agentgate/sessions.db")
	v.SetDefault("session.historyTail", 30)

	// Workspace defaults
	v.SetDefault("workspace.basePath", os.TempDir())
	v.SetDefault("workspace.persistentId", "")
	v.SetDefault("workspace.root", "")
	v.SetDefault("workspace.defaultBranch", "main")

	// Sandbox defaults
	v.SetDefault("sandbox.allowedCommands", []string{
		"ls", "cat", "grep", "find", "git", "npm", "node", "python3", "go", "make",
	})
	v.SetDefault("sandbox.maxReadBytes", int64(10*1024*1024))
	v.SetDefault("sandbox.maxOutputBytes", int64(1024*1024))
	v.SetDefault("sandbox.maxPatchBytes", int64(200*1024))
	v.SetDefault("sandbox.shellTimeout", 30)
	v.SetDefault("sandbox.contextFileCap", int64(64*1024))

	// Runtime defaults
	v.SetDefault("runtime.apiKey", "")
	v.SetDefault("runtime.model", "")
	v.SetDefault("runtime.baseUrl", "https://api.anthropic.com")
	v.SetDefault("runtime.remoteBaseUrl", "")
	v.SetDefault("runtime.disableStreamingSdk", false)
	v.SetDefault("runtime.disableLocalCli", false)
	v.SetDefault("runtime.forceHttpApi", false)
	v.SetDefault("runtime.skipCliCheck", false)
	v.SetDefault("runtime.stepBudget", 10)
	v.SetDefault("runtime.callTimeout", 120)
	v.SetDefault("runtime.stallTimeout", 60)

	// GitHub defaults
	v.SetDefault("github.token", "")
	v.SetDefault("github.repository", "")
	v.SetDefault("github.prBase", "")
	v.SetDefault("github.authorName", "Agent Gateway")
	v.SetDefault("github.authorEmail", "agent@localhost")

	// Agent identity defaults
	v.SetDefault("agent.name", "claude-code-container")
	v.SetDefault("agent.version", "0.3.1")
	v.SetDefault("agent.protocolVersion", "0.3.1")
	v.SetDefault("agent.development", os.Getenv("NODE_ENV") != "production")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the environment variables callers already set
	// for the container deployment. AutomaticEnv does not handle camelCase
	// to SNAKE_CASE conversion, so keys where env naming differs from the
	// config key are bound by hand.
	_ = v.BindEnv("workspace.persistentId", "PERSISTENT_WORKSPACE_ID", "AGENTGATE_WORKSPACE_PERSISTENT_ID")
	_ = v.BindEnv("workspace.root", "WORKSPACE_ROOT", "AGENTGATE_WORKSPACE_ROOT")
	_ = v.BindEnv("runtime.apiKey", "ANTHROPIC_API_KEY", "AGENTGATE_RUNTIME_API_KEY")
	_ = v.BindEnv("runtime.disableStreamingSdk", "DISABLE_STREAMING_SDK")
	_ = v.BindEnv("runtime.disableLocalCli", "DISABLE_LOCAL_CLI")
	_ = v.BindEnv("runtime.forceHttpApi", "FORCE_HTTP_API")
	_ = v.BindEnv("runtime.skipCliCheck", "SKIP_CLI_CHECK")
	_ = v.BindEnv("sandbox.maxPatchBytes", "MAX_PATCH_BYTES")
	_ = v.BindEnv("github.token", "GITHUB_TOKEN", "AGENTGATE_GITHUB_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Session.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, "session.backend must be one of: file, sqlite")
	}
	if cfg.Session.HistoryTail <= 0 {
		errs = append(errs, "session.historyTail must be positive")
	}

	if cfg.Sandbox.MaxPatchBytes <= 0 {
		errs = append(errs, "sandbox.maxPatchBytes must be positive")
	}
	if cfg.Runtime.StepBudget <= 0 {
		errs = append(errs, "runtime.stepBudget must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return home + path[1:], nil
	}
	return path, nil
}
