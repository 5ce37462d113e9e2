// Package config handles loading and managing lttrs configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/isabella232/lttrs-android-sub000/internal/jmap"
)

// Config represents the lttrs configuration.
type Config struct {
	Data     DataConfig      `toml:"data"`
	Sync     SyncConfig      `toml:"sync"`
	Server   ServerConfig    `toml:"server"`
	Accounts []AccountConfig `toml:"accounts"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// SyncConfig holds sync-related configuration.
type SyncConfig struct {
	RateLimitQPS     float64 `toml:"rate_limit_qps"`    // JMAP requests per second
	PageSize         int     `toml:"page_size"`         // Query items per page
	QueryConcurrency int     `toml:"query_concurrency"` // Queries fetched at once
	MaxRestarts      int     `toml:"max_restarts"`      // Refetches after a conflict
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort         int      `toml:"api_port"`         // HTTP server port (default: 8080)
	BindAddr        string   `toml:"bind_addr"`        // Listen address (default: 127.0.0.1)
	APIKey          string   `toml:"api_key"`          // API authentication key
	AllowInsecure   bool     `toml:"allow_insecure"`   // Allow a non-loopback bind without api_key
	CORSOrigins     []string `toml:"cors_origins"`     // Allowed browser origins
	CORSCredentials bool     `toml:"cors_credentials"` // Send Access-Control-Allow-Credentials
	CORSMaxAge      int      `toml:"cors_max_age"`     // Preflight cache in seconds
	RateLimitRPS    float64  `toml:"rate_limit_rps"`   // API requests per second per client
	RateLimitBurst  int      `toml:"rate_limit_burst"` // API request burst per client
}

// IsLoopback reports whether the bind address only accepts local
// connections. An empty address defaults to 127.0.0.1.
func (s ServerConfig) IsLoopback() bool {
	addr := s.BindAddr
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// ValidateSecure refuses to expose the API beyond loopback without an API
// key, unless allow_insecure is set.
func (s ServerConfig) ValidateSecure() error {
	if s.IsLoopback() || s.APIKey != "" || s.AllowInsecure {
		return nil
	}
	return fmt.Errorf("refusing to bind %s without [server] api_key (set allow_insecure = true to override)", s.BindAddr)
}

// AccountConfig defines one JMAP account.
type AccountConfig struct {
	ID         string   `toml:"id"`          // Local account id, used in paths and URLs
	SessionURL string   `toml:"session_url"` // JMAP session resource
	Token      string   `toml:"token"`       // Bearer token; "$VAR" reads the environment
	Schedule   string   `toml:"schedule"`    // Cron expression (e.g., "*/5 * * * *")
	Enabled    bool     `toml:"enabled"`     // Whether scheduled sync is active
	Roles      []string `toml:"roles"`       // Mailbox roles kept in sync (default: inbox)
	Keywords   []string `toml:"keywords"`    // Keyword queries kept in sync
}

// DefaultHome returns the default lttrs home directory.
// Respects LTTRS_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("LTTRS_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lttrs"
	}
	return filepath.Join(home, ".lttrs")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.lttrs/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			DataDir: homeDir,
		},
		Sync: SyncConfig{
			RateLimitQPS:     5,
			PageSize:         30,
			QueryConcurrency: 4,
			MaxRestarts:      3,
		},
		Server: ServerConfig{
			APIPort:        8080,
			BindAddr:       "127.0.0.1",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Accounts: []AccountConfig{},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Expand ~ in paths
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks account definitions.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if !validID(acc.ID) {
			return fmt.Errorf("accounts[%d]: invalid id %q (use letters, digits, '.', '_' or '-')", i, acc.ID)
		}
		if seen[acc.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, acc.ID)
		}
		seen[acc.ID] = true
		if acc.SessionURL == "" {
			return fmt.Errorf("account %s: session_url is required", acc.ID)
		}
	}
	return nil
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// EnsureHomeDir creates the home directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.HomeDir, 0700)
}

// AccountsDir returns the directory holding one subdirectory per account.
func (c *Config) AccountsDir() string {
	return filepath.Join(c.Data.DataDir, "accounts")
}

// AccountDBPath returns the path to the cache database of an account.
func (c *Config) AccountDBPath(id string) string {
	return filepath.Join(c.AccountsDir(), id, "cache.db")
}

// ScheduledAccounts returns accounts with scheduling enabled.
func (c *Config) ScheduledAccounts() []AccountConfig {
	var scheduled []AccountConfig
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Schedule != "" {
			scheduled = append(scheduled, acc)
		}
	}
	return scheduled
}

// Account returns the account with the given id, or nil.
func (c *Config) Account(id string) *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i]
		}
	}
	return nil
}

// QueryRoles returns the mailbox roles whose queries are kept in sync.
func (a AccountConfig) QueryRoles() []string {
	if len(a.Roles) == 0 {
		return []string{jmap.RoleInbox}
	}
	return a.Roles
}

// ResolveToken returns the bearer token, reading it from the environment
// when it is written as "$VAR" or "${VAR}".
func (a AccountConfig) ResolveToken() string {
	if strings.HasPrefix(a.Token, "$") {
		return os.ExpandEnv(a.Token)
	}
	return a.Token
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
