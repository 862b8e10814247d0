package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Upstream  UpstreamConfig   `mapstructure:"upstream"`
	Creds     []CredentialItem `mapstructure:"credentials"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Store     StoreConfig      `mapstructure:"store"`
	Log       LogConfig        `mapstructure:"log"`

	v    *viper.Viper
	path string
	mu   sync.Mutex
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, production
}

// AuthConfig controls how clients authenticate against the gateway.
// In server mode the credentials come from this config; in client mode the
// Authorization bearer carries "api_key;qwen_token;cookie" per request.
type AuthConfig struct {
	Mode   string `mapstructure:"mode"` // server, client
	APIKey string `mapstructure:"api_key"`
}

// UpstreamConfig 上游配置
type UpstreamConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	FallbackModel   string `mapstructure:"fallback_model"` // vision fallback, e.g. qwen3-vl-plus
	DisableFallback bool   `mapstructure:"disable_fallback"`

	// Legacy single credential, used when the credentials list is empty.
	Token  string `mapstructure:"token"`
	Cookie string `mapstructure:"cookie"`
}

// CredentialItem 单个身份凭证
type CredentialItem struct {
	ID     string `mapstructure:"id"`
	Token  string `mapstructure:"token"`
	Cookie string `mapstructure:"cookie"`
}

// PoolConfig 身份池健康策略
type PoolConfig struct {
	DegradeThreshold    int `mapstructure:"degrade_threshold"`
	QuarantineThreshold int `mapstructure:"quarantine_threshold"`
	QuarantineCooldown  int `mapstructure:"quarantine_cooldown_minutes"`
}

// SchedulerConfig 后台任务周期
type SchedulerConfig struct {
	RefreshIntervalHours   int `mapstructure:"refresh_interval_hours"`
	ExpiryWarningDays      int `mapstructure:"expiry_warning_days"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
	CleanupKeepRecent      int `mapstructure:"cleanup_keep_recent"`
}

// StoreConfig 可选的 sqlite 令牌存储
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file (YAML) and environment overrides
// (QWENBRIDGE_* with dots as underscores). path may be empty, in which case
// the usual locations are searched and env/defaults still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QWENBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.qwenbridge")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: env vars and defaults carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{v: v, path: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "production")

	v.SetDefault("auth.mode", "server")

	v.SetDefault("upstream.base_url", "https://chat.qwen.ai")
	v.SetDefault("upstream.fallback_model", "qwen3-vl-plus")

	v.SetDefault("pool.degrade_threshold", 1)
	v.SetDefault("pool.quarantine_threshold", 3)
	v.SetDefault("pool.quarantine_cooldown_minutes", 30)

	v.SetDefault("scheduler.refresh_interval_hours", 24)
	v.SetDefault("scheduler.expiry_warning_days", 7)
	v.SetDefault("scheduler.cleanup_interval_minutes", 60)
	v.SetDefault("scheduler.cleanup_keep_recent", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// --- Read-only view for the core ---

// FallbackModel returns the vision fallback model, or "" when fallback is
// disabled or unset.
func (c *Config) FallbackModel() string {
	if c.Upstream.DisableFallback {
		return ""
	}
	return c.Upstream.FallbackModel
}

// BaseURL 上游地址
func (c *Config) BaseURL() string { return c.Upstream.BaseURL }

// ClientMode reports whether credentials come from the client per request.
func (c *Config) ClientMode() bool { return c.Auth.Mode == "client" }

// APIKey 服务端 api key（可为空，表示不校验）
func (c *Config) APIKey() string { return c.Auth.APIKey }

// Credentials returns the configured credential pairs, falling back to the
// legacy single token/cookie when the list is empty.
func (c *Config) Credentials() []CredentialItem {
	if len(c.Creds) > 0 {
		return c.Creds
	}
	if c.Upstream.Token != "" || c.Upstream.Cookie != "" {
		return []CredentialItem{{ID: "legacy", Token: c.Upstream.Token, Cookie: c.Upstream.Cookie}}
	}
	return nil
}

// RefreshInterval 令牌刷新周期
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Scheduler.RefreshIntervalHours) * time.Hour
}

// ExpiryWarningWindow 过期预警窗口
func (c *Config) ExpiryWarningWindow() time.Duration {
	return time.Duration(c.Scheduler.ExpiryWarningDays) * 24 * time.Hour
}

// CleanupInterval 会话清理周期
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Scheduler.CleanupIntervalMinutes) * time.Minute
}

// QuarantineCooldown 隔离冷却时长
func (c *Config) QuarantineCooldown() time.Duration {
	return time.Duration(c.Pool.QuarantineCooldown) * time.Minute
}

// Path returns the config file in use ("" when env-only).
func (c *Config) Path() string { return c.path }

// SaveRefreshedToken writes a refreshed token for one credential back into
// the config file, so the next start sees it. No-op without a file.
func (c *Config) SaveRefreshedToken(id, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	creds := c.Credentials()
	for i := range creds {
		if creds[i].ID == id {
			creds[i].Token = token
		}
	}
	c.v.Set("credentials", creds)
	return c.v.WriteConfig()
}
