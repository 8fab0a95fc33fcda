// Package config defines all configuration for the copy engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COPY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool             `mapstructure:"dry_run"`
	Master    MasterConfig     `mapstructure:"master"`
	Bridge    BridgeConfig     `mapstructure:"bridge"`
	Engine    EngineConfig     `mapstructure:"engine"`
	CopyLog   CopyLogConfig    `mapstructure:"copylog"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Followers []FollowerConfig `mapstructure:"followers"`
}

// MasterConfig identifies the master account whose trades are replicated.
type MasterConfig struct {
	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"`
}

// BridgeConfig points at the local MT5 terminal bridge: a REST endpoint for
// login and trade operations plus a WebSocket endpoint streaming ticks.
type BridgeConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	TickWSURL string        `mapstructure:"tick_ws_url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// EngineConfig tunes the replication core.
//
//   - PollInterval:     master poll period (tick clock). Min 50ms.
//   - MaxSlippagePoints: deviation passed on every trade operation.
//   - MagicNumber:      tag identifying engine-originated orders.
//   - OpDeadline:       per vendor operation; a hung call is cancelled after this.
//   - UnregDeadline:    max wait for a follower's in-flight ops on unregister.
//   - ShutdownDeadline: max wait for in-flight replication on engine stop.
type EngineConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxSlippagePoints int           `mapstructure:"max_slippage_points"`
	MagicNumber       uint64        `mapstructure:"magic_number"`
	OpDeadline        time.Duration `mapstructure:"op_deadline"`
	UnregDeadline     time.Duration `mapstructure:"unreg_deadline"`
	ShutdownDeadline  time.Duration `mapstructure:"shutdown_deadline"`
}

// CopyLogConfig sets where copy-log records are persisted. DataDir enables the
// JSON-lines file sink; PostgresDSN additionally enables the batched Postgres
// sink. Both are optional — persistence is for observability only.
type CopyLogConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FollowerConfig declares one follower account registered at startup.
// Passwords may be kept out of the file via COPY_FOLLOWER_PASSWORD_<ID>.
type FollowerConfig struct {
	ID            uint64  `mapstructure:"id"`
	UserID        uint64  `mapstructure:"user_id"`
	Login         string  `mapstructure:"login"`
	Server        string  `mapstructure:"server"`
	Password      string  `mapstructure:"password"`
	LotMultiplier float64 `mapstructure:"lot_multiplier"`
	MaxLot        float64 `mapstructure:"max_lot"`
	CopyEnabled   bool    `mapstructure:"copy_enabled"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPY_MASTER_PASSWORD, COPY_BRIDGE_TOKEN, COPY_PG_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.poll_interval", 200*time.Millisecond)
	v.SetDefault("engine.max_slippage_points", 10)
	v.SetDefault("engine.magic_number", 99999)
	v.SetDefault("engine.op_deadline", 3*time.Second)
	v.SetDefault("engine.unreg_deadline", 5*time.Second)
	v.SetDefault("engine.shutdown_deadline", 10*time.Second)
	v.SetDefault("bridge.timeout", 10*time.Second)
	v.SetDefault("copylog.batch_size", 100)
	v.SetDefault("copylog.flush_interval", 2*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if pass := os.Getenv("COPY_MASTER_PASSWORD"); pass != "" {
		cfg.Master.Password = pass
	}
	if tok := os.Getenv("COPY_BRIDGE_TOKEN"); tok != "" {
		cfg.Bridge.AuthToken = tok
	}
	if dsn := os.Getenv("COPY_PG_DSN"); dsn != "" {
		cfg.CopyLog.PostgresDSN = dsn
	}
	for i := range cfg.Followers {
		if pass := os.Getenv(fmt.Sprintf("COPY_FOLLOWER_PASSWORD_%d", cfg.Followers[i].ID)); pass != "" {
			cfg.Followers[i].Password = pass
		}
	}
	if os.Getenv("COPY_DRY_RUN") == "true" || os.Getenv("COPY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. Invalid config is
// fatal at startup.
func (c *Config) Validate() error {
	if c.Master.Login == "" {
		return fmt.Errorf("master.login is required")
	}
	if c.Master.Password == "" {
		return fmt.Errorf("master.password is required (set COPY_MASTER_PASSWORD)")
	}
	if c.Master.Server == "" {
		return fmt.Errorf("master.server is required")
	}
	if c.Bridge.BaseURL == "" {
		return fmt.Errorf("bridge.base_url is required")
	}
	if c.Engine.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("engine.poll_interval must be >= 50ms, got %s", c.Engine.PollInterval)
	}
	if c.Engine.MaxSlippagePoints <= 0 {
		return fmt.Errorf("engine.max_slippage_points must be > 0")
	}
	if c.Engine.MagicNumber == 0 {
		return fmt.Errorf("engine.magic_number must be > 0")
	}
	if c.Engine.OpDeadline <= 0 {
		return fmt.Errorf("engine.op_deadline must be > 0")
	}
	if c.Engine.UnregDeadline <= 0 {
		return fmt.Errorf("engine.unreg_deadline must be > 0")
	}
	if c.Engine.ShutdownDeadline <= 0 {
		return fmt.Errorf("engine.shutdown_deadline must be > 0")
	}
	if c.CopyLog.PostgresDSN != "" && c.CopyLog.BatchSize <= 0 {
		return fmt.Errorf("copylog.batch_size must be > 0 when postgres sink is enabled")
	}
	seen := make(map[uint64]bool, len(c.Followers))
	for _, f := range c.Followers {
		if f.ID == 0 || f.Login == "" {
			return fmt.Errorf("followers entries need id and login")
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate follower id %d", f.ID)
		}
		seen[f.ID] = true
		if f.CopyEnabled && f.Password == "" {
			return fmt.Errorf("follower %d: password is required (set COPY_FOLLOWER_PASSWORD_%d)", f.ID, f.ID)
		}
		if f.LotMultiplier < 0 || f.MaxLot < 0 {
			return fmt.Errorf("follower %d: lot_multiplier and max_lot must be >= 0", f.ID)
		}
	}
	return nil
}
