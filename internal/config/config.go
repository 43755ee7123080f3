// Package config loads the shard configuration from YAML, overlaying a
// file (when present) on top of defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for one shard process.
type Config struct {
	LogLevel string `yaml:"log_level"`
	ShardID  int    `yaml:"shard_id"`

	Net     Net     `yaml:"net"`
	RPC     RPC     `yaml:"rpc"`
	Pers    Pers    `yaml:"pers"`
	Auth    Auth    `yaml:"auth"`
	Game    Game    `yaml:"game"`
	Metrics Metrics `yaml:"metrics"`
}

// Net configures the client-facing listener and the shard table.
type Net struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// MaxMsgSize is the fatal-close limit for a single client frame.
	MaxMsgSize int `yaml:"max_msg_size"`

	// RateLimit / RateBurst bound inbound frames per session
	// (frames/second and burst size). Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Codec selects the payload codec: "json" (default) or the
	// legacy binary "msgpack".
	Codec string `yaml:"codec"`

	// GameServers is the cluster shard table. Order matters: the
	// TSID hash indexes into it.
	GameServers []ShardEntry `yaml:"game_servers"`
}

// ShardEntry describes one shard in the fleet.
type ShardEntry struct {
	ID      int    `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	RPCPort int    `yaml:"rpc_port"`
}

// RPC configures the shard-to-shard transport.
type RPC struct {
	BasePort int `yaml:"base_port"`

	// Timeout is the per-call budget; the sweep fails older pendings.
	Timeout time.Duration `yaml:"timeout"`

	// ReconnectWindow is how long outbound calls are buffered while
	// a peer connection is down. After it closes, calls fail
	// immediately.
	ReconnectWindow time.Duration `yaml:"reconnect_window"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Pers selects and configures the persistence back end.
type Pers struct {
	BackEnd string      `yaml:"back_end"` // pgsql | redis | inmem
	PgSQL   PgSQLConfig `yaml:"pgsql"`
	Redis   RedisConfig `yaml:"redis"`
}

// PgSQLConfig holds PostgreSQL connection parameters.
type PgSQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d PgSQLConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

// Auth selects the pluggable token validator.
type Auth struct {
	Module string `yaml:"module"` // jwt | static | accounts | insecure

	JWTSecret string `yaml:"jwt_secret"`

	// StaticTokens maps token → player TSID for the static module.
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// Game holds engine intervals and budgets.
type Game struct {
	// LocUnloadInterval drives the location self-unload check.
	LocUnloadInterval time.Duration `yaml:"loc_unload_interval"`

	// RequestTimeout is the soft per-request budget; overruns are
	// logged and counted but never cancelled.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Metrics configures the optional Prometheus listener.
type Metrics struct {
	Bind string `yaml:"bind"`
}

// Default returns a config with sensible single-shard defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		ShardID:  1,
		Net: Net{
			BindAddress: "0.0.0.0",
			Port:        1443,
			MaxMsgSize:  64 * 1024,
			RateLimit:   50,
			RateBurst:   100,
			Codec:       "json",
			GameServers: []ShardEntry{
				{ID: 1, Host: "127.0.0.1", Port: 1443, RPCPort: 7000},
			},
		},
		RPC: RPC{
			BasePort:        7000,
			Timeout:         10 * time.Second,
			ReconnectWindow: 30 * time.Second,
			SweepInterval:   time.Second,
		},
		Pers: Pers{
			BackEnd: "pgsql",
			PgSQL: PgSQLConfig{
				Host:     "127.0.0.1",
				Port:     5432,
				User:     "eleven",
				Password: "eleven",
				DBName:   "eleven",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "obj:",
			},
		},
		Auth: Auth{
			Module: "insecure",
		},
		Game: Game{
			LocUnloadInterval: time.Minute,
			RequestTimeout:    30 * time.Second,
		},
	}
}

// Load reads config from a YAML file. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if len(c.Net.GameServers) == 0 {
		return fmt.Errorf("net.game_servers must not be empty")
	}
	for _, gs := range c.Net.GameServers {
		if gs.ID == c.ShardID {
			return nil
		}
	}
	return fmt.Errorf("shard_id %d not present in net.game_servers", c.ShardID)
}
