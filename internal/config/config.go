// Package config provides Viper-based configuration loading for playersync.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cory-johannsen/playersync/internal/protocol"
)

// Session modes.
const (
	ModeHost = "host"
	ModeJoin = "join"
)

// Ban list backends.
const (
	BanBackendMemory   = "memory"
	BanBackendFile     = "file"
	BanBackendPostgres = "postgres"
)

// SessionConfig holds the settings of the local participant.
type SessionConfig struct {
	// Mode is "host" to run the authoritative server or "join" to connect to one.
	Mode string `mapstructure:"mode"`
	// Username is the local player's name. Load trims it and cuts it to
	// protocol.UsernameMaxLength runes.
	Username string `mapstructure:"username"`
	// Host is the server address a joining client connects to.
	Host string `mapstructure:"host"`
	// Port is the server port; a host binds it, a client dials it.
	Port int `mapstructure:"port"`
	// Key gates which servers accept a connect attempt.
	Key string `mapstructure:"key"`
}

// Addr returns the "host:port" server address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s SessionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TransportConfig holds network transport timings.
type TransportConfig struct {
	// PollInterval is how often queued transport events are dispatched.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PingInterval is the keepalive period.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// DisconnectTimeout is how long a silent peer is kept before it is dropped.
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	// SendBuffer is the per-peer outbound queue length.
	SendBuffer int `mapstructure:"send_buffer"`
}

// BansConfig selects where the ban list is kept.
type BansConfig struct {
	// Backend is one of "memory", "file" or "postgres".
	Backend string `mapstructure:"backend"`
	// File is the YAML file used by the "file" backend.
	File string `mapstructure:"file"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, sends log output to a rotated file instead of stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files are kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// SimulationConfig holds the headless host simulation clock.
type SimulationConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	PhysicsInterval time.Duration `mapstructure:"physics_interval"`
	// Place is the world the headless avatar spawns in.
	Place string `mapstructure:"place"`
}

// Config is the top-level application configuration.
type Config struct {
	Session    SessionConfig    `mapstructure:"session"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Bans       BansConfig       `mapstructure:"bans"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Simulation SimulationConfig `mapstructure:"simulation"`
}

// Validate checks all configuration invariants. The database section is
// only checked when the postgres ban backend is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTransport(c.Transport); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateBans(c.Bans); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Bans.Backend == BanBackendPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSimulation(c.Simulation); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.Mode != ModeHost && s.Mode != ModeJoin {
		errs = append(errs, fmt.Sprintf("session.mode must be one of [host, join], got %q", s.Mode))
	}
	if s.Username == "" {
		errs = append(errs, "session.username must not be empty")
	} else if s.Username != protocol.NormalizeUsername(s.Username) {
		errs = append(errs, fmt.Sprintf("session.username must be trimmed and at most %d characters", protocol.UsernameMaxLength))
	}
	if s.Mode == ModeJoin && s.Host == "" {
		errs = append(errs, "session.host must not be empty when joining")
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("session.port must be 1-65535, got %d", s.Port))
	}
	if s.Key == "" {
		errs = append(errs, "session.key must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.PollInterval <= 0 {
		errs = append(errs, "transport.poll_interval must be positive")
	}
	if t.PingInterval <= 0 {
		errs = append(errs, "transport.ping_interval must be positive")
	}
	if t.DisconnectTimeout <= t.PingInterval {
		errs = append(errs, "transport.disconnect_timeout must exceed transport.ping_interval")
	}
	if t.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.send_buffer must be >= 1, got %d", t.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBans(b BansConfig) error {
	switch b.Backend {
	case BanBackendMemory, BanBackendPostgres:
		return nil
	case BanBackendFile:
		if b.File == "" {
			return errors.New("bans.file must not be empty for the file backend")
		}
		return nil
	default:
		return fmt.Errorf("bans.backend must be one of [memory, file, postgres], got %q", b.Backend)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be >= 1, got %d", l.MaxSizeMB)
	}
	return nil
}

func validateSimulation(s SimulationConfig) error {
	var errs []string
	if s.TickInterval <= 0 {
		errs = append(errs, "simulation.tick_interval must be positive")
	}
	if s.PhysicsInterval <= 0 {
		errs = append(errs, "simulation.physics_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, normalizes the username and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with explicit values, such as command line flags,
// taking precedence over the file and the environment. Keys use the dotted
// form, e.g. "session.mode".
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadWithOverrides(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with PLAYERSYNC_ prefix
	v.SetEnvPrefix("PLAYERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	for key, value := range overrides {
		v.Set(key, value)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.Session.Username = protocol.NormalizeUsername(cfg.Session.Username)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("session.mode", ModeHost)
	v.SetDefault("session.host", protocol.DefaultHost)
	v.SetDefault("session.port", protocol.DefaultPort)
	v.SetDefault("session.key", protocol.DefaultKey)

	v.SetDefault("transport.poll_interval", protocol.PollInterval)
	v.SetDefault("transport.ping_interval", protocol.PingInterval)
	v.SetDefault("transport.disconnect_timeout", protocol.DisconnectTimeout)
	v.SetDefault("transport.send_buffer", 256)

	v.SetDefault("bans.backend", BanBackendFile)
	v.SetDefault("bans.file", "bans.yaml")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "playersync")
	v.SetDefault("database.password", "playersync")
	v.SetDefault("database.name", "playersync")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("simulation.tick_interval", "33ms")
	v.SetDefault("simulation.physics_interval", "20ms")
	v.SetDefault("simulation.place", "W1")
}
