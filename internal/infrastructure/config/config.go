package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingServerName is returned by Validate when no server name is configured.
var ErrMissingServerName = errors.New("server.name is required (set FEE_SERVER_NAME environment variable)")

// Config is the root configuration structure for a FeeServer instance.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Messages   MessagesConfig   `yaml:"messages"`
	Memory     MemoryConfig     `yaml:"memory"`
	Devices    DevicesConfig    `yaml:"devices"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ServerConfig identifies the server and bounds command execution.
type ServerConfig struct {
	// Name is the server name under which all channels are published.
	// Required. Legacy env: FEE_SERVER_NAME.
	Name string `yaml:"name"`

	// EnvFile is an optional dotenv file loaded before env overrides are applied.
	EnvFile string `yaml:"env_file"`

	// IssueTimeout bounds a single device-layer command, in seconds.
	// Default: 60
	IssueTimeout int `yaml:"issue_timeout"`

	// InitTimeout bounds device-layer initialisation, in seconds.
	// Default: 10
	InitTimeout int `yaml:"init_timeout"`

	// RestartCounter is the number of restarts performed so far by the supervisor.
	RestartCounter int `yaml:"restart_counter"`

	// BinaryUpdatePath is where update-binary commands write the new executable.
	// Empty disables the command.
	BinaryUpdatePath string `yaml:"binary_update_path"`

	// RebootCommand and ShutdownCommand are run for the host control commands.
	// Empty disables the respective command.
	RebootCommand   []string `yaml:"reboot_command"`
	ShutdownCommand []string `yaml:"shutdown_command"`
}

// MonitorConfig contains monitoring engine settings.
type MonitorConfig struct {
	// UpdateRate is the nominal duration of one full sweep, in milliseconds.
	// Default: 1000
	UpdateRate int `yaml:"update_rate"`

	// ForcedRefreshMultiplier is the number of sweeps after which every
	// channel is republished regardless of deadband.
	// Default: 60
	ForcedRefreshMultiplier int `yaml:"forced_refresh_multiplier"`
}

// MessagesConfig contains log/message channel settings.
type MessagesConfig struct {
	// LogLevel is the event type bitmask. Alarms are always enabled.
	// Default: 7 (info, warning, error)
	LogLevel uint32 `yaml:"log_level"`

	// ReplicateTimeout is the hold-back window for duplicate messages, in milliseconds.
	// Default: 10000
	ReplicateTimeout int `yaml:"replicate_timeout"`

	// History enables persisting sent messages to the database.
	History bool `yaml:"history"`
}

// MemoryConfig contains tracked allocator settings.
type MemoryConfig struct {
	// Budget is the maximum number of bytes the device layer may hold. 0 means unlimited.
	Budget int `yaml:"budget"`
}

// DevicesConfig describes the device layer to build.
type DevicesConfig struct {
	// FECCount is the number of front-end cards managed by the control engine.
	// Default: 2
	FECCount int `yaml:"fec_count"`

	// ServiceUpdateInterval is how often device services are refreshed, in milliseconds.
	// Default: 1000
	ServiceUpdateInterval int `yaml:"service_update_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings for the command API.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// SupervisorConfig controls the restart supervisor.
type SupervisorConfig struct {
	// Binary is the feeserver executable the supervisor runs.
	Binary string `yaml:"binary"`

	// Args are passed to every child invocation.
	Args []string `yaml:"args"`

	// RestartDelay is the wait between restarts, in seconds.
	// Default: 2
	RestartDelay int `yaml:"restart_delay"`

	// MaxRestarts limits restart attempts. 0 means unlimited.
	MaxRestarts int `yaml:"max_restarts"`

	// RestartOnCrash restarts the child after an unexpected exit code.
	RestartOnCrash bool `yaml:"restart_on_crash"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (skipped when path is empty)
//  3. Env file values (server.env_file or FEESERVER_ENV_FILE), never overriding the real environment
//  4. Environment variables
//
// Environment variables follow the pattern FEESERVER_SECTION_KEY. The classic
// FeeServer variables (FEE_SERVER_NAME, DIM_DNS_NODE, FEE_LOG_LEVEL,
// FEE_LOGWATCHDOG_TIMEOUT, FEE_ISSUE_TIMEOUT, FEE_UPDATE_RATE, FEE_RESTART_COUNTER)
// are honoured as well.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	envFile := cfg.Server.EnvFile
	if v := os.Getenv("FEESERVER_ENV_FILE"); v != "" {
		envFile = v
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IssueTimeout: 60,
			InitTimeout:  10,
		},
		Monitor: MonitorConfig{
			UpdateRate:              1000,
			ForcedRefreshMultiplier: 60,
		},
		Messages: MessagesConfig{
			LogLevel:         7,
			ReplicateTimeout: 10000,
			History:          true,
		},
		Devices: DevicesConfig{
			FECCount:              2,
			ServiceUpdateInterval: 1000,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/feeserver.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Supervisor: SupervisorConfig{
			RestartDelay:   2,
			RestartOnCrash: true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, keys ...string) {
		for _, k := range keys {
			v := os.Getenv(k)
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a number", k, v))
				return
			}
			*dst = n
			return
		}
	}

	// Server identity and command bounds
	str(&cfg.Server.Name, "FEESERVER_SERVER_NAME", "FEE_SERVER_NAME")
	num(&cfg.Server.IssueTimeout, "FEESERVER_ISSUE_TIMEOUT", "FEE_ISSUE_TIMEOUT")
	num(&cfg.Server.RestartCounter, "FEESERVER_RESTART_COUNTER", "FEE_RESTART_COUNTER")
	num(&cfg.Monitor.UpdateRate, "FEESERVER_UPDATE_RATE", "FEE_UPDATE_RATE")
	num(&cfg.Messages.ReplicateTimeout, "FEESERVER_REPLICATE_TIMEOUT", "FEE_LOGWATCHDOG_TIMEOUT")

	for _, k := range []string{"FEESERVER_LOG_LEVEL", "FEE_LOG_LEVEL"} {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a bitmask", k, v))
		} else {
			cfg.Messages.LogLevel = uint32(n)
		}
		break
	}

	// Database
	str(&cfg.Database.Path, "FEESERVER_DATABASE_PATH")

	// MQTT (DIM_DNS_NODE names the transport registry host)
	str(&cfg.MQTT.Broker.Host, "FEESERVER_MQTT_HOST", "DIM_DNS_NODE")
	str(&cfg.MQTT.Auth.Username, "FEESERVER_MQTT_USERNAME")
	str(&cfg.MQTT.Auth.Password, "FEESERVER_MQTT_PASSWORD")

	// API
	str(&cfg.API.Host, "FEESERVER_API_HOST")

	// InfluxDB
	str(&cfg.InfluxDB.Token, "FEESERVER_INFLUXDB_TOKEN")

	// Security
	str(&cfg.Security.JWT.Secret, "FEESERVER_JWT_SECRET")

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.IssueTimeout < 1 || c.Server.IssueTimeout > 3600 {
		errs = append(errs, "server.issue_timeout must be between 1 and 3600 seconds")
	}
	if c.Server.InitTimeout < 1 {
		errs = append(errs, "server.init_timeout must be positive")
	}

	if c.Monitor.UpdateRate < 1 || c.Monitor.UpdateRate > 65535 {
		errs = append(errs, "monitor.update_rate must be between 1 and 65535 milliseconds")
	}
	if c.Monitor.ForcedRefreshMultiplier < 1 {
		errs = append(errs, "monitor.forced_refresh_multiplier must be positive")
	}
	if c.Messages.ReplicateTimeout < 0 {
		errs = append(errs, "messages.replicate_timeout must not be negative")
	}
	if c.Memory.Budget < 0 {
		errs = append(errs, "memory.budget must not be negative")
	}
	if c.Devices.FECCount < 0 {
		errs = append(errs, "devices.fec_count must not be negative")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The API can inject hardware commands; a weak secret is a forged command.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set FEESERVER_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if c.Server.Name == "" {
		if len(errs) == 0 {
			return fmt.Errorf("configuration errors: %w", ErrMissingServerName)
		}
		return fmt.Errorf("configuration errors: %w; %s", ErrMissingServerName, strings.Join(errs, "; "))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IssueTimeoutDuration returns the device command bound as a Duration.
func (c *Config) IssueTimeoutDuration() time.Duration {
	return time.Duration(c.Server.IssueTimeout) * time.Second
}

// InitTimeoutDuration returns the initialisation bound as a Duration.
func (c *Config) InitTimeoutDuration() time.Duration {
	return time.Duration(c.Server.InitTimeout) * time.Second
}

// UpdateRateDuration returns the monitoring sweep period as a Duration.
func (c *Config) UpdateRateDuration() time.Duration {
	return time.Duration(c.Monitor.UpdateRate) * time.Millisecond
}

// ReplicateTimeoutDuration returns the duplicate hold-back window as a Duration.
func (c *Config) ReplicateTimeoutDuration() time.Duration {
	return time.Duration(c.Messages.ReplicateTimeout) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
