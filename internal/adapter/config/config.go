// Package config provides configuration management for the PVOutput gateway.
// It supports a .env file, environment variables, a YAML config file and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/adapter/modbus"
	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Supported inverter drivers.
const (
	DriverGoburrow    = "goburrow"
	DriverSimonvetter = "simonvetter"
)

// Allowed range for the polling interval.
const (
	MinInterval = time.Minute
	MaxInterval = 60 * time.Minute
)

// Config holds all configuration for the PVOutput gateway.
type Config struct {
	// Environment is the deployment environment (development, production)
	Environment string `mapstructure:"environment"`

	// Inverter connection and register profile
	Inverter InverterConfig `mapstructure:"inverter"`

	// Polling schedule
	Polling PollingConfig `mapstructure:"polling"`

	// PVOutput upload configuration
	PVOutput PVOutputConfig `mapstructure:"pvoutput"`

	// MQTT mirror configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// InverterConfig holds the Modbus link settings.
type InverterConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	UnitID           int           `mapstructure:"unit_id"`
	TransportUnitID  int           `mapstructure:"transport_unit_id"` // addressed by the no_unit call shape
	CallShapes       []string      `mapstructure:"call_shapes"`       // empty allows every shape
	Driver           string        `mapstructure:"driver"`
	URL              string        `mapstructure:"url"` // simonvetter only, overrides host/port
	Timeout          time.Duration `mapstructure:"timeout"`
	ConnectDelay     time.Duration `mapstructure:"connect_delay"`
	RequestDelay     time.Duration `mapstructure:"request_delay"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ProbeAddress     int           `mapstructure:"probe_address"`
	Profile          string        `mapstructure:"profile"`
	ProfilesPath     string        `mapstructure:"profiles_path"`
}

// Address returns the transport address for the configured driver.
func (c InverterConfig) Address() string {
	if c.Driver == DriverSimonvetter && c.URL != "" {
		return c.URL
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PollingConfig holds polling session configuration.
type PollingConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PVOutputConfig holds uploader configuration.
type PVOutputConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	SystemID        string        `mapstructure:"system_id"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// APIKey protects POST endpoints when set
	APIKey string `mapstructure:"api_key"`

	// AllowedOrigins for CORS. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load loads configuration from the default search paths.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or from the default search paths
// when path is empty. A .env file is read first when present.
func LoadFile(path string) (*Config, error) {
	envPath := os.Getenv("PVGW_ENV_FILE")
	if envPath == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading env file %s: %w", envPath, err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pvoutput-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PVGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")

	// Inverter
	v.SetDefault("inverter.host", "")
	v.SetDefault("inverter.port", 502)
	v.SetDefault("inverter.unit_id", 247)
	v.SetDefault("inverter.transport_unit_id", 0)
	v.SetDefault("inverter.call_shapes", []string{})
	v.SetDefault("inverter.driver", DriverGoburrow)
	v.SetDefault("inverter.url", "")
	v.SetDefault("inverter.timeout", 5*time.Second)
	v.SetDefault("inverter.connect_delay", time.Second)
	v.SetDefault("inverter.request_delay", 30*time.Millisecond)
	v.SetDefault("inverter.failure_threshold", 5)
	v.SetDefault("inverter.probe_address", 31006)
	v.SetDefault("inverter.profile", "H1")
	v.SetDefault("inverter.profiles_path", "./config/inverter_profiles.json")

	// Polling
	v.SetDefault("polling.interval", 5*time.Minute)
	v.SetDefault("polling.cycle_timeout", 2*time.Minute)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)

	// PVOutput
	v.SetDefault("pvoutput.enabled", true)
	v.SetDefault("pvoutput.url", "https://pvoutput.org/service/r2/addstatus.jsp")
	v.SetDefault("pvoutput.api_key", "")
	v.SetDefault("pvoutput.system_id", "")
	v.SetDefault("pvoutput.timeout", 10*time.Second)
	v.SetDefault("pvoutput.breaker_failures", 5)
	v.SetDefault("pvoutput.breaker_timeout", 30*time.Minute)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "pvoutput-gateway")
	v.SetDefault("mqtt.topic_prefix", "foxess")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.api_key", "")
	v.SetDefault("http.allowed_origins", []string{})

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 1)
}

// bindEnvVars binds the unprefixed variables a typical .env carries.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("inverter.host", "PVGW_INVERTER_HOST", "INVERTER_HOST")
	_ = v.BindEnv("inverter.profile", "PVGW_INVERTER_PROFILE", "INVERTER_TYPE")
	_ = v.BindEnv("inverter.call_shapes", "PVGW_INVERTER_CALL_SHAPES")

	_ = v.BindEnv("pvoutput.api_key", "PVGW_PVOUTPUT_API_KEY", "PVOUTPUT_API_KEY")
	_ = v.BindEnv("pvoutput.system_id", "PVGW_PVOUTPUT_SYSTEM_ID", "PVOUTPUT_SYSTEM_ID")

	_ = v.BindEnv("mqtt.broker_url", "PVGW_MQTT_BROKER_URL", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "PVGW_MQTT_USERNAME", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "PVGW_MQTT_PASSWORD", "MQTT_PASSWORD")

	_ = v.BindEnv("http.port", "PVGW_HTTP_PORT", "HTTP_PORT")
	_ = v.BindEnv("http.api_key", "PVGW_HTTP_API_KEY", "API_KEY")

	_ = v.BindEnv("logging.level", "PVGW_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "PVGW_LOGGING_FORMAT", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	inv := c.Inverter
	switch inv.Driver {
	case DriverGoburrow:
		if inv.Host == "" {
			return fmt.Errorf("%w: inverter host is required", domain.ErrConfiguration)
		}
	case DriverSimonvetter:
		if inv.Host == "" && inv.URL == "" {
			return fmt.Errorf("%w: inverter host or url is required", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown inverter driver %q", domain.ErrConfiguration, inv.Driver)
	}
	if inv.Port <= 0 || inv.Port > 65535 {
		return fmt.Errorf("%w: invalid inverter port: %d", domain.ErrConfiguration, inv.Port)
	}
	if inv.UnitID < 0 || inv.UnitID > 247 {
		return fmt.Errorf("%w: inverter unit_id must be between 0 and 247, got %d", domain.ErrConfiguration, inv.UnitID)
	}
	if inv.TransportUnitID < 0 || inv.TransportUnitID > 255 {
		return fmt.Errorf("%w: inverter transport_unit_id must be between 0 and 255, got %d", domain.ErrConfiguration, inv.TransportUnitID)
	}
	if _, err := modbus.ParseCallShapes(inv.CallShapes); err != nil {
		return fmt.Errorf("inverter call_shapes: %w", err)
	}
	if inv.ProbeAddress < 0 || inv.ProbeAddress > 65535 {
		return fmt.Errorf("%w: invalid probe address: %d", domain.ErrConfiguration, inv.ProbeAddress)
	}
	if inv.Profile == "" {
		return fmt.Errorf("%w: inverter profile is required", domain.ErrConfiguration)
	}

	if c.Polling.Interval < MinInterval || c.Polling.Interval > MaxInterval {
		return fmt.Errorf("%w: polling interval %s outside %s..%s",
			domain.ErrConfiguration, c.Polling.Interval, MinInterval, MaxInterval)
	}

	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("%w: MQTT broker URL is required", domain.ErrConfiguration)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: invalid MQTT QoS: %d", domain.ErrConfiguration, c.MQTT.QoS)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: invalid HTTP port: %d", domain.ErrConfiguration, c.HTTP.Port)
	}
	return nil
}
