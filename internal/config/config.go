package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ezviz-cas/cas-bridge/pkg/cas"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	CAS      CASConfig      `yaml:"cas"`
	Cloud    CloudConfig    `yaml:"cloud"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Users    []UserConfig   `yaml:"users"`

	Integration IntegrationConfig `yaml:"integration"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// CASConfig configures the device proxy client
type CASConfig struct {
	FeatureCode        string        `yaml:"feature_code"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	CAFile             string        `yaml:"ca_file"`
}

// CloudConfig carries the login state obtained by the cloud REST client.
// Either SysConf (the raw pipe separated string from the service URL
// lookup) or ProxyHost/ProxyPort must be set.
type CloudConfig struct {
	SessionID string `yaml:"session_id"`
	SysConf   string `yaml:"sys_conf"`
	ProxyHost string `yaml:"proxy_host"`
	ProxyPort int    `yaml:"proxy_port"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the listen address
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IntegrationConfig configures where defence events are forwarded
type IntegrationConfig struct {
	HTTP HTTPIntegrationConfig `yaml:"http"`
	MQTT MQTTIntegrationConfig `yaml:"mqtt"`
}

// HTTPIntegrationConfig is a webhook receiving every defence event
type HTTPIntegrationConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTIntegrationConfig publishes defence events to a broker. TopicPattern
// may contain {serial}.
type MQTTIntegrationConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BrokerURL          string `yaml:"broker_url"`
	ClientID           string `yaml:"client_id"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPattern       string `yaml:"topic_pattern"`
	QoS                byte   `yaml:"qos"`
	Retain             bool   `yaml:"retain"`
	TLS                bool   `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// UserConfig is an API user. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	IsAdmin      bool   `yaml:"is_admin"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies environment overrides and
// defaults, and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if sessionID := os.Getenv("CAS_SESSION_ID"); sessionID != "" {
		c.Cloud.SessionID = sessionID
	}

	if sysConf := os.Getenv("CAS_SYSCONF"); sysConf != "" {
		c.Cloud.SysConf = sysConf
	}

	if host := os.Getenv("CAS_PROXY_HOST"); host != "" {
		c.Cloud.ProxyHost = host
	}

	if port := os.Getenv("CAS_PROXY_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid CAS_PROXY_PORT %q: %w", port, err)
		}
		c.Cloud.ProxyPort = n
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "cas-bridge"
	}
	if c.CAS.FeatureCode == "" {
		c.CAS.FeatureCode = cas.DefaultFeatureCode
	}
	if c.CAS.DialTimeout == 0 {
		c.CAS.DialTimeout = cas.DefaultTimeout
	}
	if c.CAS.ReadTimeout == 0 {
		c.CAS.ReadTimeout = cas.DefaultTimeout
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the settings every binary depends on
func (c *Config) Validate() error {
	if c.CAS.DialTimeout < 0 || c.CAS.ReadTimeout < 0 {
		return fmt.Errorf("cas timeouts must not be negative")
	}
	if c.Cloud.SysConf == "" && c.Cloud.ProxyHost == "" {
		return fmt.Errorf("cloud.sys_conf or cloud.proxy_host is required")
	}
	if c.Cloud.SysConf == "" && (c.Cloud.ProxyPort <= 0 || c.Cloud.ProxyPort > 65535) {
		return fmt.Errorf("invalid cloud.proxy_port: %d", c.Cloud.ProxyPort)
	}
	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required when the api is enabled")
	}
	if c.Integration.HTTP.Enabled && c.Integration.HTTP.Endpoint == "" {
		return fmt.Errorf("integration.http.endpoint is required when enabled")
	}
	if c.Integration.MQTT.Enabled && c.Integration.MQTT.BrokerURL == "" {
		return fmt.Errorf("integration.mqtt.broker_url is required when enabled")
	}
	if c.Integration.MQTT.QoS > 2 {
		return fmt.Errorf("invalid integration.mqtt.qos: %d", c.Integration.MQTT.QoS)
	}
	for i, u := range c.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: username and password_hash are required", i)
		}
	}
	return nil
}

// CASClientConfig converts the cas section into a client config. The CA
// file, when set, replaces the system roots.
func (c *Config) CASClientConfig() (cas.Config, error) {
	out := cas.Config{
		FeatureCode:        c.CAS.FeatureCode,
		DialTimeout:        c.CAS.DialTimeout,
		ReadTimeout:        c.CAS.ReadTimeout,
		InsecureSkipVerify: c.CAS.InsecureSkipVerify,
	}

	if c.CAS.CAFile != "" {
		pool, err := loadCertPool(c.CAS.CAFile)
		if err != nil {
			return cas.Config{}, err
		}
		out.RootCAs = pool
	}

	return out, nil
}

// PrintConfigSummary prints a configuration summary to stdout
func (c *Config) PrintConfigSummary() {
	c.WriteConfigSummary(os.Stdout)
}

// WriteConfigSummary writes the summary to w. Secrets are never included.
func (c *Config) WriteConfigSummary(w io.Writer) {
	fmt.Fprintf(w, "=== CAS Bridge Configuration ===\n")
	fmt.Fprintf(w, "Server: %s %s\n", c.Server.Name, c.Server.Version)
	if c.Cloud.SysConf != "" {
		fmt.Fprintf(w, "Proxy: from sys_conf\n")
	} else {
		fmt.Fprintf(w, "Proxy: %s:%d\n", c.Cloud.ProxyHost, c.Cloud.ProxyPort)
	}
	fmt.Fprintf(w, "Dial timeout: %s, read timeout: %s\n", c.CAS.DialTimeout, c.CAS.ReadTimeout)
	fmt.Fprintf(w, "TLS verify: %v\n", !c.CAS.InsecureSkipVerify)
	fmt.Fprintf(w, "API: enabled=%v addr=%s\n", c.API.Enabled, c.API.Addr())
	fmt.Fprintf(w, "NATS: %s\n", c.NATS.URL)
	fmt.Fprintf(w, "Database: configured=%v\n", c.Database.DSN != "")
	fmt.Fprintf(w, "Integrations: http=%v mqtt=%v\n", c.Integration.HTTP.Enabled, c.Integration.MQTT.Enabled)
	fmt.Fprintf(w, "==========================================\n")
}
