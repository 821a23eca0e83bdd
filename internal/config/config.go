// ABOUTME: Configuration loading and parsing for flowlink
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete flowlink configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Policy      PolicyConfig      `yaml:"policy" toml:"policy"`
	Router      RouterConfig      `yaml:"router" toml:"router"`
	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Bus         BusConfig         `yaml:"bus" toml:"bus"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the websocket listener configuration
type ServerConfig struct {
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	Path           string   `yaml:"path" toml:"path"`
	UseSSL         bool     `yaml:"use_ssl" toml:"use_ssl"`
	CertPath       string   `yaml:"cert_path" toml:"cert_path"`
	KeyPath        string   `yaml:"key_path" toml:"key_path"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// Addr returns the host:port pair the listener binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds the credential database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds handshake authentication configuration
type AuthConfig struct {
	// SharedSecret is accepted as a key from any client and signs bearer tokens.
	SharedSecret string `yaml:"shared_secret" toml:"shared_secret"`
}

// PolicyConfig holds the IP admission policy
type PolicyConfig struct {
	IPList []string `yaml:"ip_list" toml:"ip_list"`
	// BlacklistMode is a pointer so an omitted key can default to true.
	BlacklistMode *bool `yaml:"ip_blacklist_mode" toml:"ip_blacklist_mode"`
}

// Blacklist reports whether IPList is a deny list (the default) rather than an allow list.
func (p PolicyConfig) Blacklist() bool {
	return p.BlacklistMode == nil || *p.BlacklistMode
}

// RouterConfig holds inbound message filtering configuration
type RouterConfig struct {
	SafeMode           bool     `yaml:"safe_mode" toml:"safe_mode"`
	MessageWhitelist   []string `yaml:"message_whitelist" toml:"message_whitelist"`
	MaxMalformedFrames int      `yaml:"max_malformed_frames" toml:"max_malformed_frames"`
	ReadLimit          int64    `yaml:"read_limit" toml:"read_limit"`
}

// CoordinatorConfig holds ask-and-wait timing and targeting configuration
type CoordinatorConfig struct {
	TimeoutSeconds      int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
	Priority            int      `yaml:"priority" toml:"priority"`
	Targets             []string `yaml:"targets" toml:"targets"`
	TargetTimeoutPolicy string   `yaml:"target_timeout_policy" toml:"target_timeout_policy"`

	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string value for YAML/TOML unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// Timeout returns the ask-and-wait deadline as a duration.
func (c CoordinatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BusConfig selects and configures the internal event bus
type BusConfig struct {
	Driver     string `yaml:"driver" toml:"driver"`
	NATSURL    string `yaml:"nats_url" toml:"nats_url"`
	Subject    string `yaml:"subject" toml:"subject"`
	ClientName string `yaml:"client_name" toml:"client_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Target timeout policies.
const (
	PolicyContinue = "continue"
	PolicyAbort    = "abort"
)

// Bus drivers.
const (
	DriverMemory = "memory"
	DriverNATS   = "nats"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with every default applied and nothing else set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 6789
	}
	if c.Server.Path == "" {
		c.Server.Path = "/"
	}
	if c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "flowlink"
	}
	if envPath := os.Getenv("FLOWLINK_DB_PATH"); envPath != "" {
		c.Database.Path = envPath
	}
	if c.Policy.BlacklistMode == nil {
		blacklist := true
		c.Policy.BlacklistMode = &blacklist
	}
	if c.Router.MaxMalformedFrames == 0 {
		c.Router.MaxMalformedFrames = 10
	}
	if c.Router.ReadLimit == 0 {
		c.Router.ReadLimit = 1 << 20
	}
	if c.Coordinator.TimeoutSeconds == 0 {
		c.Coordinator.TimeoutSeconds = 10
	}
	if c.Coordinator.Priority == 0 {
		c.Coordinator.Priority = 99
	}
	if c.Coordinator.TargetTimeoutPolicy == "" {
		c.Coordinator.TargetTimeoutPolicy = PolicyContinue
	}
	if c.Coordinator.KeepaliveInterval == 0 {
		c.Coordinator.KeepaliveInterval = 30 * time.Second
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = DriverMemory
	}
	if c.Bus.NATSURL == "" {
		c.Bus.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.Bus.Subject == "" {
		c.Bus.Subject = "flowlink.bus"
	}
	if c.Bus.ClientName == "" {
		c.Bus.ClientName = "flowlink"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Port only matters when binding a local socket
	if !c.Tailscale.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port %d out of range (or enable tailscale)", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}

	if c.Server.UseSSL && (c.Server.CertPath == "" || c.Server.KeyPath == "") {
		return errors.New("server.cert_path and server.key_path are required when use_ssl is enabled")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	for _, entry := range c.Policy.IPList {
		if _, err := ParseIPEntry(entry); err != nil {
			return fmt.Errorf("policy.ip_list: %w", err)
		}
	}

	if c.Router.MaxMalformedFrames < 0 {
		return errors.New("router.max_malformed_frames must not be negative")
	}
	if c.Router.ReadLimit < 0 {
		return errors.New("router.read_limit must not be negative")
	}

	if c.Coordinator.TimeoutSeconds < 0 {
		return errors.New("coordinator.timeout_seconds must be positive")
	}
	switch c.Coordinator.TargetTimeoutPolicy {
	case PolicyContinue, PolicyAbort:
	default:
		return fmt.Errorf("coordinator.target_timeout_policy %q must be %q or %q",
			c.Coordinator.TargetTimeoutPolicy, PolicyContinue, PolicyAbort)
	}
	if c.Coordinator.KeepaliveInterval < 0 {
		return errors.New("coordinator.keepalive_interval must be positive")
	}

	switch c.Bus.Driver {
	case DriverMemory:
	case DriverNATS:
		if c.Bus.NATSURL == "" {
			return errors.New("bus.nats_url is required for the nats driver")
		}
	default:
		return fmt.Errorf("bus.driver %q must be %q or %q", c.Bus.Driver, DriverMemory, DriverNATS)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// ParseIPEntry parses a policy entry that is either a bare address or a CIDR prefix.
// A bare address is returned as a single-address prefix.
func ParseIPEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Coordinator.KeepaliveIntervalRaw != "" {
		cfg.Coordinator.KeepaliveInterval, err = time.ParseDuration(cfg.Coordinator.KeepaliveIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_interval %q: %w", cfg.Coordinator.KeepaliveIntervalRaw, err)
		}
	}

	return nil
}
