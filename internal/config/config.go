// Package config provides YAML configuration loading with environment
// variable overrides for the tracking relay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/shineum/tracking-relay/internal/address"
	"github.com/shineum/tracking-relay/internal/alias"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

// maxRetentionDays bounds both retention periods.
const maxRetentionDays = 99

// Provider names accepted in forward.provider.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Alias store backends accepted in aliases.backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
)

// Config holds the complete application configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	IMAP      IMAPConfig      `yaml:"imap"`
	Forward   ForwardConfig   `yaml:"forward"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Aliases   AliasesConfig   `yaml:"aliases"`
	Import    ImportConfig    `yaml:"import"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// File enables the rotating log file when set.
	File        string `yaml:"file"`
	LevelFile   string `yaml:"level_file"`
	LevelScreen string `yaml:"level_screen"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`

	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// IMAPConfig holds the inbound mailbox account.
type IMAPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TLS                bool   `yaml:"tls"`
	StartTLS           bool   `yaml:"starttls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
	Folder             string `yaml:"folder"`
	RetentionDays      int    `yaml:"retention_days"`
}

// ForwardConfig holds the rewrite and delivery settings.
type ForwardConfig struct {
	Provider string   `yaml:"provider"`
	From     string   `yaml:"from"`
	Bcc      []string `yaml:"bcc"`
	SPFCheck bool     `yaml:"spf_check"`
	DryRun   bool     `yaml:"dry_run"`
}

// WhitelistConfig holds the accepted sender domains. An empty list admits
// every domain.
type WhitelistConfig struct {
	AllowedDomains []string `yaml:"allowed_domains"`
}

// SMTPConfig holds the outgoing SMTP server.
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TLS                bool   `yaml:"tls"`
	StartTLS           bool   `yaml:"starttls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
	LocalName          string `yaml:"local_name"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// Sender defaults to forward.from.
	Sender string `yaml:"sender"`
}

// AliasesConfig selects and configures the alias store.
type AliasesConfig struct {
	Backend string `yaml:"backend"`

	// DSN is the connection string for postgres and mysql.
	DSN string `yaml:"dsn"`

	// Directory and DBName locate the sqlite database file.
	Directory string `yaml:"directory"`
	DBName    string `yaml:"dbname"`

	Table         string `yaml:"table"`
	RetentionDays int    `yaml:"retention_days"`

	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// ImportConfig locates the CSV batch import file.
type ImportConfig struct {
	Directory string `yaml:"directory"`
	Filename  string `yaml:"filename"`
}

// MetricsConfig holds the metrics output settings.
type MetricsConfig struct {
	// Textfile is the node_exporter textfile written after each run.
	Textfile string `yaml:"textfile"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	cfg.normalize()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()
	cfg.normalize()

	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is
// ignored.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// SQLitePath returns the sqlite database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.Aliases.Directory, c.Aliases.DBName)
}

// ImportPath returns the CSV import file, or "" when importing is disabled.
func (c *Config) ImportPath() string {
	if c.Import.Filename == "" {
		return ""
	}
	return filepath.Join(c.Import.Directory, c.Import.Filename)
}

// GraphSender returns the Graph mailbox, falling back to forward.from.
func (c *Config) GraphSender() string {
	if c.Graph.Sender != "" {
		return c.Graph.Sender
	}
	return c.Forward.From
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Logging.LevelFile = "info"
	c.Logging.LevelScreen = "warn"
	c.Logging.MaxSizeMB = 10
	c.Logging.MaxBackups = 5
	c.Logging.MaxAgeDays = 30
	c.Logging.Format = "console"

	c.IMAP.Port = 993
	c.IMAP.TLS = true
	c.IMAP.Folder = "INBOX"
	c.IMAP.RetentionDays = 30

	c.Forward.Provider = ProviderSMTP
	c.Forward.SPFCheck = true

	c.SMTP.Port = 587
	c.SMTP.StartTLS = true
	c.SMTP.LocalName = "localhost"

	c.Aliases.Backend = BackendSQLite
	c.Aliases.Directory = "data"
	c.Aliases.DBName = "aliases.db"
	c.Aliases.Table = "alias"
	c.Aliases.RetentionDays = 90
	c.Aliases.RedisPrefix = "tracking-relay:"

	c.Import.Directory = "import"
	c.Import.Filename = "aliases.csv"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	envString(&c.Logging.File, "LOG_FILE")
	envLower(&c.Logging.LevelFile, "LOG_LEVEL_FILE")
	envLower(&c.Logging.LevelScreen, "LOG_LEVEL_SCREEN")
	envLower(&c.Logging.Format, "LOG_FORMAT")

	envString(&c.IMAP.Host, "IMAP_HOST")
	envInt(&c.IMAP.Port, "IMAP_PORT")
	envString(&c.IMAP.Username, "IMAP_USERNAME")
	envString(&c.IMAP.Password, "IMAP_PASSWORD")
	envBool(&c.IMAP.TLS, "IMAP_TLS")
	envBool(&c.IMAP.StartTLS, "IMAP_STARTTLS")
	envBool(&c.IMAP.InsecureSkipVerify, "IMAP_INSECURE_SKIP_VERIFY")
	envString(&c.IMAP.CAFile, "IMAP_CA_FILE")
	envString(&c.IMAP.Folder, "IMAP_FOLDER")
	envInt(&c.IMAP.RetentionDays, "IMAP_RETENTION_DAYS")

	envLower(&c.Forward.Provider, "FORWARD_PROVIDER")
	envString(&c.Forward.From, "FORWARD_FROM")
	envList(&c.Forward.Bcc, "FORWARD_BCC")
	envBool(&c.Forward.SPFCheck, "FORWARD_SPF_CHECK")
	envBool(&c.Forward.DryRun, "FORWARD_DRY_RUN")

	envList(&c.Whitelist.AllowedDomains, "WHITELIST_ALLOWED_DOMAINS")

	envString(&c.SMTP.Host, "SMTP_HOST")
	envInt(&c.SMTP.Port, "SMTP_PORT")
	envString(&c.SMTP.Username, "SMTP_USERNAME")
	envString(&c.SMTP.Password, "SMTP_PASSWORD")
	envBool(&c.SMTP.TLS, "SMTP_TLS")
	envBool(&c.SMTP.StartTLS, "SMTP_STARTTLS")
	envBool(&c.SMTP.InsecureSkipVerify, "SMTP_INSECURE_SKIP_VERIFY")
	envString(&c.SMTP.CAFile, "SMTP_CA_FILE")
	envString(&c.SMTP.LocalName, "SMTP_LOCAL_NAME")

	envString(&c.SES.Region, "SES_REGION")
	envString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	envString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	envString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	envString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	envString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	envString(&c.Graph.Sender, "GRAPH_SENDER")

	envLower(&c.Aliases.Backend, "ALIASES_BACKEND")
	envString(&c.Aliases.DSN, "ALIASES_DSN")
	envString(&c.Aliases.Directory, "ALIASES_DIRECTORY")
	envString(&c.Aliases.DBName, "ALIASES_DBNAME")
	envString(&c.Aliases.Table, "ALIASES_TABLE")
	envInt(&c.Aliases.RetentionDays, "ALIASES_RETENTION_DAYS")
	envString(&c.Aliases.RedisURL, "ALIASES_REDIS_URL")
	envString(&c.Aliases.RedisPrefix, "ALIASES_REDIS_PREFIX")

	envString(&c.Import.Directory, "IMPORT_DIRECTORY")
	envString(&c.Import.Filename, "IMPORT_FILENAME")

	envString(&c.Metrics.Textfile, "METRICS_TEXTFILE")
}

// normalize trims list entries and drops blank ones.
func (c *Config) normalize() {
	c.Forward.Bcc = compact(c.Forward.Bcc)
	c.Whitelist.AllowedDomains = compact(c.Whitelist.AllowedDomains)
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envLower(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v)
	}
}

// envInt ignores values that do not parse.
func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envBool ignores values that do not parse.
func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envList reads a comma separated list.
func envList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.Split(v, ",")
	}
}

// Validate checks the configuration and reports the first offending field.
func (c *Config) Validate() error {
	return runChecks(
		c.validateLogging,
		c.validateIMAP,
		c.validateForward,
		c.validateWhitelist,
		c.validateProvider,
		c.validateAliases,
	)
}

// ValidateStore checks only what the alias maintenance commands use.
func (c *Config) ValidateStore() error {
	return runChecks(c.validateLogging, c.validateAliases)
}

func runChecks(checks ...func() error) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...))
}

func (c *Config) validateLogging() error {
	if _, err := zapcore.ParseLevel(c.Logging.LevelFile); err != nil {
		return invalid("logging.level_file", "unknown level %q", c.Logging.LevelFile)
	}
	if _, err := zapcore.ParseLevel(c.Logging.LevelScreen); err != nil {
		return invalid("logging.level_screen", "unknown level %q", c.Logging.LevelScreen)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return invalid("logging.format", "must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateIMAP() error {
	if !validHost(c.IMAP.Host) {
		return invalid("imap.host", "not a valid host name: %q", c.IMAP.Host)
	}
	if !validPort(c.IMAP.Port) {
		return invalid("imap.port", "must be between 1 and 65535, got %d", c.IMAP.Port)
	}
	if c.IMAP.TLS && c.IMAP.StartTLS {
		return invalid("imap.starttls", "cannot be combined with imap.tls")
	}
	if c.IMAP.Username == "" {
		return invalid("imap.username", "required")
	}
	if c.IMAP.Password == "" {
		return invalid("imap.password", "required")
	}
	if strings.TrimSpace(c.IMAP.Folder) == "" {
		return invalid("imap.folder", "required")
	}
	if !validRetention(c.IMAP.RetentionDays) {
		return invalid("imap.retention_days", "must be between 0 and %d, got %d", maxRetentionDays, c.IMAP.RetentionDays)
	}
	return nil
}

func (c *Config) validateForward() error {
	if !address.Valid(c.Forward.From) {
		return invalid("forward.from", "not a valid address: %q", c.Forward.From)
	}
	for _, bcc := range c.Forward.Bcc {
		if !address.Valid(bcc) {
			return invalid("forward.bcc", "not a valid address: %q", bcc)
		}
	}
	return nil
}

func (c *Config) validateWhitelist() error {
	for _, domain := range c.Whitelist.AllowedDomains {
		if !address.ValidDomain(domain) {
			return invalid("whitelist.allowed_domains", "not a valid domain: %q", domain)
		}
	}
	return nil
}

func (c *Config) validateProvider() error {
	switch c.Forward.Provider {
	case ProviderSMTP:
		if !validHost(c.SMTP.Host) {
			return invalid("smtp.host", "not a valid host name: %q", c.SMTP.Host)
		}
		if !validPort(c.SMTP.Port) {
			return invalid("smtp.port", "must be between 1 and 65535, got %d", c.SMTP.Port)
		}
		if c.SMTP.TLS && c.SMTP.StartTLS {
			return invalid("smtp.starttls", "cannot be combined with smtp.tls")
		}
		if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
			return invalid("smtp.username", "username and password must be set together")
		}
	case ProviderSES:
		if c.SES.Region == "" {
			return invalid("ses.region", "required")
		}
	case ProviderGraph:
		if c.Graph.TenantID == "" || c.Graph.ClientID == "" || c.Graph.ClientSecret == "" {
			return invalid("graph", "tenant_id, client_id and client_secret are required")
		}
		if !address.Valid(c.GraphSender()) {
			return invalid("graph.sender", "not a valid address: %q", c.GraphSender())
		}
	case ProviderStdout:
	default:
		return invalid("forward.provider", "unknown provider %q", c.Forward.Provider)
	}
	return nil
}

func (c *Config) validateAliases() error {
	if !validRetention(c.Aliases.RetentionDays) {
		return invalid("aliases.retention_days", "must be between 0 and %d, got %d", maxRetentionDays, c.Aliases.RetentionDays)
	}

	switch c.Aliases.Backend {
	case BackendSQLite:
		if c.Aliases.Directory == "" || c.Aliases.DBName == "" {
			return invalid("aliases.dbname", "directory and dbname are required for sqlite")
		}
	case BackendPostgres, BackendMySQL:
		if c.Aliases.DSN == "" {
			return invalid("aliases.dsn", "required for %s", c.Aliases.Backend)
		}
	case BackendRedis:
		if c.Aliases.RedisURL == "" {
			return invalid("aliases.redis_url", "required for redis")
		}
		return nil
	default:
		return invalid("aliases.backend", "unknown backend %q", c.Aliases.Backend)
	}

	if !alias.ValidTableName(c.Aliases.Table) {
		return invalid("aliases.table", "not a valid table name: %q", c.Aliases.Table)
	}
	return nil
}

func validHost(host string) bool {
	if host == "localhost" || net.ParseIP(host) != nil {
		return true
	}
	return address.ValidDomain(host)
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

func validRetention(days int) bool {
	return days >= 0 && days <= maxRetentionDays
}
