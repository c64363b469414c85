package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dbconnector "praxisguard-backend"
	"praxisguard-backend/services/guard-service/internal/orchestrator"
	"praxisguard-backend/services/guard-service/internal/pdm"
)

const (
	DefaultPort           = "8080"
	DefaultMachineID      = "MAC-101"
	DefaultRequestTimeout = 15 * time.Second
	DefaultWorkers        = 2
	DefaultQueueSize      = 128
	DefaultForwardTimeout = 5 * time.Second
	DefaultIngestSubject  = "readings.ingest"
	DefaultBreachSubject  = "readings.breach"
	DefaultOutcomeSubject = "orchestrator.outcome"
	DefaultTracingService = "guard-service"
	defaultStorageDriver  = "memory"
	defaultLogLevel       = "info"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Bus          BusConfig          `yaml:"bus"`
	Scorer       pdm.Thresholds     `yaml:"scorer"`
	Detector     pdm.Limits         `yaml:"detector"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Forwarder    ForwarderConfig    `yaml:"forwarder"`
	Tracing      TracingConfig      `yaml:"tracing"`
	LogLevel     string             `yaml:"log_level"`
}

type ServerConfig struct {
	Port             string        `yaml:"port"`
	DefaultMachineID string        `yaml:"default_machine_id"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

type StorageConfig struct {
	// Driver is one of memory | badger | pgx | postgres | mysql | mssql.
	Driver      string    `yaml:"driver"`
	DSN         string    `yaml:"dsn"`
	BadgerPath  string    `yaml:"badger_path"`
	AutoMigrate bool      `yaml:"auto_migrate"`
	SQL         SQLConfig `yaml:"sql"`
}

// SQLConfig feeds the database/sql engines.
type SQLConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	Database      string `yaml:"database"`
	SSLMode       string `yaml:"sslmode"`
	ReadingsTable string `yaml:"readings_table"`
	AuditTable    string `yaml:"audit_table"`
}

func (s SQLConfig) ConnectionConfig(driver string) dbconnector.ConnectionConfig {
	return dbconnector.ConnectionConfig{
		Type:          driver,
		Host:          s.Host,
		Port:          s.Port,
		User:          s.User,
		Password:      s.Password,
		Database:      s.Database,
		SSLMode:       s.SSLMode,
		ReadingsTable: s.ReadingsTable,
		AuditTable:    s.AuditTable,
	}
}

type BusConfig struct {
	URL            string `yaml:"url"`
	IngestSubject  string `yaml:"ingest_subject"`
	BreachSubject  string `yaml:"breach_subject"`
	OutcomeSubject string `yaml:"outcome_subject"`
}

func (b BusConfig) Enabled() bool {
	return strings.TrimSpace(b.URL) != ""
}

type OrchestratorConfig struct {
	Window               int                       `yaml:"window"`
	Workers              int                       `yaml:"workers"`
	QueueSize            int                       `yaml:"queue_size"`
	RunTimeout           time.Duration             `yaml:"run_timeout"`
	AutoDispatchOnBreach bool                      `yaml:"auto_dispatch_on_breach"`
	Action               orchestrator.ActionConfig `yaml:"action"`
}

type ForwarderConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	Timeout         time.Duration `yaml:"timeout"`
	ForwardOnIngest bool          `yaml:"forward_on_ingest"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Profile extracts the hot-reloadable threshold pair.
func (c *Config) Profile() pdm.Profile {
	return pdm.Profile{Scorer: c.Scorer, Detector: c.Detector}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             DefaultPort,
			DefaultMachineID: DefaultMachineID,
			RequestTimeout:   DefaultRequestTimeout,
		},
		Storage: StorageConfig{Driver: defaultStorageDriver, AutoMigrate: true},
		Bus: BusConfig{
			IngestSubject:  DefaultIngestSubject,
			BreachSubject:  DefaultBreachSubject,
			OutcomeSubject: DefaultOutcomeSubject,
		},
		Scorer:   pdm.DefaultThresholds(),
		Detector: pdm.DefaultLimits(),
		Orchestrator: OrchestratorConfig{
			Window:    pdm.DefaultWindow,
			Workers:   DefaultWorkers,
			QueueSize: DefaultQueueSize,
			Action:    orchestrator.DefaultAction(),
		},
		Forwarder: ForwarderConfig{Timeout: DefaultForwardTimeout},
		Tracing:   TracingConfig{ServiceName: DefaultTracingService},
		LogLevel:  defaultLogLevel,
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getenv("PORT", cfg.Server.Port)
	cfg.Server.DefaultMachineID = getenv("DEFAULT_MACHINE_ID", cfg.Server.DefaultMachineID)
	cfg.Storage.Driver = getenv("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.BadgerPath = getenv("BADGER_PATH", cfg.Storage.BadgerPath)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.DSN = dsn
		if os.Getenv("STORAGE_DRIVER") == "" && cfg.Storage.Driver == defaultStorageDriver {
			cfg.Storage.Driver = "pgx"
		}
	}
	cfg.Bus.URL = getenv("NATS_URL", cfg.Bus.URL)
	cfg.Forwarder.WebhookURL = getenv("N8N_WEBHOOK_URL", cfg.Forwarder.WebhookURL)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.Orchestrator.Workers = getenvInt("ORCHESTRATOR_WORKERS", cfg.Orchestrator.Workers)
	cfg.Orchestrator.AutoDispatchOnBreach = getenvBool("AUTO_DISPATCH", cfg.Orchestrator.AutoDispatchOnBreach)
}

// Validate checks structural constraints after defaults and overrides.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return fmt.Errorf("server.port is required")
	}
	if strings.TrimSpace(c.Server.DefaultMachineID) == "" {
		return fmt.Errorf("server.default_machine_id is required")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "badger":
		if c.Storage.BadgerPath == "" {
			return fmt.Errorf("storage.badger_path is required for the badger driver")
		}
	case "pgx":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the pgx driver")
		}
	case "postgres", "postgresql", "mysql", "mssql", "sqlserver":
		if c.Storage.SQL.Host == "" || c.Storage.SQL.Database == "" {
			return fmt.Errorf("storage.sql.host and storage.sql.database are required for %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Orchestrator.Window <= 0 {
		return fmt.Errorf("orchestrator.window must be positive")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive")
	}
	if c.Orchestrator.QueueSize <= 0 {
		return fmt.Errorf("orchestrator.queue_size must be positive")
	}
	if c.Orchestrator.RunTimeout < 0 {
		return fmt.Errorf("orchestrator.run_timeout must not be negative")
	}
	if r := c.Orchestrator.Action.RiskScore; r < 0 || r > 1 || math.IsNaN(r) {
		return fmt.Errorf("orchestrator.action.risk_score must be within [0,1]")
	}
	if strings.TrimSpace(c.Orchestrator.Action.Status) == "" {
		return fmt.Errorf("orchestrator.action.status is required")
	}
	if c.Forwarder.Timeout <= 0 {
		return fmt.Errorf("forwarder.timeout must be positive")
	}
	if c.Forwarder.ForwardOnIngest && c.Forwarder.WebhookURL == "" {
		return fmt.Errorf("forwarder.forward_on_ingest requires forwarder.webhook_url")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
