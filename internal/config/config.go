package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRaft     = "raft"
)

// Config holds service configuration.
type Config struct {
	ServerAddr   string `env:"SERVER_ADDR" envDefault:"0.0.0.0:8080"`
	DatabaseURL  string `env:"DATABASE_URL"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`

	Postgres Postgres
	Raft     Raft
	Log      Log

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LedgerKey string `env:"LEDGER_KEY"`

	DefaultValidity time.Duration `env:"DEFAULT_VALIDITY" envDefault:"168h"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"2s"`
	ConflictRetries int           `env:"CONFLICT_RETRIES" envDefault:"3"`

	ExpirySweepSchedule        string `env:"EXPIRY_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	OutboxRelaySchedule        string `env:"OUTBOX_RELAY_SCHEDULE" envDefault:"@every 10s"`
	NotificationExpirySchedule string `env:"NOTIFICATION_EXPIRY_SCHEDULE" envDefault:"@every 5m"`
	SweepBatchSize             int    `env:"SWEEP_BATCH_SIZE" envDefault:"100"`

	WebhookURL       string `env:"WEBHOOK_URL"`
	RoutingRulesFile string `env:"ROUTING_RULES_FILE"`
	DirectoryFile    string `env:"DIRECTORY_FILE"`

	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"invitation-hub"`
}

// Postgres is used to assemble DATABASE_URL when it is not set.
type Postgres struct {
	User     string `env:"POSTGRES_USER" envDefault:"invitation_hub"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"invitation_hub_pass"`
	DB       string `env:"POSTGRES_DB" envDefault:"invitation_hub"`
	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     string `env:"POSTGRES_PORT" envDefault:"5432"`
	SSLMode  string `env:"DATABASE_SSLMODE" envDefault:"disable"`
}

// Raft configures the replicated backend.
type Raft struct {
	NodeID    string        `env:"RAFT_NODE_ID"`
	Addr      string        `env:"RAFT_ADDR" envDefault:"127.0.0.1:7000"`
	DataDir   string        `env:"RAFT_DATA_DIR" envDefault:"data/raft"`
	Bootstrap bool          `env:"RAFT_BOOTSTRAP" envDefault:"false"`
	Timeout   time.Duration `env:"RAFT_APPLY_TIMEOUT" envDefault:"5s"`

	// JoinEndpoint is the HTTP base URL of a running member.
	JoinEndpoint   string        `env:"RAFT_JOIN_ENDPOINT"`
	JoinRetries    int           `env:"RAFT_JOIN_RETRIES" envDefault:"30"`
	JoinRetryDelay time.Duration `env:"RAFT_JOIN_RETRY_DELAY" envDefault:"1s"`
	WaitForLeader  time.Duration `env:"RAFT_STARTUP_WAIT_LEADER" envDefault:"4s"`
}

// Log configures zerolog output.
type Log struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"30"`
	Console    bool   `env:"LOG_CONSOLE" envDefault:"false"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse()
}

func parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		p := cfg.Postgres
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DB, p.SSLMode)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	case BackendRaft:
		if c.Raft.NodeID == "" {
			return errors.New("RAFT_NODE_ID is required for the raft backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.ConflictRetries < 0 {
		return errors.New("CONFLICT_RETRIES must not be negative")
	}
	if _, err := c.LedgerKeyBytes(); err != nil {
		return err
	}
	return nil
}

// LedgerKeyBytes decodes LEDGER_KEY. An empty key yields an unkeyed chain.
func (c *Config) LedgerKeyBytes() ([]byte, error) {
	if c.LedgerKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.LedgerKey)
	if err != nil {
		return nil, fmt.Errorf("LEDGER_KEY must be hex: %w", err)
	}
	return key, nil
}
