package keel

import (
	"time"
)

// Config consolidates settings for the save pipeline
type Config struct {
	Database      DatabaseConfig      `json:"database"`
	KeyGeneration KeyGenerationConfig `json:"keyGeneration"`
	Transaction   TransactionConfig   `json:"transaction"`
	Validation    ValidationConfig    `json:"validation"`
	Entity        EntityConfig        `json:"entity"`
	Logging       LoggingConfig       `json:"logging"`
	Metrics       MetricsConfig       `json:"metrics"`
	Journal       JournalConfig       `json:"journal"`

	// SchemaRegistry overrides loading entity types from Entity.SchemaDirectory.
	SchemaRegistry SchemaRegistry `json:"-"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"sslMode"`
	MaxConnections  int           `json:"maxConnections"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime"`
	Timeout         time.Duration `json:"timeout"`
	// UseIAMAuth generates a DSQL auth token and uses it as the password.
	UseIAMAuth bool       `json:"useIamAuth"`
	Region     string     `json:"region"`
	TableNames TableNames `json:"tableNames"`
}

// TableNames holds configurable table names.
type TableNames struct {
	Counter   string `json:"counter"`
	ChangeLog string `json:"changeLog"`
}

// KeyGenerationConfig configures the shared counter allocator.
type KeyGenerationConfig struct {
	CounterName string `json:"counterName"`
	GroupSize   int    `json:"groupSize"`
	MaxAttempts int    `json:"maxAttempts"`
	// Breaker fails counter calls fast after BreakerThreshold failures
	// within BreakerWindow. A zero threshold disables it.
	BreakerThreshold    int           `json:"breakerThreshold"`
	BreakerWindow       time.Duration `json:"breakerWindow"`
	BreakerOpenDuration time.Duration `json:"breakerOpenDuration"`
}

// TransactionConfig contains transaction settings
type TransactionConfig struct {
	Mode           string        `json:"mode"`
	IsolationLevel string        `json:"isolationLevel"`
	DefaultTimeout time.Duration `json:"defaultTimeout"`
	MaxTimeout     time.Duration `json:"maxTimeout"`
}

// ValidationConfig contains validation settings
type ValidationConfig struct {
	ThrowIfInvalid bool `json:"throwIfInvalid"`
	// ResolveFromBackend allows relationship fixup to load parents that are
	// not part of the change set.
	ResolveFromBackend bool `json:"resolveFromBackend"`
}

// EntityConfig contains entity schema settings
type EntityConfig struct {
	SchemaDirectory string `json:"schemaDirectory"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Enabled   bool              `json:"enabled"`
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels"`
}

// JournalConfig contains save journal settings
type JournalConfig struct {
	Enabled  bool   `json:"enabled"`
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         30 * time.Second,
			TableNames: TableNames{
				Counter: "next_id",
			},
		},
		KeyGeneration: KeyGenerationConfig{
			CounterName:         "GLOBAL",
			GroupSize:           100,
			MaxAttempts:         3,
			BreakerThreshold:    5,
			BreakerWindow:       30 * time.Second,
			BreakerOpenDuration: 10 * time.Second,
		},
		Transaction: TransactionConfig{
			Mode:           string(TransactionModeConnectionScoped),
			IsolationLevel: "READ_COMMITTED",
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     5 * time.Minute,
		},
		Validation: ValidationConfig{
			ThrowIfInvalid: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "keel",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}

	if c.Database.TableNames.Counter == "" {
		return &ConfigError{Field: "database.tableNames.counter", Message: "cannot be empty"}
	}

	if c.KeyGeneration.CounterName == "" {
		return &ConfigError{Field: "keyGeneration.counterName", Message: "cannot be empty"}
	}

	if c.KeyGeneration.GroupSize <= 0 {
		return &ConfigError{Field: "keyGeneration.groupSize", Message: "must be greater than 0"}
	}

	if c.KeyGeneration.MaxAttempts <= 0 {
		return &ConfigError{Field: "keyGeneration.maxAttempts", Message: "must be greater than 0"}
	}

	if c.KeyGeneration.BreakerThreshold < 0 {
		return &ConfigError{Field: "keyGeneration.breakerThreshold", Message: "cannot be negative"}
	}

	if c.KeyGeneration.BreakerThreshold > 0 && (c.KeyGeneration.BreakerWindow <= 0 || c.KeyGeneration.BreakerOpenDuration <= 0) {
		return &ConfigError{Field: "keyGeneration.breakerWindow", Message: "window and open duration must be greater than 0 when the breaker is enabled"}
	}

	switch TransactionMode(c.Transaction.Mode) {
	case TransactionModeNone, TransactionModeAmbientScope, TransactionModeConnectionScoped:
	default:
		return &ConfigError{Field: "transaction.mode", Message: "must be one of none, ambient, connection"}
	}

	if _, err := ParseIsolationLevel(c.Transaction.IsolationLevel); err != nil {
		return &ConfigError{Field: "transaction.isolationLevel", Message: err.Error()}
	}

	if c.Transaction.MaxTimeout > 0 && c.Transaction.DefaultTimeout > c.Transaction.MaxTimeout {
		return &ConfigError{Field: "transaction.defaultTimeout", Message: "must not exceed maxTimeout"}
	}

	if c.Journal.Enabled && c.Journal.Bucket == "" {
		return &ConfigError{Field: "journal.bucket", Message: "required when journal is enabled"}
	}

	return nil
}

// TransactionSettings returns the process-wide default transaction settings.
func (c *Config) TransactionSettings() TransactionSettings {
	level, _ := ParseIsolationLevel(c.Transaction.IsolationLevel)
	return TransactionSettings{
		Mode:           TransactionMode(c.Transaction.Mode),
		IsolationLevel: level,
		Timeout:        c.Transaction.DefaultTimeout,
	}
}

// SaveOptions returns per-call options seeded from the configuration.
func (c *Config) SaveOptions() SaveOptions {
	return SaveOptions{
		ThrowIfInvalid:     c.Validation.ThrowIfInvalid,
		Transaction:        c.TransactionSettings(),
		ResolveFromBackend: c.Validation.ResolveFromBackend,
	}
}
