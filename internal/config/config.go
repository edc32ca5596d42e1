// Package config provides configuration management for Synapse.
// It loads settings from environment variables with the SYNAPSE_ prefix
// and provides sensible defaults for all configuration options.
//
// The empirically chosen learning constants (decay cycle, anomaly thresholds,
// intent keyword weights) are deliberately configuration, not code: they can
// be overridden through a YAML tuning file referenced by SYNAPSE_TUNING_FILE.
// User settings are persisted to the settings table in the database.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Synapse application.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Security   SecurityConfig
	Brain      BrainConfig
	Aggregator AggregatorConfig
	Backup     BackupConfig
	Tuning     TuningConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Dashboard port (default: 6464)
	Host string // Dashboard host (default: 127.0.0.1)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine string // Storage engine type: sqlite, postgres (default: sqlite)
	DataPath      string // Path to data directory (default: ./data)
	PostgresDSN   string // Connection string for the postgres event/pattern mirror
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string // Security mode: development, production (default: development)
	APIToken     string // API authentication token for the dashboard
}

// BrainConfig contains working-memory and context-injection settings.
type BrainConfig struct {
	ConversationCap  int           // Retained conversations before FIFO eviction (default: 50)
	TokenBudget      int           // Context token ceiling (default: 500)
	MaxLookback      int           // Candidates loaded per injection (default: 50)
	MinRelevance     float64       // Relevance floor for inclusion (default: 0.30)
	ScoreTimeout     time.Duration // Hard timeout on the scoring loop (default: 200ms)
	ScoreWorkers     int           // Parallel scoring workers (default: 4)
	ExcerptLimit     int           // Characters per excerpt before ellipsis (default: 160)
	ResolveThreshold float64       // Min relevance for pronoun antecedents (default: 0.50)
}

// AggregatorConfig contains knowledge-graph maintenance settings.
type AggregatorConfig struct {
	EventCountThreshold  int           // Pending events that trigger a run (default: 50)
	ElapsedThreshold     time.Duration // Age that triggers a run (default: 24h)
	MinPendingForElapsed int           // Pending floor for the elapsed trigger (default: 10)
	SnapshotRetention    int           // Snapshots kept after rotation (default: 5)
	EventBatchLimit      int           // Max events consumed per run (default: 500)
}

// BackupConfig contains whole-database backup configuration.
type BackupConfig struct {
	Enabled   bool          // Enable automatic backups (default: false)
	Interval  time.Duration // Backup interval (default: 24h)
	Path      string        // Backup directory (default: ./backups)
	Verify    bool          // Verify backups after creation (default: true)
	Retention int           // Backup files kept (default: 7)
}

// TuningConfig holds the empirical learning constants. Defaults match the
// values the system has been operated with; none of them carry a derivation,
// so they are exposed for tuning rather than hard-coded.
type TuningConfig struct {
	// MaxConfidenceStep bounds how much a single update may raise confidence.
	MaxConfidenceStep float64 `yaml:"max_confidence_step"`

	// LowOccurrenceCap caps confidence while occurrence_count < LowOccurrenceMin.
	LowOccurrenceCap float64 `yaml:"low_occurrence_cap"`
	LowOccurrenceMin int     `yaml:"low_occurrence_min"`

	// FullConfidenceMin is the occurrence count required to reach 1.0.
	FullConfidenceMin int `yaml:"full_confidence_min"`

	// MidOccurrenceCap caps confidence between LowOccurrenceMin and
	// FullConfidenceMin occurrences.
	MidOccurrenceCap float64 `yaml:"mid_occurrence_cap"`

	// AnomalyConfidence and AnomalyMinOccurrences flag updates that would
	// reach AnomalyConfidence with fewer than AnomalyMinOccurrences.
	AnomalyConfidence     float64 `yaml:"anomaly_confidence"`
	AnomalyMinOccurrences int     `yaml:"anomaly_min_occurrences"`

	// BaseConfidenceGain is the default per-event confidence increase.
	BaseConfidenceGain float64 `yaml:"base_confidence_gain"`

	// DecayFactor is applied per DecayCycle to patterns untouched by a run.
	DecayFactor float64       `yaml:"decay_factor"`
	DecayCycle  time.Duration `yaml:"decay_cycle"`

	// RecencyHalfLife controls the relevance scorer's temporal decay.
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`

	// IntentKeywords maps intent labels to weighted trigger keywords. When
	// empty, the extractor's built-in taxonomy is used.
	IntentKeywords map[string]map[string]float64 `yaml:"intent_keywords"`

	// FileExtensions overrides the extractor's extension set when non-empty.
	FileExtensions []string `yaml:"file_extensions"`
}

// DefaultTuning returns the tuning constants the system ships with.
func DefaultTuning() TuningConfig {
	return TuningConfig{
		MaxConfidenceStep:     0.15,
		LowOccurrenceCap:      0.50,
		LowOccurrenceMin:      3,
		FullConfidenceMin:     10,
		MidOccurrenceCap:      0.99,
		AnomalyConfidence:     0.95,
		AnomalyMinOccurrences: 5,
		BaseConfidenceGain:    0.10,
		DecayFactor:           0.95,
		DecayCycle:            30 * 24 * time.Hour,
		RecencyHalfLife:       48 * time.Hour,
	}
}

// LoadConfig loads configuration from environment variables with sensible
// defaults, then applies the YAML tuning file when SYNAPSE_TUNING_FILE is set.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()

	if path := os.Getenv("SYNAPSE_TUNING_FILE"); path != "" {
		if err := cfg.loadTuningFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadConfigFromDB loads configuration from both environment variables and
// the settings table. Database values take precedence for user settings.
func LoadConfigFromDB(db *sql.DB) (*Config, error) {
	if db == nil {
		return nil, errors.New("config: database connection is required")
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	token, err := getSetting(db, "api_token")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config: failed to load api_token from database: %w", err)
	}
	if token != "" {
		cfg.Security.APIToken = token
	}

	return cfg, nil
}

// SaveConfig persists user configuration settings to the settings table with
// upsert semantics so they survive restarts.
func (c *Config) SaveConfig(db *sql.DB) error {
	if db == nil {
		return errors.New("config: database connection is required")
	}

	if err := setSetting(db, "api_token", c.Security.APIToken); err != nil {
		return fmt.Errorf("config: failed to save api_token: %w", err)
	}

	return nil
}

// loadTuningFile overlays tuning values from a YAML file. Zero values in the
// file leave the corresponding default untouched.
func (c *Config) loadTuningFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read tuning file %q: %w", path, err)
	}

	var overlay TuningConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: failed to parse tuning file %q: %w", path, err)
	}

	c.Tuning.merge(overlay)
	return nil
}

func (t *TuningConfig) merge(o TuningConfig) {
	if o.MaxConfidenceStep > 0 {
		t.MaxConfidenceStep = o.MaxConfidenceStep
	}
	if o.LowOccurrenceCap > 0 {
		t.LowOccurrenceCap = o.LowOccurrenceCap
	}
	if o.LowOccurrenceMin > 0 {
		t.LowOccurrenceMin = o.LowOccurrenceMin
	}
	if o.FullConfidenceMin > 0 {
		t.FullConfidenceMin = o.FullConfidenceMin
	}
	if o.MidOccurrenceCap > 0 {
		t.MidOccurrenceCap = o.MidOccurrenceCap
	}
	if o.AnomalyConfidence > 0 {
		t.AnomalyConfidence = o.AnomalyConfidence
	}
	if o.AnomalyMinOccurrences > 0 {
		t.AnomalyMinOccurrences = o.AnomalyMinOccurrences
	}
	if o.BaseConfidenceGain > 0 {
		t.BaseConfidenceGain = o.BaseConfidenceGain
	}
	if o.DecayFactor > 0 {
		t.DecayFactor = o.DecayFactor
	}
	if o.DecayCycle > 0 {
		t.DecayCycle = o.DecayCycle
	}
	if o.RecencyHalfLife > 0 {
		t.RecencyHalfLife = o.RecencyHalfLife
	}
	if len(o.IntentKeywords) > 0 {
		t.IntentKeywords = o.IntentKeywords
	}
	if len(o.FileExtensions) > 0 {
		t.FileExtensions = o.FileExtensions
	}
}

// getSetting retrieves a single setting value by key from the settings table.
func getSetting(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

// setSetting writes a key-value pair to the settings table using upsert semantics.
func setSetting(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SYNAPSE_PORT", 6464),
			Host: getEnv("SYNAPSE_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			StorageEngine: getEnv("SYNAPSE_STORAGE_ENGINE", "sqlite"),
			DataPath:      getEnv("SYNAPSE_DATA_PATH", "./data"),
			PostgresDSN:   getEnv("SYNAPSE_POSTGRES_DSN", ""),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("SYNAPSE_SECURITY_MODE", "development"),
			APIToken:     getEnv("SYNAPSE_API_TOKEN", ""),
		},
		Brain: BrainConfig{
			ConversationCap:  getEnvInt("SYNAPSE_CONVERSATION_CAP", 50),
			TokenBudget:      getEnvInt("SYNAPSE_TOKEN_BUDGET", 500),
			MaxLookback:      getEnvInt("SYNAPSE_MAX_LOOKBACK", 50),
			MinRelevance:     getEnvFloat("SYNAPSE_MIN_RELEVANCE", 0.30),
			ScoreTimeout:     getEnvDuration("SYNAPSE_SCORE_TIMEOUT", 200*time.Millisecond),
			ScoreWorkers:     getEnvInt("SYNAPSE_SCORE_WORKERS", 4),
			ExcerptLimit:     getEnvInt("SYNAPSE_EXCERPT_LIMIT", 160),
			ResolveThreshold: getEnvFloat("SYNAPSE_RESOLVE_THRESHOLD", 0.50),
		},
		Aggregator: AggregatorConfig{
			EventCountThreshold:  getEnvInt("SYNAPSE_AGG_EVENT_THRESHOLD", 50),
			ElapsedThreshold:     getEnvDuration("SYNAPSE_AGG_ELAPSED_THRESHOLD", 24*time.Hour),
			MinPendingForElapsed: getEnvInt("SYNAPSE_AGG_MIN_PENDING", 10),
			SnapshotRetention:    getEnvInt("SYNAPSE_SNAPSHOT_RETENTION", 5),
			EventBatchLimit:      getEnvInt("SYNAPSE_AGG_BATCH_LIMIT", 500),
		},
		Backup: BackupConfig{
			Enabled:   getEnvBool("SYNAPSE_BACKUP_ENABLED", false),
			Interval:  getEnvDuration("SYNAPSE_BACKUP_INTERVAL", 24*time.Hour),
			Path:      getEnv("SYNAPSE_BACKUP_PATH", "./backups"),
			Verify:    getEnvBool("SYNAPSE_BACKUP_VERIFY", true),
			Retention: getEnvInt("SYNAPSE_BACKUP_RETENTION", 7),
		},
		Tuning: DefaultTuning(),
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go syntax, e.g.
// "200ms", "24h") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
