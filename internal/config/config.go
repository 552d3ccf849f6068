// Package config loads engine configuration from layered INI files:
// config/setting.ini names the active environment, then
// config/<env>/streamflow.ini supplies values, then STREAMFLOW_* environment
// variables override. The result is one typed struct validated once.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/streamflow.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// EngineConfig describes runtime options for the engine daemon and CLI.
type EngineConfig struct {
	Environment string

	ListenAddr string
	LogFile    string
	LogLevel   string

	// Ledger: "sqlite", "postgres" or "off".
	LedgerDriver string
	LedgerPath   string
	LedgerDSN    string
	LedgerAsync  bool

	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderPath    string
	ModelFamilyFile string

	BufferCapacity        int
	OverflowPolicy        string
	BackpressureThreshold float64
	PushTimeoutMS         int
	BatchSize             int
	BatchTimeoutMS        int
	MetricsIntervalMS     int

	RecoveryEnabled     bool
	RecoveryStrategy    string
	MaxRecoveryAttempts int
}

// Load reads the current environment and the engine config file beneath
// root, applying env-var overrides and named defaults.
func Load(root string) (EngineConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return EngineConfig{}, err
	}
	values, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			values = map[string]string{}
		} else {
			return EngineConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}

	cfg := EngineConfig{
		Environment:           s.Environment,
		ListenAddr:            firstNonEmpty(os.Getenv("STREAMFLOW_LISTEN_ADDR"), merged["listen_addr"], ":8084"),
		LogFile:               firstNonEmpty(os.Getenv("STREAMFLOW_LOG_FILE"), merged["log_file"]),
		LogLevel:              firstNonEmpty(merged["log_level"], "info"),
		LedgerDriver:          firstNonEmpty(os.Getenv("STREAMFLOW_LEDGER_DRIVER"), merged["ledger_driver"], "sqlite"),
		LedgerPath:            firstNonEmpty(os.Getenv("STREAMFLOW_LEDGER_PATH"), merged["ledger_path"], defaultLedgerPath()),
		LedgerDSN:             firstNonEmpty(os.Getenv("STREAMFLOW_LEDGER_DSN"), merged["ledger_dsn"]),
		LedgerAsync:           parseOptionalBool(firstNonEmpty(os.Getenv("STREAMFLOW_LEDGER_ASYNC"), merged["ledger_async"]), true),
		ProviderBaseURL:       firstNonEmpty(os.Getenv("STREAMFLOW_PROVIDER_BASE_URL"), merged["provider_base_url"]),
		ProviderAPIKey:        firstNonEmpty(os.Getenv("STREAMFLOW_PROVIDER_API_KEY"), merged["provider_api_key"]),
		ProviderPath:          firstNonEmpty(os.Getenv("STREAMFLOW_PROVIDER_PATH"), merged["provider_path"]),
		ModelFamilyFile:       firstNonEmpty(os.Getenv("STREAMFLOW_MODEL_FAMILY_FILE"), merged["model_family_file"]),
		BufferCapacity:        parseOptionalInt(merged["buffer_capacity"], 256),
		OverflowPolicy:        firstNonEmpty(merged["overflow_policy"], "block"),
		PushTimeoutMS:         parseOptionalInt(merged["push_timeout_ms"], 5000),
		BatchSize:             parseOptionalInt(merged["batch_size"], 1),
		BatchTimeoutMS:        parseOptionalInt(merged["batch_timeout_ms"], 100),
		MetricsIntervalMS:     parseOptionalInt(merged["metrics_interval_ms"], 1000),
		RecoveryEnabled:       parseOptionalBool(merged["recovery_enabled"], true),
		RecoveryStrategy:      firstNonEmpty(merged["recovery_strategy"], "sentence"),
		MaxRecoveryAttempts:   parseOptionalInt(merged["max_recovery_attempts"], 3),
		BackpressureThreshold: 0.8,
	}
	if v := merged["backpressure_threshold"]; v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return EngineConfig{}, fmt.Errorf("invalid backpressure_threshold %q: %w", v, err)
		}
		cfg.BackpressureThreshold = parsed
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c EngineConfig) Validate() error {
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be > 0, got %d", c.BufferCapacity)
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold >= 1 {
		return fmt.Errorf("backpressure_threshold must be in (0,1), got %v", c.BackpressureThreshold)
	}
	switch c.OverflowPolicy {
	case "block", "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("unknown overflow_policy %q", c.OverflowPolicy)
	}
	switch c.RecoveryStrategy {
	case "exact", "sentence", "paragraph", "summarize":
	default:
		return fmt.Errorf("unknown recovery_strategy %q", c.RecoveryStrategy)
	}
	switch c.LedgerDriver {
	case "sqlite", "postgres", "off":
	default:
		return fmt.Errorf("unknown ledger_driver %q", c.LedgerDriver)
	}
	if c.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("max_recovery_attempts must be > 0, got %d", c.MaxRecoveryAttempts)
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
		}
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("STREAMFLOW_ENV"), values["env"], defaultEnv)
	return Settings{Environment: env, Defaults: values}, nil
}

// parseINI reads a flat key=value file; '#' and ';' start comments and
// [section] headers are skipped.
func parseINI(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}

func defaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "streamflow.db"
	}
	return filepath.Join(home, ".streamflow", "outcomes.db")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseOptionalBool(v string, def bool) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func parseOptionalInt(v string, def int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
