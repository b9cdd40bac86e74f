package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RunnerCfg struct {
	Driver  string   `yaml:"driver"`
	Workers int      `yaml:"workers"`
	Queue   int      `yaml:"queue"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type ImportCfg struct {
	ConcurrencyHosted  int           `yaml:"concurrency_hosted"`
	ConcurrencyDefault int           `yaml:"concurrency_default"`
	PageMaxAttempts    int           `yaml:"page_max_attempts"`
	PageRetryBackoff   time.Duration `yaml:"page_retry_backoff"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
	FailedCooldown     time.Duration `yaml:"failed_retry_cooldown"`
	EnqueueCooldown    time.Duration `yaml:"enqueue_cooldown"`
	PersistRows        bool          `yaml:"persist_rows"`
	H3Res              int           `yaml:"h3_res"`
}

type CSVCfg struct {
	MaxBytes    int64  `yaml:"max_bytes"`
	LockDir     string `yaml:"lock_dir"`
	Concurrency int    `yaml:"concurrency"`
}

type Config struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	LogConsole      bool          `yaml:"log_console"`
	LogSampleN      int           `yaml:"log_sample_n"`
	RedisAddr       string        `yaml:"redis_addr"`
	CacheOpTimeout  time.Duration `yaml:"cache_op_timeout"`
	CacheTTLDefault time.Duration `yaml:"cache_ttl_default"`
	UpstreamRPS     float64       `yaml:"upstream_rps"`
	UpstreamBurst   int           `yaml:"upstream_burst"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	MetricsPath     string        `yaml:"metrics_path"`
	Import          ImportCfg     `yaml:"import"`
	CSV             CSVCfg        `yaml:"csv"`
	Runner          RunnerCfg     `yaml:"runner"`
}

func FromEnv() Config {
	return Config{
		Addr:            getenv("ADDR", ":8090"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 2*time.Second),
		CacheTTLDefault: getduration("CACHE_TTL_DEFAULT", 24*time.Hour),
		UpstreamRPS:     getfloat("UPSTREAM_RPS", 0),
		UpstreamBurst:   getint("UPSTREAM_BURST", 10),
		MetricsEnabled:  getbool("METRICS_ENABLED", false),
		MetricsAddr:     getenv("METRICS_ADDR", ":9090"),
		MetricsPath:     getenv("METRICS_PATH", "/metrics"),
		Import: ImportCfg{
			ConcurrencyHosted:  getint("IMPORT_CONCURRENCY_HOSTED", 16),
			ConcurrencyDefault: getint("IMPORT_CONCURRENCY_DEFAULT", 4),
			PageMaxAttempts:    getint("PAGE_MAX_ATTEMPTS", 3),
			PageRetryBackoff:   getduration("PAGE_RETRY_BACKOFF", 250*time.Millisecond),
			LockTTL:            getduration("LOCK_TTL", 30*time.Minute),
			FailedCooldown:     getduration("FAILED_RETRY_COOLDOWN", 10*time.Minute),
			EnqueueCooldown:    getduration("IMPORT_ENQUEUE_COOLDOWN", 5*time.Minute),
			PersistRows:        getbool("IMPORT_PERSIST_ROWS", true),
			H3Res:              getint("H3_RES", 0),
		},
		CSV: CSVCfg{
			MaxBytes:    getint64("CSV_MAX_BYTES", 50<<20),
			LockDir:     getenv("CSV_LOCK_DIR", filepath.Join(os.TempDir(), "feature-mirror-locks")),
			Concurrency: getint("CSV_CONCURRENCY", 4),
		},
		Runner: RunnerCfg{
			Driver:  strings.ToLower(getenv("RUNNER_DRIVER", "local")),
			Workers: getint("RUNNER_WORKERS", 4),
			Queue:   getint("RUNNER_QUEUE", 64),
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_JOB_TOPIC", "feature-imports"),
			GroupID: getenv("KAFKA_GROUP_ID", "import-workers"),
		},
	}
}

// Load reads the environment and then overlays the YAML file named by
// CONFIG_FILE, if set. Keys absent from the file keep their env values.
func Load() (Config, error) {
	cfg := FromEnv()
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return cfg, nil
	}
	if err := LoadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.Validate()
}

func (c Config) Validate() error {
	if c.Import.PageMaxAttempts < 1 {
		return fmt.Errorf("import.page_max_attempts must be >= 1")
	}
	if c.Import.LockTTL <= 0 {
		return fmt.Errorf("import.lock_ttl must be positive")
	}
	if c.Import.H3Res < 0 || c.Import.H3Res > 15 {
		return fmt.Errorf("import.h3_res must be in [0,15]")
	}
	switch c.Runner.Driver {
	case "local", "kafka":
	default:
		return fmt.Errorf("runner.driver must be local|kafka (got %q)", c.Runner.Driver)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
