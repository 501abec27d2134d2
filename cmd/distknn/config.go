package main

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is read from DISTKNN_* environment variables, optionally seeded from
// a .env file.
type Config struct {
	Hosts            []string `envconfig:"HOSTS" default:"host-a,host-b"`
	DevicesPerHost   int      `envconfig:"DEVICES_PER_HOST" default:"2"`
	ThreadsPerWorker int      `envconfig:"THREADS_PER_WORKER" default:"1"`
	BasePort         int      `envconfig:"BASE_PORT" default:"40000"`

	Engine         string `envconfig:"ENGINE" default:"brute"`
	HNSWM          int    `envconfig:"HNSW_M" default:"16"`
	HNSWEfSearch   int    `envconfig:"HNSW_EF_SEARCH" default:"64"`
	Merge          string `envconfig:"MERGE" default:"all"`
	RandomElection bool   `envconfig:"RANDOM_ELECTION" default:"false"`

	// DataPath points at a Parquet file of VectorRow records. When empty a
	// uniform random table is generated on the workers.
	DataPath         string `envconfig:"DATA_PATH"`
	Partitions       int    `envconfig:"PARTITIONS" default:"4"`
	RowsPerPartition int    `envconfig:"ROWS_PER_PARTITION" default:"500"`
	Columns          int    `envconfig:"COLUMNS" default:"25"`
	QueryRows        int    `envconfig:"QUERY_ROWS" default:"9"`
	K                int    `envconfig:"K" default:"15"`
	Seed             int64  `envconfig:"SEED" default:"1"`

	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string        `envconfig:"METRICS_ADDR"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"5m"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Config validation errors
var (
	ErrNoHosts             = errors.New("hosts cannot be empty")
	ErrInvalidDevices      = errors.New("devices_per_host must be positive")
	ErrInvalidThreads      = errors.New("threads_per_worker must be positive")
	ErrInvalidEngine       = errors.New("engine must be 'brute' or 'hnsw'")
	ErrInvalidMerge        = errors.New("merge must be 'all' or 'primary'")
	ErrInvalidPartitions   = errors.New("partitions must be positive")
	ErrInvalidRows         = errors.New("rows_per_partition must be positive")
	ErrInvalidColumns      = errors.New("columns must be positive")
	ErrInvalidQueryRows    = errors.New("query_rows must be positive")
	ErrInvalidK            = errors.New("k must be positive")
	ErrInvalidTimeout      = errors.New("timeout must be positive")
	ErrInvalidLogFormat    = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel     = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidHNSWSettings = errors.New("hnsw_m and hnsw_ef_search must be positive")
)

// LoadConfig reads envFile (if present) and then the environment.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, err
			}
		}
	}
	var cfg Config
	if err := envconfig.Process("DISTKNN", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if len(cfg.Hosts) == 0 {
		return ErrNoHosts
	}
	if cfg.DevicesPerHost <= 0 {
		return ErrInvalidDevices
	}
	if cfg.ThreadsPerWorker <= 0 {
		return ErrInvalidThreads
	}
	if cfg.Engine != "brute" && cfg.Engine != "hnsw" {
		return ErrInvalidEngine
	}
	if cfg.Engine == "hnsw" && (cfg.HNSWM <= 0 || cfg.HNSWEfSearch <= 0) {
		return ErrInvalidHNSWSettings
	}
	if cfg.Merge != "all" && cfg.Merge != "primary" {
		return ErrInvalidMerge
	}
	if cfg.Partitions <= 0 {
		return ErrInvalidPartitions
	}
	if cfg.DataPath == "" && cfg.RowsPerPartition <= 0 {
		return ErrInvalidRows
	}
	if cfg.DataPath == "" && cfg.Columns <= 0 {
		return ErrInvalidColumns
	}
	if cfg.QueryRows <= 0 {
		return ErrInvalidQueryRows
	}
	if cfg.K <= 0 {
		return ErrInvalidK
	}
	if cfg.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Hosts:            []string{"host-a", "host-b"},
		DevicesPerHost:   2,
		ThreadsPerWorker: 1,
		BasePort:         40000,
		Engine:           "brute",
		HNSWM:            16,
		HNSWEfSearch:     64,
		Merge:            "all",
		Partitions:       4,
		RowsPerPartition: 500,
		Columns:          25,
		QueryRows:        9,
		K:                15,
		Seed:             1,
		Timeout:          5 * time.Minute,
		LogFormat:        "json",
		LogLevel:         "info",
	}
}
