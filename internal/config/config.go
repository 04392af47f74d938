// Package config loads service configuration from config/{ENV_NAME}.yaml,
// an optional .env file and environment overrides, then validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
	"github.com/kjstillabower/pm25-forecast-service/internal/validation"
)

// Defaults for the SILAM Europe dataset.
const (
	DefaultDatasetBaseURL = "https://thredds.silam.fmi.fi/thredds/ncss/grid/silam_europe_v6_0/runs"
	DefaultDatasetName    = "silam_europe_v6_0"
	DefaultVariable       = "cnc_PM2_5"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string `validate:"required,numeric"`
	LogLevel   string
	LogFormat  string `validate:"oneof=json console"`

	DatasetBaseURL   string        `validate:"required,url"`
	DatasetName      string        `validate:"required"`
	DatasetVariable  string        `validate:"required"`
	DatasetTimeout   time.Duration `validate:"gt=0"`
	MaxResponseBytes int64         `validate:"gt=0"`

	RequestTimeout time.Duration `validate:"gt=0"`

	CacheBackend          string `validate:"oneof=disk memcached"`
	CacheDir              string `validate:"required_if=CacheBackend disk"`
	MemcachedAddrs        string `validate:"required_if=CacheBackend memcached"`
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int `validate:"min=1"`

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int `validate:"min=1"`
	CircuitBreakerSuccessThreshold int `validate:"min=1"`
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int `validate:"min=0,max=100"`

	WarmingEnabled     bool
	WarmingAt          string `validate:"omitempty,datetime=15:04"`
	WarmingConcurrency int    `validate:"min=1"`
	WarmingCoordinates []models.Coordinate
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Dataset struct {
		BaseURL          string `yaml:"base_url"`
		Name             string `yaml:"name"`
		Variable         string `yaml:"variable"`
		Timeout          string `yaml:"timeout"`
		MaxResponseBytes int64  `yaml:"max_response_bytes"`
	} `yaml:"dataset"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Dir       string `yaml:"dir"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Coalesce struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"inflight_timeout"`
		InFlightCheckInterval string `yaml:"inflight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct *int   `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Warming struct {
		Enabled     bool                `yaml:"enabled"`
		At          string              `yaml:"at"`
		Concurrency int                 `yaml:"concurrency"`
		Coordinates []models.Coordinate `yaml:"coordinates"`
	} `yaml:"warming"`
}

// envOverrides are applied over the YAML file. Unset variables leave the file value.
type envOverrides struct {
	Port           string        `envconfig:"PORT"`
	LogLevel       string        `envconfig:"LOG_LEVEL"`
	LogFormat      string        `envconfig:"LOG_FORMAT"`
	CacheBackend   string        `envconfig:"CACHE_BACKEND"`
	CacheDir       string        `envconfig:"CACHE_DIR"`
	MemcachedAddrs string        `envconfig:"MEMCACHED_ADDRS"`
	DatasetBaseURL string        `envconfig:"DATASET_BASE_URL"`
	DatasetName    string        `envconfig:"DATASET_NAME"`
	DatasetTimeout time.Duration `envconfig:"DATASET_TIMEOUT"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), relative
// to the working directory, after loading .env if present. Call from project root.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return nil, fmt.Errorf("process env overrides: %w", err)
	}

	cfg := fromFile(&fc)
	applyOverrides(cfg, &ov)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig) *Config {
	cfg := &Config{
		ServerPort: strings.TrimSpace(fc.Server.Port),
		LogLevel:   fc.Log.Level,
		LogFormat:  strings.ToLower(strings.TrimSpace(fc.Log.Format)),

		DatasetBaseURL:   strings.TrimSpace(fc.Dataset.BaseURL),
		DatasetName:      strings.TrimSpace(fc.Dataset.Name),
		DatasetVariable:  strings.TrimSpace(fc.Dataset.Variable),
		DatasetTimeout:   parseDuration(fc.Dataset.Timeout, 30*time.Second),
		MaxResponseBytes: fc.Dataset.MaxResponseBytes,

		RequestTimeout: parseDuration(fc.Request.Timeout, 45*time.Second),

		CacheBackend:          strings.ToLower(strings.TrimSpace(fc.Cache.Backend)),
		CacheDir:              strings.TrimSpace(fc.Cache.Dir),
		MemcachedAddrs:        strings.TrimSpace(fc.Cache.Memcached.Addrs),
		MemcachedTimeout:      parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond),
		MemcachedMaxIdleConns: fc.Cache.Memcached.MaxIdleConns,

		CoalesceEnabled: true,
		CoalesceTimeout: parseDuration(fc.Coalesce.Timeout, 60*time.Second),

		CircuitBreakerEnabled:          true,
		CircuitBreakerFailureThreshold: fc.CircuitBreaker.FailureThreshold,
		CircuitBreakerSuccessThreshold: fc.CircuitBreaker.SuccessThreshold,
		CircuitBreakerTimeout:          parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second),

		ShutdownTimeout:               parseDuration(fc.Shutdown.Timeout, 30*time.Second),
		ShutdownInFlightTimeout:       parseDuration(fc.Shutdown.InFlightTimeout, 60*time.Second),
		ShutdownInFlightCheckInterval: parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond),

		DegradedWindow:   parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute),
		DegradedErrorPct: 50,

		WarmingEnabled:     fc.Warming.Enabled,
		WarmingAt:          strings.TrimSpace(fc.Warming.At),
		WarmingConcurrency: fc.Warming.Concurrency,
		WarmingCoordinates: fc.Warming.Coordinates,
	}
	if fc.Coalesce.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Coalesce.Enabled
	}
	if fc.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *fc.CircuitBreaker.Enabled
	}
	if fc.Lifecycle.DegradedErrorPct != nil {
		cfg.DegradedErrorPct = *fc.Lifecycle.DegradedErrorPct
	}
	return cfg
}

func applyOverrides(cfg *Config, ov *envOverrides) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.ServerPort, ov.Port)
	set(&cfg.LogLevel, ov.LogLevel)
	set(&cfg.LogFormat, strings.ToLower(ov.LogFormat))
	set(&cfg.CacheBackend, strings.ToLower(ov.CacheBackend))
	set(&cfg.CacheDir, ov.CacheDir)
	set(&cfg.MemcachedAddrs, ov.MemcachedAddrs)
	set(&cfg.DatasetBaseURL, ov.DatasetBaseURL)
	set(&cfg.DatasetName, ov.DatasetName)
	if ov.DatasetTimeout > 0 {
		cfg.DatasetTimeout = ov.DatasetTimeout
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ServerPort == "" {
		cfg.ServerPort = "5000"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.DatasetBaseURL == "" {
		cfg.DatasetBaseURL = DefaultDatasetBaseURL
	}
	if cfg.DatasetName == "" {
		cfg.DatasetName = DefaultDatasetName
	}
	if cfg.DatasetVariable == "" {
		cfg.DatasetVariable = DefaultVariable
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 64 << 20
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "disk"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "/cache"
	}
	if cfg.MemcachedAddrs == "" && cfg.CacheBackend == "memcached" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	if cfg.WarmingAt == "" {
		cfg.WarmingAt = "00:30"
	}
	if cfg.WarmingConcurrency <= 0 {
		cfg.WarmingConcurrency = 4
	}
}

// parseDuration parses a duration string and returns defaultVal if it is empty,
// unparseable or not positive.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

var structValidator = validator.New()

// validate runs struct validation, then checks coordinates and fixes up
// cross-field relations. RequestTimeout is raised above DatasetTimeout so the
// upstream deadline fires first and its error reaches the caller.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s: failed %q validation (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config validation: %w", err)
	}
	if cfg.RequestTimeout <= cfg.DatasetTimeout {
		cfg.RequestTimeout = cfg.DatasetTimeout + 5*time.Second
	}
	if cfg.CoalesceEnabled && cfg.CoalesceTimeout < cfg.DatasetTimeout {
		cfg.CoalesceTimeout = cfg.DatasetTimeout
	}
	if cfg.WarmingEnabled && len(cfg.WarmingCoordinates) == 0 {
		return fmt.Errorf("warming.coordinates required when warming.enabled is true")
	}
	for i, c := range cfg.WarmingCoordinates {
		lat, err := validation.ValidateCoordinate(c.Lat, "")
		if err != nil || lat == "" {
			return fmt.Errorf("warming.coordinates[%d].lat %q invalid", i, c.Lat)
		}
		lon, err := validation.ValidateCoordinate(c.Lon, "")
		if err != nil || lon == "" {
			return fmt.Errorf("warming.coordinates[%d].lon %q invalid", i, c.Lon)
		}
		cfg.WarmingCoordinates[i] = models.Coordinate{Lat: lat, Lon: lon}
	}
	return nil
}
