package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/util"

	"github.com/go-playground/validator/v10"
	"github.com/hjson/hjson-go/v4"
	"github.com/spf13/afero"
)

var Version string

const DefaultConfigPath = "./config.hjson"

var errReadingConfigFile = errors.New("encountered an error while reading the config file")

const (
	ModeDevice  = "device"
	ModeNetwork = "network"
)

type (
	Config struct {
		Env        Env        `json:"-"`
		Mode       string     `json:"mode" validate:"required,oneof=device network"`
		Capture    Capture    `json:"capture" validate:"required"`
		Enrichment Enrichment `json:"enrichment" validate:"required"`
		Intel      Intel      `json:"intel" validate:"required"`
		Consensus  Consensus  `json:"consensus" validate:"required"`
		Scorers    Scorers    `json:"scorers" validate:"required"`
		Storage    Storage    `json:"storage" validate:"required"`
		Export     Export     `json:"export" validate:"required"`
	}

	// Env holds values sourced from the environment rather than the config
	// file. Credentials are kept here so that they never serialize into
	// config dumps or log lines.
	Env struct {
		VTAPIKey        string `json:"-"`
		AbuseIPDBAPIKey string `json:"-"`
	}

	Capture struct {
		Interface string `json:"interface"`
		TickMS    int    `json:"tick_ms" validate:"gte=100,lte=60000"`
	}

	Enrichment struct {
		Workers    int `json:"workers" validate:"gte=1,lte=64"`
		DeadlineMS int `json:"deadline_ms" validate:"gte=200,lte=60000"`
		QueueSize  int `json:"queue_size" validate:"gte=2,lte=1000000"`
	}

	Intel struct {
		Geo       GeoIntel      `json:"geo" validate:"required"`
		VT        ProviderIntel `json:"vt" validate:"required"`
		AbuseIPDB ProviderIntel `json:"abuseipdb" validate:"required"`
		RDNS      ResolverIntel `json:"rdns"`
	}

	GeoIntel struct {
		RatePerMin int `json:"rate_per_min" validate:"gte=1,lte=10000"`
		TimeoutMS  int `json:"timeout_ms" validate:"gte=100,lte=30000"`
	}

	ProviderIntel struct {
		RatePerSec int    `json:"rate_per_sec" validate:"gte=1,lte=1000"`
		TimeoutMS  int    `json:"timeout_ms" validate:"gte=100,lte=30000"`
		APIKey     string `json:"api_key"`
	}

	ResolverIntel struct {
		Enabled   bool   `json:"enabled"`
		Server    string `json:"server" validate:"omitempty,hostname_port"`
		TimeoutMS int    `json:"timeout_ms" validate:"gte=100,lte=30000"`
	}

	Consensus struct {
		MinScorers           int     `json:"min_scorers" validate:"gte=1,lte=16"`
		OutlierThreshold     float64 `json:"outlier_threshold" validate:"gt=0,lte=1"`
		UncertaintyThreshold float64 `json:"uncertainty_threshold" validate:"gt=0,lte=1"`
		MADK                 float64 `json:"mad_k" validate:"gt=0,lte=100"`
	}

	Scorers struct {
		Keys ScorerKeys `json:"keys"`
		ML   MLScorer   `json:"ml"`
	}

	// ScorerKeys hold hex-encoded HMAC secrets. An empty key means the
	// scorer generates fresh key material at startup.
	ScorerKeys struct {
		Statistical string `json:"statistical" validate:"omitempty,hexadecimal,min=64"`
		RuleBased   string `json:"rule_based" validate:"omitempty,hexadecimal,min=64"`
		MLBased     string `json:"ml_based" validate:"omitempty,hexadecimal,min=64"`
	}

	MLScorer struct {
		WeightsPath string `json:"weights_path"`
	}

	Storage struct {
		Path string `json:"path" validate:"required"`
	}

	Export struct {
		Dir             string `json:"dir" validate:"required"`
		BufferSize      int    `json:"buffer_size" validate:"gte=1,lte=100000"`
		FlushIntervalMS int    `json:"flush_interval_ms" validate:"gte=100,lte=60000"`
		CSVMaxSizeMB    int    `json:"csv_max_size_mb" validate:"gte=1,lte=10000"`
		JSONLMaxSizeMB  int    `json:"jsonl_max_size_mb" validate:"gte=1,lte=10000"`
	}
)

// ReadFileConfig reads and validates the config file at the specified path
func ReadFileConfig(afs afero.Fs, path string) (*Config, error) {
	contents, err := util.GetFileContents(afs, path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := unmarshal(contents, &cfg, nil); err != nil {
		return nil, fmt.Errorf("%w, located by default at '%s', please correct the issue in the config and try again:\n\t- %w", errReadingConfigFile, path, err)
	}

	return &cfg, nil
}

// ReadConfigFromMemory reads the config from bytes already read into memory as opposed to reading from a file.
// It also takes its own environment struct that must already be completely set.
func ReadConfigFromMemory(data []byte, env Env) (*Config, error) {
	var cfg Config
	if err := unmarshal(data, &cfg, &env); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setEnv() error {
	// API keys are optional; a client without credentials disables itself.
	// Keys given in the config file are kept unless the environment
	// overrides them.
	if key := os.Getenv("VT_API_KEY"); key != "" {
		c.Env.VTAPIKey = key
	} else {
		c.Env.VTAPIKey = c.Intel.VT.APIKey
	}

	if key := os.Getenv("ABUSEIPDB_API_KEY"); key != "" {
		c.Env.AbuseIPDBAPIKey = key
	} else {
		c.Env.AbuseIPDBAPIKey = c.Intel.AbuseIPDB.APIKey
	}

	// scrub file-sourced credentials so they only live in Env
	c.Intel.VT.APIKey = ""
	c.Intel.AbuseIPDB.APIKey = ""

	return nil
}

// unmarshal unmarshals the data into the config struct, sets the environment variables, and validates the values
func unmarshal(data []byte, cfg *Config, env *Env) error {
	if err := hjson.Unmarshal(data, &cfg); err != nil {
		return err
	}

	// set the environment struct before validating, since validation
	// assumes credentials have been moved out of the file-backed fields
	if env == nil {
		if err := cfg.setEnv(); err != nil {
			return fmt.Errorf("unable to set environment: %w", err)
		}
	} else {
		cfg.Env = *env
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON unmarshals the JSON bytes into the config struct,
// layering the file values over the defaults
func (c *Config) UnmarshalJSON(bytes []byte) error {
	// create temporary config struct to unmarshal into
	// not doing this would result in an infinite unmarshalling loop
	type tmpConfig Config
	defaultCfg := GetDefaultConfig()

	tmpCfg := tmpConfig(defaultCfg)

	if err := hjson.Unmarshal(bytes, &tmpCfg); err != nil {
		return err
	}

	*c = Config(tmpCfg)

	return nil
}

// GetDefaultConfig returns a Config object with default values
func GetDefaultConfig() Config {
	// set version to dev if not set
	if Version == "" {
		Version = "dev"
	}

	return defaultConfig()
}

// Validate validates the config struct values
func (cfg *Config) Validate() error {
	zlog := logger.GetLogger()
	zlog.Debug().Str("mode", cfg.Mode).Msg("validating config")

	validate, err := NewValidator()
	if err != nil {
		return err
	}

	if err := validate.Struct(cfg); err != nil {
		return err
	}

	return nil
}

// NewValidator creates a new validator with custom validation rules
func NewValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// network mode needs an interface name to open
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		if cfg.Mode == ModeNetwork && cfg.Capture.Interface == "" {
			sl.ReportError(cfg.Capture.Interface, "Interface", "capture.interface", "required_for_network_mode", "")
		}
	}, Config{})

	return v, nil
}

// return a copy of the default config object
func defaultConfig() Config {
	return Config{
		Mode: ModeDevice,
		Capture: Capture{
			TickMS: 1000,
		},
		Enrichment: Enrichment{
			Workers:    4,
			DeadlineMS: 5000,
			QueueSize:  1024,
		},
		Intel: Intel{
			Geo: GeoIntel{
				RatePerMin: 45,
				TimeoutMS:  3000,
			},
			VT: ProviderIntel{
				RatePerSec: 4,
				TimeoutMS:  3000,
			},
			AbuseIPDB: ProviderIntel{
				RatePerSec: 1,
				TimeoutMS:  3000,
			},
			RDNS: ResolverIntel{
				Enabled:   true,
				TimeoutMS: 3000,
			},
		},
		Consensus: Consensus{
			MinScorers:           2,
			OutlierThreshold:     0.3,
			UncertaintyThreshold: 0.25,
			MADK:                 3.0,
		},
		Scorers: Scorers{},
		Storage: Storage{
			Path: "database/cobaltgraph.db",
		},
		Export: Export{
			Dir:             "exports/",
			BufferSize:      100,
			FlushIntervalMS: 1000,
			CSVMaxSizeMB:    10,
			JSONLMaxSizeMB:  100,
		},
	}
}
