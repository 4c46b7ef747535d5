// Package config handles configuration loading for the feature tile server.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FT_SERVER_PORT.
const EnvPrefix = "FT_"

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Datasets  DatasetsConfig  `yaml:"datasets"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Render    RenderConfig    `yaml:"render" envPrefix:"RENDER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// DatasetURIs adds datasets from FT_DATASETS, a ";" separated list of
	// source URIs. Each is registered under its dataset name.
	DatasetURIs []string `yaml:"-" env:"DATASETS" envSeparator:";"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int           `yaml:"port" env:"PORT" validate:"gte=1,lte=65535"`
	CORSOrigins    []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	PreloadWorkers int           `yaml:"preload_workers" env:"PRELOAD_WORKERS" validate:"gte=1"`
}

// StoreConfig locates the default feature store.
type StoreConfig struct {
	Path string `yaml:"path" env:"PATH" validate:"required"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb" env:"TILE_SIZE_MB" validate:"gte=1"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes" env:"TILE_TTL_MINUTES" validate:"gte=1"`
	InfoCacheSize  int `yaml:"info_cache_size" env:"INFO_CACHE_SIZE" validate:"gte=1"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int     `yaml:"tile_size" env:"TILE_SIZE" validate:"gte=64,lte=4096"`
	Buffer          int     `yaml:"buffer" env:"BUFFER" validate:"gte=0"`
	Extent          uint32  `yaml:"extent" env:"EXTENT"`
	DefaultColormap string  `yaml:"default_colormap" env:"DEFAULT_COLORMAP"`
	LineWidth       float64 `yaml:"line_width" env:"LINE_WIDTH" validate:"gte=0"`
	PointRadius     float64 `yaml:"point_radius" env:"POINT_RADIUS" validate:"gte=0"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT" validate:"required_if=Enabled true"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// ValidationError lists configuration keys that are missing or invalid.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing or invalid keys in config: " + strings.Join(e.Fields, ", ")
}

// LoadDotEnv loads a .env file into the process environment if present.
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("NOTICE: .env file cannot be loaded: %v", err)
	}
}

// Load reads configuration from a YAML file, then applies FT_ environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		applyDefaults(cfg)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.addDatasetURIs(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) addDatasetURIs() error {
	for _, raw := range c.DatasetURIs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		src, err := ParseSourceURI(raw)
		if err != nil {
			return fmt.Errorf("%sDATASETS: %w", EnvPrefix, err)
		}
		if src.Dataset == "" {
			return fmt.Errorf("%sDATASETS: source uri %q has no dataset", EnvPrefix, raw)
		}
		ds := src.DatasetConfig()
		if ds.Format == "" {
			ds.Format = "pbf"
		}
		c.Datasets.Add(ds.Dataset, ds)
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			PreloadWorkers: 4,
		},
		Store: StoreConfig{
			Path: "./data/features.db",
		},
		Datasets: DatasetsConfig{},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			InfoCacheSize:  128,
		},
		Render: RenderConfig{
			TileSize:        256,
			Buffer:          8,
			Extent:          4096,
			DefaultColormap: "categorical",
			LineWidth:       1,
			PointRadius:     2,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "feature-tiles",
			Environment: "development",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaults.Server.WriteTimeout
	}
	if cfg.Server.PreloadWorkers == 0 {
		cfg.Server.PreloadWorkers = defaults.Server.PreloadWorkers
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.InfoCacheSize == 0 {
		cfg.Cache.InfoCacheSize = defaults.Cache.InfoCacheSize
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.Buffer == 0 {
		cfg.Render.Buffer = defaults.Render.Buffer
	}
	if cfg.Render.Extent == 0 {
		cfg.Render.Extent = defaults.Render.Extent
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.LineWidth == 0 {
		cfg.Render.LineWidth = defaults.Render.LineWidth
	}
	if cfg.Render.PointRadius == 0 {
		cfg.Render.PointRadius = defaults.Render.PointRadius
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = defaults.Telemetry.Environment
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every section and each dataset entry.
func (c *Config) Validate() error {
	var fields []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, yamlPath(fe.Namespace()))
		}
	}

	for _, id := range c.Datasets.IDs() {
		ds := c.Datasets.Entries[id]
		if err := validate.Struct(ds); err != nil {
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				return err
			}
			for _, fe := range verrs {
				fields = append(fields, "datasets."+id+"."+fe.Field())
			}
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// yamlPath turns "Config.server.port" into "server.port".
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}
