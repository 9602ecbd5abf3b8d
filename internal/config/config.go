package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Version is the application version, overridden at build time.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Library   LibraryConfig   `mapstructure:"library"`
	TMDB      TMDBConfig      `mapstructure:"tmdb"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ExternalURL string `mapstructure:"external_url"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LibraryConfig describes the on-disk video tree.
type LibraryConfig struct {
	Root       string            `mapstructure:"root"`
	Categories map[string]string `mapstructure:"categories"`
	Exclude    []string          `mapstructure:"exclude"`
	Extensions []string          `mapstructure:"extensions"`
}

// TMDBConfig holds the external metadata provider configuration.
type TMDBConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	ImageBaseURL string `mapstructure:"image_base_url"`
	Language     string `mapstructure:"language"`
	Timeout      int    `mapstructure:"timeout"`
}

// CacheConfig holds the generated-artifact directories.
type CacheConfig struct {
	ThumbnailDir string `mapstructure:"thumbnail_dir"`
	HLSDir       string `mapstructure:"hls_dir"`
}

// SchedulerConfig holds background task scheduling.
type SchedulerConfig struct {
	ScanCron string `mapstructure:"scan_cron"`
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.nasvideo")
	}

	v.SetEnvPrefix("NASVIDEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.external_url", "")

	v.SetDefault("database.path", "./data/nasvideo.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("library.root", "/volume2/video/GDS3/GDRIVE/VIDEO")
	v.SetDefault("library.categories", map[string]string{
		"movies":      "영화",
		"foreign-tv":  "외국TV",
		"domestic-tv": "국내TV",
		"animation":   "일본 애니메이션",
		"airing":      "방송중",
	})
	v.SetDefault("library.exclude", []string{"성인", "19금", "Adult", "@eaDir", "#recycle"})
	v.SetDefault("library.extensions", []string{
		".mp4", ".mkv", ".avi", ".wmv", ".flv", ".ts", ".mov", ".m4v", ".webm", ".mpg", ".mpeg", ".m2ts",
	})

	v.SetDefault("tmdb.api_key", "")
	v.SetDefault("tmdb.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("tmdb.image_base_url", "https://image.tmdb.org/t/p")
	v.SetDefault("tmdb.language", "ko-KR")
	v.SetDefault("tmdb.timeout", 10)

	v.SetDefault("cache.thumbnail_dir", "./data/thumbnails")
	v.SetDefault("cache.hls_dir", "/dev/shm/nasvideo_hls")

	// The original server rescans the whole tree every six hours.
	v.SetDefault("scheduler.scan_cron", "0 */6 * * *")
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CategoryDir returns the absolute directory for a category key.
func (c *LibraryConfig) CategoryDir(category string) (string, bool) {
	label, ok := c.Categories[category]
	if !ok {
		return "", false
	}
	return filepath.Join(c.Root, label), true
}
