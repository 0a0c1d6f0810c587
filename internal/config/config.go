// Package config loads application configuration from a YAML file,
// environment variables, and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       App       `mapstructure:"app"`
	Database  Database  `mapstructure:"database"`
	Gemini    Gemini    `mapstructure:"gemini"`
	Embedding Embedding `mapstructure:"embedding"`
	Cluster   Cluster   `mapstructure:"cluster"`
	Cache     Cache     `mapstructure:"cache"`
	Graph     Graph     `mapstructure:"graph"`
	Server    Server    `mapstructure:"server"`
}

// App holds general application configuration.
type App struct {
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`
}

// Database selects and configures the backing relational store.
type Database struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`    // Postgres connection string; ignored for sqlite
}

// Gemini holds the embedding/summarization provider configuration.
type Gemini struct {
	APIKey              string        `mapstructure:"api_key"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int32         `mapstructure:"embedding_dimensions"`
	SummaryModel        string        `mapstructure:"summary_model"`
	SummaryEnabled      bool          `mapstructure:"summary_enabled"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// Embedding shapes the gateway's rate limiting, retries, and workers.
type Embedding struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	SearchReserve     float64       `mapstructure:"search_reserve"` // Fraction of rate reserved for search, min 0.2
	MaxAttempts       int           `mapstructure:"max_attempts"`
	MaxTextBytes      int           `mapstructure:"max_text_bytes"`
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
}

// Cluster tunes the k-means engine.
type Cluster struct {
	MinK          int     `mapstructure:"min_k"`
	MaxK          int     `mapstructure:"max_k"`
	MaxIterations int     `mapstructure:"max_iterations"`
	Epsilon       float64 `mapstructure:"epsilon"`
	MinMemories   int     `mapstructure:"min_memories"`
}

// Cache sets per-artifact TTLs and the hot tier size.
type Cache struct {
	ClustersTTL   time.Duration `mapstructure:"clusters_ttl"`
	TopicsTTL     time.Duration `mapstructure:"topics_ttl"`
	GraphTTL      time.Duration `mapstructure:"graph_ttl"`
	TrajectoryTTL time.Duration `mapstructure:"trajectory_ttl"`
	HotEntries    int           `mapstructure:"hot_entries"`
}

// Graph tunes edge thresholds and display sampling.
type Graph struct {
	SimilarThreshold float64 `mapstructure:"similar_threshold"`
	RelatedThreshold float64 `mapstructure:"related_threshold"`
	OverlapThreshold float64 `mapstructure:"overlap_threshold"`
	MemoryDisplayCap int     `mapstructure:"memory_display_cap"`
	MinKeywordCount  int     `mapstructure:"min_keyword_count"`
}

// Server holds HTTP server configuration.
type Server struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORS           CORS          `mapstructure:"cors"`
}

// CORS holds cross-origin configuration for browser clients.
type CORS struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

var globalConfig *Config

// Load loads the configuration from various sources.
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".mnemos")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	viper.SetEnvPrefix("MNEMOS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The API key is conventionally set through GEMINI_API_KEY.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		viper.SetDefault("gemini.api_key", key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// Reset clears the cached configuration. Intended for tests.
func Reset() {
	globalConfig = nil
	viper.Reset()
}

func setDefaults() {
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.data_dir", ".mnemos-data")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "")

	viper.SetDefault("gemini.embedding_model", "gemini-embedding-001")
	viper.SetDefault("gemini.embedding_dimensions", 3072)
	viper.SetDefault("gemini.summary_model", "gemini-flash-lite-latest")
	viper.SetDefault("gemini.summary_enabled", false)
	viper.SetDefault("gemini.timeout", "30s")

	viper.SetDefault("embedding.requests_per_second", 10.0)
	viper.SetDefault("embedding.burst", 20)
	viper.SetDefault("embedding.search_reserve", 0.2)
	viper.SetDefault("embedding.max_attempts", 4)
	viper.SetDefault("embedding.max_text_bytes", 8000)
	viper.SetDefault("embedding.workers", 4)
	viper.SetDefault("embedding.queue_size", 1024)
	viper.SetDefault("embedding.wait_timeout", "30s")

	viper.SetDefault("cluster.min_k", 3)
	viper.SetDefault("cluster.max_k", 12)
	viper.SetDefault("cluster.max_iterations", 50)
	viper.SetDefault("cluster.epsilon", 1e-4)
	viper.SetDefault("cluster.min_memories", 5)

	viper.SetDefault("cache.clusters_ttl", "1h")
	viper.SetDefault("cache.topics_ttl", "1h")
	viper.SetDefault("cache.graph_ttl", "30m")
	viper.SetDefault("cache.trajectory_ttl", "168h")
	viper.SetDefault("cache.hot_entries", 256)

	viper.SetDefault("graph.similar_threshold", 0.7)
	viper.SetDefault("graph.related_threshold", 0.4)
	viper.SetDefault("graph.overlap_threshold", 0.5)
	viper.SetDefault("graph.memory_display_cap", 150)
	viper.SetDefault("graph.min_keyword_count", 2)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.request_timeout", "60s")
	viper.SetDefault("server.cors.enabled", true)
	viper.SetDefault("server.cors.allowed_origins", []string{"*"})
}

func validate(c *Config) error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q (want sqlite or postgres)", c.Database.Driver)
	}

	if c.Gemini.EmbeddingDimensions <= 0 {
		return fmt.Errorf("gemini.embedding_dimensions must be positive, got %d", c.Gemini.EmbeddingDimensions)
	}
	if c.Embedding.RequestsPerSecond <= 0 {
		return fmt.Errorf("embedding.requests_per_second must be positive")
	}
	if c.Embedding.SearchReserve < 0.2 {
		c.Embedding.SearchReserve = 0.2
	}
	if c.Cluster.MinK < 1 || c.Cluster.MaxK < c.Cluster.MinK {
		return fmt.Errorf("invalid cluster K range [%d, %d]", c.Cluster.MinK, c.Cluster.MaxK)
	}
	if c.Graph.RelatedThreshold >= c.Graph.SimilarThreshold {
		return fmt.Errorf("graph.related_threshold must be below graph.similar_threshold")
	}
	return nil
}
