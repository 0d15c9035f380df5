package models

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr string `yaml:"server_addr"`

	JobStore      string `yaml:"job_store"` // memory, postgres, mongo
	DatabaseURL   string `yaml:"database_url"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	OutputBackend string `yaml:"output_backend"` // local, minio, gcs, supabase
	OutputDir     string `yaml:"output_dir"`

	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioLocation  string `yaml:"minio_location"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	GCSBucket string `yaml:"gcs_bucket"`

	SupabaseURL    string `yaml:"supabase_url"`
	SupabaseKey    string `yaml:"supabase_key"`
	SupabaseBucket string `yaml:"supabase_bucket"`

	TempDir        string        `yaml:"temp_dir"`
	Concurrency    int           `yaml:"concurrency"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	FetchRetries   int           `yaml:"fetch_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	JPEGQuality         int     `yaml:"jpeg_quality"`
	MinReductionPercent float64 `yaml:"min_reduction_percent"`

	AllowedDomains []string `yaml:"allowed_domains"`

	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg := seededConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// DefaultConfig is what an empty config file yields.
func DefaultConfig() *Config {
	cfg := seededConfig()
	cfg.ApplyDefaults()
	return &cfg
}

// seededConfig holds defaults for keys where zero is a meaningful setting.
// yaml leaves omitted keys untouched, so only an explicit value replaces them.
func seededConfig() Config {
	return Config{
		FetchRetries:        2,
		MinReductionPercent: 10,
	}
}

func (c *Config) ApplyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":3000"
	}
	if c.JobStore == "" {
		c.JobStore = "memory"
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = "imageProcessing"
	}
	if c.OutputBackend == "" {
		c.OutputBackend = "local"
	}
	if c.OutputDir == "" {
		c.OutputDir = "./output_images"
	}
	if c.MinioLocation == "" {
		c.MinioLocation = "us-east-1"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = time.Minute
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 50
	}
	if c.MinReductionPercent < 0 {
		c.MinReductionPercent = 0
	}
	if len(c.AllowedDomains) == 0 {
		c.AllowedDomains = []string{"*"}
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 10 * time.Second
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "image-requests"
	}
}

func (c *Config) Validate() error {
	switch c.JobStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for postgres job store")
		}
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("mongo_uri is required for mongo job store")
		}
	default:
		return fmt.Errorf("unknown job_store %q", c.JobStore)
	}

	switch c.OutputBackend {
	case "local":
	case "minio":
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" || c.MinioBucket == "" {
			return fmt.Errorf("minio_endpoint, minio_access_key, minio_secret_key and minio_bucket are required for minio output")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("gcs_bucket is required for gcs output")
		}
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseKey == "" || c.SupabaseBucket == "" {
			return fmt.Errorf("supabase_url, supabase_key and supabase_bucket are required for supabase output")
		}
	default:
		return fmt.Errorf("unknown output_backend %q", c.OutputBackend)
	}
	return nil
}
