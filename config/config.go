package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ErrMissingCredential is returned by Validate when the generation
// service has no API key.
var ErrMissingCredential = errors.New("missing generation service credential")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// Recover resubmits unfinished runs on startup.
	Recover bool `yaml:"recover"`
}

type StorageConfig struct {
	Driver  string      `yaml:"driver"` // local | minio
	Dir     string      `yaml:"dir"`
	BaseURL string      `yaml:"base_url"`
	MinIO   MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	UseSSL    bool          `yaml:"use_ssl"`
	Domain    string        `yaml:"domain"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // file | mysql | sqlite
	DSN    string `yaml:"dsn"`
	Dir    string `yaml:"dir"`
}

type QueueConfig struct {
	Driver      string `yaml:"driver"` // local | asynq
	Concurrency int    `yaml:"concurrency"`
	Redis       struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the generation service endpoint; empty uses the SDK default.
	BaseURL           string        `yaml:"base_url"`
	TextModel         string        `yaml:"text_model"`
	ImageModel        string        `yaml:"image_model"`
	VideoModel        string        `yaml:"video_model"`
	VideoDuration     int           `yaml:"video_duration"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	Concurrency struct {
		Assets int `yaml:"assets"`
		Scenes int `yaml:"scenes"`
		Clips  int `yaml:"clips"`
	} `yaml:"concurrency"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
	ClipTimeout time.Duration `yaml:"clip_timeout"`
	Retry       RetryConfig   `yaml:"retry"`
	// AutoClips runs the clips phase at the end of a storyboard run.
	AutoClips bool `yaml:"auto_clips"`
}

type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type NotifyConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

var AppConfig *Config

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.Server.Port = ":8080"
	c.Server.Recover = true
	c.Storage.Driver = "local"
	c.Storage.Dir = "./data/artifacts"
	c.Database.Driver = "file"
	c.Database.Dir = "./data/documents"
	c.Queue.Driver = "local"
	c.Queue.Concurrency = 4
	c.Queue.Redis.Addr = "127.0.0.1:6379"
	c.Gemini.TextModel = "gemini-2.0-flash"
	c.Gemini.ImageModel = "gemini-2.0-flash-preview-image-generation"
	c.Gemini.VideoModel = "veo-3.0-generate-preview"
	c.Gemini.VideoDuration = 6
	c.Gemini.PollInterval = 20 * time.Second
	c.Gemini.Timeout = 2 * time.Minute
	c.Pipeline.Concurrency.Assets = 3
	c.Pipeline.Concurrency.Scenes = 3
	c.Pipeline.Concurrency.Clips = 3
	c.Pipeline.ItemTimeout = 10 * time.Minute
	c.Pipeline.ClipTimeout = 20 * time.Minute
	c.Pipeline.Retry = RetryConfig{
		Attempts:     5,
		InitialDelay: time.Second,
		Multiplier:   7,
		MaxDelay:     10 * time.Minute,
	}
	c.Notify.Subject = "virallaunch.runs"
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 50
	c.Log.MaxBackups = 5
	return c
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// InitConfig loads the configuration into AppConfig.
func InitConfig(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

func (c *Config) applyEnv() {
	c.Gemini.APIKey = getEnv("GEMINI_API_KEY", getEnv("GOOGLE_API_KEY", c.Gemini.APIKey))
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = ":" + port
	}
	c.Queue.Redis.Addr = getEnv("REDIS_ADDR", c.Queue.Redis.Addr)
	c.Queue.Redis.Password = getEnv("REDIS_PASSWORD", c.Queue.Redis.Password)
	c.Storage.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.Storage.MinIO.Endpoint)
	c.Storage.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", c.Storage.MinIO.AccessKey)
	c.Storage.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", c.Storage.MinIO.SecretKey)
	c.Storage.MinIO.Bucket = getEnv("MINIO_BUCKET", c.Storage.MinIO.Bucket)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Notify.NATSURL = getEnv("NATS_URL", c.Notify.NATSURL)
	if v, err := strconv.ParseBool(os.Getenv("AUTO_CLIPS")); err == nil {
		c.Pipeline.AutoClips = v
	}
}

// Validate reports configuration that prevents the pipeline from running.
func (c *Config) Validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY or GOOGLE_API_KEY", ErrMissingCredential)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
