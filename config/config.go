package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Minio  MinioConfig  `yaml:"minio"`
	Mineru MineruConfig `yaml:"mineru"`
	LLM    LLMConfig    `yaml:"llm"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
	Store  StoreConfig  `yaml:"store"`
	Review ReviewConfig `yaml:"review"`
	Users  []User       `yaml:"users"`
}

type ServerConfig struct {
	Port          int   `yaml:"port"`
	MaxUploadSize int64 `yaml:"max_upload_size"` // bytes
	RateLimit     int   `yaml:"rate_limit"`      // requests per minute per client, 0 = off
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	Region     string `yaml:"region"`
	ExpireDays int    `yaml:"expire_days"`
	// LocalDir holds objects on disk when Endpoint is empty.
	LocalDir   string `yaml:"local_dir"`
}

type MineruConfig struct {
	APIURL       string        `yaml:"api_url"`
	APIToken     string        `yaml:"api_token"`
	ModelVersion string        `yaml:"model_version"`
	CallbackURL  string        `yaml:"callback_url"`
	UID          string        `yaml:"uid"`
	Seed         string        `yaml:"seed"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollAttempts int           `yaml:"poll_attempts"`
}

// LLMConfig points the OpenAI-compatible client at OpenRouter by default.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxChars    int     `yaml:"max_chars"` // prompt text budget
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the task repository. Driver is "memory" or "sqlite".
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	MaxTasks int    `yaml:"max_tasks"` // memory driver only, 0 = unlimited
}

type ReviewConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
}

// Load reads the YAML file at path, applies .env and environment overrides
// for secrets, then fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"OPENROUTER_API_KEY", &c.LLM.APIKey},
		{"MINERU_API_TOKEN", &c.Mineru.APIToken},
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"MINIO_ACCESS_KEY", &c.Minio.AccessKey},
		{"MINIO_SECRET_KEY", &c.Minio.SecretKey},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			*o.target = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.MaxUploadSize == 0 {
		c.Server.MaxUploadSize = 50 << 20
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "contracts"
	}
	if c.Minio.Endpoint == "" && c.Minio.LocalDir == "" {
		c.Minio.LocalDir = "uploads"
	}
	if c.Mineru.ModelVersion == "" {
		c.Mineru.ModelVersion = "vlm"
	}
	if c.Mineru.PollInterval == 0 {
		c.Mineru.PollInterval = 5 * time.Second
	}
	if c.Mineru.PollAttempts == 0 {
		c.Mineru.PollAttempts = 60
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "qwen/qwen3-235b-a22b:free"
	}
	if c.LLM.MaxChars == 0 {
		c.LLM.MaxChars = 4000
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "contractshield.db"
	}
	if c.Review.Workers == 0 {
		c.Review.Workers = 4
	}
	if c.Review.QueueSize == 0 {
		c.Review.QueueSize = 64
	}
	if c.Review.ShutdownTimeout == 0 {
		c.Review.ShutdownTimeout = 30 * time.Second
	}
}

// Validate reports configuration that would make the service unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}
	if c.Review.Workers < 0 {
		errs = append(errs, errors.New("review.workers must not be negative"))
	}
	if c.Review.AnalysisTimeout < 0 {
		errs = append(errs, errors.New("review.analysis_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
