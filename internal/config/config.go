package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SDTASK_SERVER_PORT.
const EnvPrefix = "SDTASK"

type Config struct {
	Server           ServerConfig      `mapstructure:"server"`
	API              APIConfig         `mapstructure:"api"`
	HealthCheck      HealthCheckConfig `mapstructure:"health_check"`
	Log              LogConfig         `mapstructure:"log"`
	Inference        InferenceConfig   `mapstructure:"inference"`
	Lora             LoraConfig        `mapstructure:"lora"`
	DefaultScheduler string            `mapstructure:"default_scheduler"`
	Queue            QueueConfig       `mapstructure:"queue"`
	Callback         CallbackConfig    `mapstructure:"callback"`
	Storage          StorageConfig     `mapstructure:"storage"`
	TaskDB           TaskDBConfig      `mapstructure:"task_db"`
	LLM              LLMConfig         `mapstructure:"llm"`
	Shutdown         ShutdownConfig    `mapstructure:"shutdown"`
}

type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  string `mapstructure:"port"`
	Pprof bool   `mapstructure:"pprof"`
}

type APIConfig struct {
	Keys      []string `mapstructure:"keys"`
	KeyHeader string   `mapstructure:"key_header"`
}

type HealthCheckConfig struct {
	NoAuth bool `mapstructure:"no_auth"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

type InferenceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	WarmupInterval time.Duration `mapstructure:"warmup_interval"`
}

type LoraModel struct {
	Name         string   `mapstructure:"name"`
	Path         string   `mapstructure:"path"`
	Weight       float64  `mapstructure:"weight"`
	TriggerWords []string `mapstructure:"trigger_words"`
}

type LoraConfig struct {
	// Models are listed oldest first, the last entry is the most recently configured one.
	Models       []LoraModel `mapstructure:"models"`
	TriggerWords []string    `mapstructure:"trigger_words"`
}

type QueueConfig struct {
	Workers  int `mapstructure:"workers"`
	MaxDepth int `mapstructure:"max_depth"`
}

type CallbackConfig struct {
	RetryTimes    int           `mapstructure:"retry_times"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxInterval   time.Duration `mapstructure:"max_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type S3Config struct {
	Endpoint      string `mapstructure:"endpoint"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Bucket        string `mapstructure:"bucket"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type LocalStorageConfig struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"base_url"`
}

type StorageConfig struct {
	Backend string             `mapstructure:"backend"` // s3 or local
	S3      S3Config           `mapstructure:"s3"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

type TaskDBConfig struct {
	// Path of the sqlite file, empty keeps tasks in memory only.
	Path          string        `mapstructure:"path"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LLMConfig struct {
	APIBase     string        `mapstructure:"api_base"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// PromptPrefix is prepended to every translated prompt.
	PromptPrefix string `mapstructure:"prompt_prefix"`
}

// Enabled reports whether a translator should be built.
func (c LLMConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "9000")
	v.SetDefault("server.pprof", false)

	v.SetDefault("api.keys", []string{})
	v.SetDefault("api.key_header", "X-API-Key")
	v.SetDefault("health_check.no_auth", true)

	v.SetDefault("log.development", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("inference.base_url", "http://127.0.0.1:7860")
	v.SetDefault("inference.timeout", 0)
	v.SetDefault("inference.warmup_interval", 5*time.Second)

	v.SetDefault("lora.models", []map[string]interface{}{})
	v.SetDefault("lora.trigger_words", []string{})
	v.SetDefault("default_scheduler", "DPMSolverMultistepScheduler")

	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.max_depth", 0)

	v.SetDefault("callback.retry_times", 3)
	v.SetDefault("callback.retry_interval", 5*time.Second)
	v.SetDefault("callback.max_interval", time.Minute)
	v.SetDefault("callback.timeout", 30*time.Second)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.use_ssl", false)
	v.SetDefault("storage.s3.public_base_url", "")
	v.SetDefault("storage.local.dir", "outputs")
	v.SetDefault("storage.local.base_url", "http://127.0.0.1:9000/images")

	v.SetDefault("task_db.path", "tasks.db")
	v.SetDefault("task_db.retention", 0)
	v.SetDefault("task_db.sweep_interval", time.Hour)

	v.SetDefault("llm.api_base", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.prompt_prefix", "")

	v.SetDefault("shutdown.grace_period", 30*time.Second)
}

// Load reads .env (if present), then the yaml file at path, then SDTASK_* environment overrides.
// An empty path looks for config.yaml in the working directory, and a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.API.Keys = splitKeys(cfg.API.Keys)
	return &cfg, nil
}

// splitKeys accepts both a yaml list and a single comma separated string.
func splitKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() []string {
	var problems []string
	if c.Server.Port == "" {
		problems = append(problems, "server.port is required")
	}
	if c.Inference.BaseURL == "" {
		problems = append(problems, "inference.base_url is required")
	}
	if c.Queue.Workers < 1 {
		problems = append(problems, "queue.workers must be at least 1")
	}
	if c.Queue.MaxDepth < 0 {
		problems = append(problems, "queue.max_depth must not be negative")
	}
	if c.Callback.RetryTimes < 1 {
		problems = append(problems, "callback.retry_times must be at least 1")
	}
	if c.Callback.Timeout <= 0 {
		problems = append(problems, "callback.timeout must be positive")
	}
	for i, m := range c.Lora.Models {
		if m.Name == "" {
			problems = append(problems, fmt.Sprintf("lora.models[%d].name is required", i))
		}
	}
	switch c.Storage.Backend {
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			problems = append(problems, "storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	case "local":
		if c.Storage.Local.Dir == "" {
			problems = append(problems, "storage.local.dir is required for the local backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.TaskDB.Retention < 0 {
		problems = append(problems, "task_db.retention must not be negative")
	}
	return problems
}
