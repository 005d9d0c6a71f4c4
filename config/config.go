package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const DefaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Worker struct {
		Concurrency int `yaml:"concurrency"`
		MaxRetry    int `yaml:"max_retry"`
		// TimeoutMinutes bounds a whole job inside the queue consumer.
		TimeoutMinutes int `yaml:"timeout_minutes"`
	} `yaml:"worker"`
	ComfyUI  ComfyUIConfig  `yaml:"comfyui"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Staging  StagingConfig  `yaml:"staging"`
	TTS      TTSConfig      `yaml:"tts"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Log      struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type ComfyUIConfig struct {
	URL            string `yaml:"url"`
	WaitMode       string `yaml:"wait_mode"` // poll | stream
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PollInterval   int    `yaml:"poll_interval_seconds"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
	// OutputDir is the rendering server's output directory when it is shared with this
	// process. Empty means outputs are fetched through /view.
	OutputDir string `yaml:"output_dir"`
}

type WorkflowConfig struct {
	Path        string `yaml:"path"`
	PromptNode  string `yaml:"prompt_node"`
	ImageNode   string `yaml:"image_node"`
	AudioNode   string `yaml:"audio_node"`
	SamplerNode string `yaml:"sampler_node"`
}

type StagingConfig struct {
	Mode      string `yaml:"mode"` // local | upload
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`
}

type TTSConfig struct {
	URL            string `yaml:"url"`
	Voice          string `yaml:"voice"`
	Language       string `yaml:"language"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Presign   bool   `yaml:"presign"`
	// ExpiryHours is the lifetime of presigned links.
	ExpiryHours int `yaml:"expiry_hours"`
}

var AppConfig *Config

func Default() Config {
	var cfg Config
	cfg.Server.Port = ":8080"
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Worker.Concurrency = 1
	cfg.Worker.MaxRetry = 3
	cfg.Worker.TimeoutMinutes = 20
	cfg.ComfyUI = ComfyUIConfig{
		URL:            "http://127.0.0.1:8188",
		WaitMode:       "poll",
		TimeoutSeconds: 300,
		PollInterval:   2,
		RequestTimeout: 30,
	}
	cfg.Workflow = WorkflowConfig{
		Path:        "/workspace/workflows/ltx2_i2v_lipsync.json",
		PromptNode:  "6",
		ImageNode:   "10",
		AudioNode:   "12",
		SamplerNode: "20",
	}
	cfg.Staging = StagingConfig{
		Mode:      "local",
		InputDir:  "/workspace/input",
		OutputDir: "/workspace/output",
	}
	cfg.TTS = TTSConfig{
		Voice:          "default",
		Language:       "en",
		TimeoutSeconds: 60,
	}
	cfg.MinIO = MinIOConfig{
		Region:      "us-east-1",
		Presign:     true,
		ExpiryHours: 24,
	}
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the yaml file at path (skipped when empty) on top of Default and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InitConfig loads the configuration into AppConfig. A missing file at the default path
// is not an error, the service can be configured purely from the environment.
func InitConfig(path string) error {
	if path == DefaultPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

func (c *Config) Validate() error {
	switch c.ComfyUI.WaitMode {
	case "poll", "stream":
	default:
		return fmt.Errorf("comfyui.wait_mode must be poll or stream, got %q", c.ComfyUI.WaitMode)
	}
	switch c.Staging.Mode {
	case "local", "upload":
	default:
		return fmt.Errorf("staging.mode must be local or upload, got %q", c.Staging.Mode)
	}
	if c.ComfyUI.URL == "" {
		return errors.New("comfyui.url is required")
	}
	if c.ComfyUI.TimeoutSeconds <= 0 || c.ComfyUI.PollInterval <= 0 {
		return errors.New("comfyui timeouts must be positive")
	}
	if c.Workflow.Path == "" {
		return errors.New("workflow.path is required")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be positive")
	}
	return nil
}

// StorageEnabled reports whether artifacts go to object storage. Without a bucket the
// artifact is returned inline.
func (c *Config) StorageEnabled() bool {
	return c.MinIO.Bucket != ""
}

func (c ComfyUIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ComfyUIConfig) Interval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Port, "LTX_SERVER_PORT")
	overrideString(&cfg.MySQL.DSN, "LTX_MYSQL_DSN")
	overrideString(&cfg.Redis.Addr, "LTX_REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "LTX_REDIS_PASSWORD")
	overrideInt(&cfg.Worker.Concurrency, "LTX_WORKER_CONCURRENCY")
	overrideInt(&cfg.Worker.MaxRetry, "LTX_WORKER_MAX_RETRY")
	overrideInt(&cfg.Worker.TimeoutMinutes, "LTX_WORKER_TIMEOUT_MINUTES")
	overrideString(&cfg.ComfyUI.URL, "COMFYUI_URL")
	overrideString(&cfg.ComfyUI.WaitMode, "LTX_COMFYUI_WAIT_MODE")
	overrideInt(&cfg.ComfyUI.TimeoutSeconds, "LTX_COMFYUI_TIMEOUT_SECONDS")
	overrideInt(&cfg.ComfyUI.PollInterval, "LTX_COMFYUI_POLL_INTERVAL_SECONDS")
	overrideInt(&cfg.ComfyUI.RequestTimeout, "LTX_COMFYUI_REQUEST_TIMEOUT_SECONDS")
	overrideString(&cfg.ComfyUI.OutputDir, "LTX_COMFYUI_OUTPUT_DIR")
	overrideString(&cfg.Workflow.Path, "LTX_WORKFLOW_PATH")
	overrideString(&cfg.Staging.Mode, "LTX_STAGING_MODE")
	overrideString(&cfg.Staging.InputDir, "LTX_INPUT_DIR")
	overrideString(&cfg.Staging.OutputDir, "LTX_OUTPUT_DIR")
	overrideString(&cfg.TTS.URL, "LTX_TTS_URL")
	overrideString(&cfg.TTS.Voice, "LTX_TTS_VOICE")
	overrideString(&cfg.TTS.Language, "LTX_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.TimeoutSeconds, "LTX_TTS_TIMEOUT_SECONDS")
	overrideString(&cfg.MinIO.Bucket, "S3_BUCKET_NAME")
	overrideString(&cfg.MinIO.Endpoint, "S3_ENDPOINT_URL")
	overrideString(&cfg.MinIO.AccessKey, "AWS_ACCESS_KEY_ID")
	overrideString(&cfg.MinIO.SecretKey, "AWS_SECRET_ACCESS_KEY")
	overrideString(&cfg.MinIO.Region, "AWS_REGION")
	overrideBool(&cfg.MinIO.Presign, "LTX_S3_PRESIGN")
	overrideInt(&cfg.MinIO.ExpiryHours, "LTX_S3_EXPIRY_HOURS")
	overrideString(&cfg.Log.Level, "LTX_LOG_LEVEL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}
