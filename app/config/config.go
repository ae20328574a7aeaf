package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

const defaultTemperature = 0.4

type Config struct {
	Log       Log       `yaml:"log"`
	API       API       `yaml:"api"`
	Assistant Assistant `yaml:"assistant"`
	Search    Search    `yaml:"search"`
	Server    Server    `yaml:"server"`
}

type API struct {
	// Base url of the listings backend, without the /api suffix
	BaseURL string `yaml:"base_url" example:"http://localhost:5000" validate:"required,url"`
	// Bearer token of the logged in user, usually ${MINI_APARTMENT_TOKEN}
	Token string `yaml:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.e30.abc"`
	// Per-request timeout
	Timeout time.Duration `yaml:"timeout" example:"10s" validate:"gt=0"`
}

type Assistant struct {
	// OpenAI compatible base url
	BaseURL string `yaml:"base_url" example:"https://openrouter.ai/api/v1" validate:"required,url"`
	// OpenAI compatible token
	Token string `yaml:"token" example:"sk-proj-abc123456789DEF789ghi012JKL345mno678PQR901stu234VWX" validate:"required"`
	// Model name
	Model string `yaml:"model" example:"google/gemini-2.5-flash" validate:"required"`
	// Sampling temperature, 0 gives deterministic extraction
	Temperature *float64 `yaml:"temperature" example:"0.4" validate:"required,gte=0,lte=2"`
	// Completion token limit
	MaxTokens int `yaml:"max_tokens" example:"800" validate:"gt=0"`
	// How many assistant requests are allowed per minute
	RequestsPerMinute int `yaml:"requests_per_minute" example:"20" validate:"gt=0"`
	// How many messages of the conversation are kept and sent to the model
	HistorySize int `yaml:"history_size" example:"20" validate:"gt=0"`
}

type Search struct {
	// Quiescence window before a filter change triggers a search
	Debounce time.Duration `yaml:"debounce" example:"500ms" validate:"gt=0"`
	// Ceiling used when the assistant suggests a zero max price
	DefaultMaxPrice int64 `yaml:"default_max_price" example:"20000000" validate:"gt=0"`
}

type Server struct {
	// Listen address of the local presentation API
	Listen string `yaml:"listen" example:"127.0.0.1:8090" validate:"required,hostname_port"`
}

type Log struct {
	// Console log level: debug, info, warn, error
	Level string `yaml:"level" example:"info" validate:"oneof=debug info warn error"`
	// Telegram logging config
	Telegram TelegramLog `yaml:"telegram"`
}

type TelegramLog struct {
	// Chat bot token, obtain it via BotFather
	Token string `yaml:"token" example:"1234567890:ABCdefGHIjklMNopQRstUVwxyZ-123456789"`
	// Chat ID to send messages to
	ChatID string `yaml:"chat_id" example:"1001234567890"`
}

// SamplingTemperature returns the configured temperature, or the default when unset.
func (a Assistant) SamplingTemperature() float64 {
	if a.Temperature == nil {
		return defaultTemperature
	}
	return *a.Temperature
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, oops.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands ${VAR} references from the environment, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var result Config

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &result); err != nil {
		return nil, oops.Errorf("failed to parse YAML config: %w", err)
	}

	applyDefaults(&result)

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(result); err != nil {
		return nil, oops.Errorf("failed to validate config: %w", err)
	}

	return &result, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:5000"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 10 * time.Second
	}
	if cfg.Assistant.Temperature == nil {
		temperature := defaultTemperature
		cfg.Assistant.Temperature = &temperature
	}
	if cfg.Assistant.MaxTokens == 0 {
		cfg.Assistant.MaxTokens = 800
	}
	if cfg.Assistant.RequestsPerMinute == 0 {
		cfg.Assistant.RequestsPerMinute = 20
	}
	if cfg.Assistant.HistorySize == 0 {
		cfg.Assistant.HistorySize = 20
	}
	if cfg.Search.Debounce == 0 {
		cfg.Search.Debounce = 500 * time.Millisecond
	}
	if cfg.Search.DefaultMaxPrice == 0 {
		cfg.Search.DefaultMaxPrice = 20_000_000
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8090"
	}
}
