// Package config holds the service configuration and its layered loader.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iuriikogan/rlm-sandbox/internal/client"
)

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Driver   ModelConfig   `yaml:"driver"`
	SubModel ModelConfig   `yaml:"sub_model"`
	Session  SessionConfig `yaml:"session"`
	Store    StoreConfig   `yaml:"store"`
	Log      LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelConfig selects a completion backend. An empty sub_model backend
// reuses the driver settings. An empty model means the backend's default.
type ModelConfig struct {
	Backend string        `yaml:"backend"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	MaxIterations         int           `yaml:"max_iterations"`
	MaxFinalRetries       int           `yaml:"max_final_retries"`
	MaxProductiveTurns    int           `yaml:"max_productive_turns"`
	AnswerVariable        string        `yaml:"answer_variable"`
	ExecTimeout           time.Duration `yaml:"exec_timeout"`
	OutputLimit           int           `yaml:"output_limit"`
	SubModelFailureBudget int           `yaml:"sub_model_failure_budget"`
	SubModelRetries       uint64        `yaml:"sub_model_retries"`
	SubModelConcurrency   int           `yaml:"sub_model_concurrency"`
}

type StoreConfig struct {
	// Path of the SQLite database. Empty disables persistence.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Driver: ModelConfig{
			Backend: client.BackendGemini,
			Timeout: 2 * time.Minute,
		},
		Session: SessionConfig{
			MaxIterations:         10,
			MaxFinalRetries:       3,
			AnswerVariable:        "answer",
			ExecTimeout:           30 * time.Second,
			OutputLimit:           1 << 20,
			SubModelFailureBudget: 3,
			SubModelRetries:       2,
			SubModelConcurrency:   4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SubModelOrDriver returns the sub-model settings, falling back to the
// driver's for anything left unset.
func (c *Config) SubModelOrDriver() ModelConfig {
	sub := c.SubModel
	if sub.Backend == "" {
		return c.Driver
	}
	if sub.Timeout == 0 {
		sub.Timeout = c.Driver.Timeout
	}
	if sub.APIKey == "" && strings.EqualFold(sub.Backend, c.Driver.Backend) {
		sub.APIKey = c.Driver.APIKey
	}
	return sub
}

// ClientConfig converts m to the client package settings.
func (m ModelConfig) ClientConfig() client.Config {
	return client.Config{
		Backend: m.Backend,
		Model:   m.Model,
		APIKey:  m.APIKey,
		BaseURL: m.BaseURL,
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	errs = append(errs, validateModel("driver", c.Driver)...)
	if c.SubModel.Backend != "" {
		errs = append(errs, validateModel("sub_model", c.SubModel)...)
	}

	s := c.Session
	if s.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("session.max_iterations must be at least 1, got %d", s.MaxIterations))
	}
	if s.MaxFinalRetries < 1 {
		errs = append(errs, fmt.Errorf("session.max_final_retries must be at least 1, got %d", s.MaxFinalRetries))
	}
	if s.MaxProductiveTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_productive_turns must not be negative, got %d", s.MaxProductiveTurns))
	}
	if s.AnswerVariable == "" {
		errs = append(errs, errors.New("session.answer_variable is required"))
	}
	if s.ExecTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.exec_timeout must be positive, got %s", s.ExecTimeout))
	}
	if s.SubModelFailureBudget < 0 {
		errs = append(errs, fmt.Errorf("session.sub_model_failure_budget must not be negative, got %d", s.SubModelFailureBudget))
	}
	if s.SubModelConcurrency < 1 {
		errs = append(errs, fmt.Errorf("session.sub_model_concurrency must be at least 1, got %d", s.SubModelConcurrency))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func validateModel(section string, m ModelConfig) []error {
	var errs []error
	switch strings.ToLower(m.Backend) {
	case client.BackendGemini, client.BackendOllama, client.BackendOpenAI:
	default:
		errs = append(errs, fmt.Errorf("%s.backend must be one of gemini, ollama, openai, got %q", section, m.Backend))
	}
	if m.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative", section))
	}
	return errs
}
