package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration from, in increasing precedence:
//  1. Built-in defaults
//  2. YAML file (explicit path, RLM_CONFIG env, ./config.yaml)
//  3. Environment, including variables from a .env file (RLM_ENV_FILE or
//     ./.env); variables already set in the process win over the file
//
// and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	if path := discoverConfigFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func loadDotEnv() error {
	path := os.Getenv("RLM_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("RLM_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// loadYAMLFile decodes path over cfg; fields absent from the file keep their
// current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	// Variables the server has always read.
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if strings.EqualFold(cfg.Driver.Backend, "gemini") {
		if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Driver.APIKey == "" {
			cfg.Driver.APIKey = v
		}
		if v := os.Getenv("GEMINI_MODEL_NAME"); v != "" {
			cfg.Driver.Model = v
		}
	}

	setString(&cfg.Driver.Backend, "RLM_DRIVER_BACKEND")
	setString(&cfg.Driver.Model, "RLM_DRIVER_MODEL")
	setString(&cfg.Driver.APIKey, "RLM_DRIVER_API_KEY")
	setString(&cfg.Driver.BaseURL, "RLM_DRIVER_BASE_URL")
	setString(&cfg.SubModel.Backend, "RLM_SUB_MODEL_BACKEND")
	setString(&cfg.SubModel.Model, "RLM_SUB_MODEL_MODEL")
	setString(&cfg.SubModel.APIKey, "RLM_SUB_MODEL_API_KEY")
	setString(&cfg.SubModel.BaseURL, "RLM_SUB_MODEL_BASE_URL")
	setString(&cfg.Session.AnswerVariable, "RLM_ANSWER_VARIABLE")
	setString(&cfg.Store.Path, "RLM_STORE_PATH")
	setString(&cfg.Log.Level, "RLM_LOG_LEVEL")
	setString(&cfg.Log.Format, "RLM_LOG_FORMAT")

	var errs []error
	errs = append(errs,
		setInt(&cfg.Session.MaxIterations, "RLM_MAX_ITERATIONS"),
		setInt(&cfg.Session.MaxFinalRetries, "RLM_MAX_FINAL_RETRIES"),
		setInt(&cfg.Session.MaxProductiveTurns, "RLM_MAX_PRODUCTIVE_TURNS"),
		setInt(&cfg.Session.SubModelFailureBudget, "RLM_SUB_MODEL_FAILURE_BUDGET"),
		setDuration(&cfg.Session.ExecTimeout, "RLM_EXEC_TIMEOUT"),
		setDuration(&cfg.Driver.Timeout, "RLM_DRIVER_TIMEOUT"),
	)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Driver.APIKey != "" {
		c.Driver.APIKey = "****"
	}
	if c.SubModel.APIKey != "" {
		c.SubModel.APIKey = "****"
	}
	return c
}

// YAML renders the configuration as a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
