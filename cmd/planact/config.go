package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"goa.design/planact/features/questions"
	"goa.design/planact/runtime/agent/controller"
)

// providers lists the supported model backends.
var providers = []string{"openai", "anthropic", "bedrock", "replay"}

type (
	// Config is the resolved CLI configuration. Values come from flags, then
	// PLANACT_* environment variables, then planact.yaml, then defaults.
	Config struct {
		Provider        string
		Model           string
		MaxTokens       int
		Temperature     float64
		TokensPerMinute float64
		MaxIterations   int
		MaxAttempts     int
		Concurrency     int
		APIURL          string
		Username        string
		AgentCode       string
		TmpDir          string
		OnlyTask        string
		ToolCacheSize   int
		ToolTimeout     time.Duration
		OpenAIBaseURL   string
		AWSRegion       string
		ReplayFile      string
		Debug           bool
		MCP             MCPConfig
		Redis           RedisConfig
		Mongo           MongoConfig
	}

	// MCPConfig selects the MCP tool server. Command takes precedence over URL.
	MCPConfig struct {
		Command    string
		Args       []string
		URL        string
		Idempotent []string
	}

	// RedisConfig enables the shared rate limit budget and the persistent
	// answer store when Addr is set.
	RedisConfig struct {
		Addr     string
		Password string
		DB       int
	}

	// MongoConfig enables the persistent run log when URI is set.
	MongoConfig struct {
		URI      string
		Database string
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "openai")
	v.SetDefault("model", "gpt-4o")
	v.SetDefault("max_tokens", 4096)
	v.SetDefault("temperature", 0.0)
	v.SetDefault("tokens_per_minute", 0.0)
	v.SetDefault("max_iterations", controller.DefaultMaxIterations)
	v.SetDefault("max_attempts", controller.DefaultMaxAttempts)
	v.SetDefault("concurrency", 1)
	v.SetDefault("api_url", questions.DefaultBaseURL)
	v.SetDefault("username", "")
	v.SetDefault("agent_code", "")
	v.SetDefault("tmp_dir", "tmp")
	v.SetDefault("only_task", "")
	v.SetDefault("tool_cache_size", 256)
	v.SetDefault("tool_timeout", 2*time.Minute)
	v.SetDefault("openai.base_url", "")
	v.SetDefault("aws.region", "")
	v.SetDefault("replay.file", "")
	v.SetDefault("debug", false)
	v.SetDefault("mcp.command", "")
	v.SetDefault("mcp.args", []string{})
	v.SetDefault("mcp.url", "")
	v.SetDefault("mcp.idempotent", []string{"websearch", "transcribe_audio", "transcribe_video"})
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "planact")
}

// newViper returns a viper instance with defaults and environment binding.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PLANACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readConfigFile loads path, or planact.yaml from the working directory or
// $HOME/.config/planact when path is empty. A missing default file is not an
// error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("planact")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/planact")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadConfig resolves and validates the configuration held by v.
func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Provider:        strings.ToLower(v.GetString("provider")),
		Model:           v.GetString("model"),
		MaxTokens:       v.GetInt("max_tokens"),
		Temperature:     v.GetFloat64("temperature"),
		TokensPerMinute: v.GetFloat64("tokens_per_minute"),
		MaxIterations:   v.GetInt("max_iterations"),
		MaxAttempts:     v.GetInt("max_attempts"),
		Concurrency:     v.GetInt("concurrency"),
		APIURL:          v.GetString("api_url"),
		Username:        v.GetString("username"),
		AgentCode:       v.GetString("agent_code"),
		TmpDir:          v.GetString("tmp_dir"),
		OnlyTask:        v.GetString("only_task"),
		ToolCacheSize:   v.GetInt("tool_cache_size"),
		ToolTimeout:     v.GetDuration("tool_timeout"),
		OpenAIBaseURL:   v.GetString("openai.base_url"),
		AWSRegion:       v.GetString("aws.region"),
		ReplayFile:      v.GetString("replay.file"),
		Debug:           v.GetBool("debug"),
		MCP: MCPConfig{
			Command:    v.GetString("mcp.command"),
			Args:       v.GetStringSlice("mcp.args"),
			URL:        v.GetString("mcp.url"),
			Idempotent: v.GetStringSlice("mcp.idempotent"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Mongo: MongoConfig{
			URI:      v.GetString("mongo.uri"),
			Database: v.GetString("mongo.database"),
		},
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !slices.Contains(providers, c.Provider) {
		return fmt.Errorf("unknown provider %q, expected one of %s", c.Provider, strings.Join(providers, ", "))
	}
	if c.Provider == "replay" {
		if c.ReplayFile == "" {
			return errors.New("replay.file is required with the replay provider")
		}
	} else if c.Model == "" {
		return errors.New("model is required")
	}
	if c.MaxIterations < 1 {
		return errors.New("max_iterations must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.TokensPerMinute < 0 {
		return errors.New("tokens_per_minute must not be negative")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("mongo.database is required with mongo.uri")
	}
	return nil
}
