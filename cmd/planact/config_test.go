package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/planact/features/questions"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newViper())
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, 30, cfg.MaxIterations)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, questions.DefaultBaseURL, cfg.APIURL)
	assert.Equal(t, 2*time.Minute, cfg.ToolTimeout)
	assert.Equal(t, "planact", cfg.Mongo.Database)
	assert.Contains(t, cfg.MCP.Idempotent, "websearch")
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PLANACT_PROVIDER", "Anthropic")
	t.Setenv("PLANACT_MODEL", "claude-sonnet")
	t.Setenv("PLANACT_REDIS_ADDR", "localhost:6379")
	t.Setenv("PLANACT_MCP_ARGS", "server.py --verbose")
	t.Setenv("PLANACT_CONCURRENCY", "4")

	cfg, err := loadConfig(newViper())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-sonnet", cfg.Model)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"server.py", "--verbose"}, cfg.MCP.Args)
	assert.Equal(t, 4, cfg.Concurrency)
}

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planact.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: replay
replay:
  file: script.yaml
max_iterations: 12
mcp:
  command: python
  args: [tools.py]
mongo:
  uri: mongodb://localhost:27017
`), 0o600))

	v := newViper()
	require.NoError(t, readConfigFile(v, path))
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "replay", cfg.Provider)
	assert.Equal(t, "script.yaml", cfg.ReplayFile)
	assert.Equal(t, 12, cfg.MaxIterations)
	assert.Equal(t, "python", cfg.MCP.Command)
	assert.Equal(t, []string{"tools.py"}, cfg.MCP.Args)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
}

func TestReadConfigFileMissing(t *testing.T) {
	err := readConfigFile(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Provider: "openai", Model: "gpt-4o", MaxIterations: 30, MaxAttempts: 2, Concurrency: 1}
	require.NoError(t, valid.validate())

	cases := map[string]func(*Config){
		"unknown provider":  func(c *Config) { c.Provider = "llama" },
		"missing model":     func(c *Config) { c.Model = "" },
		"replay no file":    func(c *Config) { c.Provider = "replay" },
		"zero iterations":   func(c *Config) { c.MaxIterations = 0 },
		"zero attempts":     func(c *Config) { c.MaxAttempts = 0 },
		"zero concurrency":  func(c *Config) { c.Concurrency = 0 },
		"negative tpm":      func(c *Config) { c.TokensPerMinute = -1 },
		"mongo no database": func(c *Config) { c.Mongo.URI = "mongodb://x" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.validate())
		})
	}
}
