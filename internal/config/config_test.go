package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.JWTSecret = "test-secret-at-least-16-chars!!"
	cfg.Encryption.Key = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	cfg.GitHub.ClientID = "client-id"
	cfg.GitHub.ClientSecret = "client-secret"
	cfg.GitHub.WebhookSecret = "hook-secret"
	return cfg
}

func TestDefaults_AreNotValidWithoutSecrets(t *testing.T) {
	err := Defaults().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "TOKEN_ENCRYPTION_KEY")
	assert.Contains(t, err.Error(), "GITHUB_WEBHOOK_SECRET")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "short jwt secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Pipeline.Workers = 0 }, wantErr: true},
		{name: "unknown generator", mutate: func(c *Config) { c.Generator.Mode = "gpt" }, wantErr: true},
		{name: "docker without image", mutate: func(c *Config) { c.Generator.Mode = "docker" }, wantErr: true},
		{
			name: "docker with image",
			mutate: func(c *Config) {
				c.Generator.Mode = "docker"
				c.Generator.Image = "ghcr.io/example/readme-gen:1"
				c.Generator.Command = []string{"readme-gen"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readmebot.yaml")
	yamlBody := `
port: 4000
public_url: https://bot.example.com
github:
  client_id: from-file
  timeout: 10s
pipeline:
  workers: 8
generator:
  mode: docker
  image: example/gen
  command: ["gen", "--stdin"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))

	t.Setenv("GITHUB_CLIENT_ID", "from-env")
	t.Setenv("PORT", "5000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port, "env overrides file")
	assert.Equal(t, "from-env", cfg.GitHub.ClientID)
	assert.Equal(t, 10*time.Second, cfg.GitHub.Timeout)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, []string{"gen", "--stdin"}, cfg.Generator.Command)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts, "unset fields keep defaults")
	assert.Equal(t, "https://bot.example.com/api/github/webhookhandler", cfg.WebhookURL())
	assert.Equal(t, "https://bot.example.com/auth/github/callback", cfg.CallbackURL())
}

func TestLoad_InvalidEnvNumber(t *testing.T) {
	t.Setenv("PORT", "eighty")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCallbackURL_ExplicitWins(t *testing.T) {
	cfg := Defaults()
	cfg.GitHub.CallbackURL = "https://elsewhere/cb"
	assert.Equal(t, "https://elsewhere/cb", cfg.CallbackURL())
}
