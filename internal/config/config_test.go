package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Panel: PanelSettings{
			URL:   "https://panel.example.com",
			Token: "panel-token",
		},
		API: APISettings{
			Token: "api-token",
		},
		Detection: DetectionSettings{
			TriggerCount:     5,
			ConcurrentWindow: 2,
		},
	}
}

func TestConfigValidate_Valid(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate_MissingPanelURL(t *testing.T) {
	cfg := validConfig()
	cfg.Panel.URL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panel.url")
}

func TestConfigValidate_MissingPanelToken(t *testing.T) {
	cfg := validConfig()
	cfg.Panel.Token = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panel.token")
}

func TestConfigValidate_MissingAPIToken(t *testing.T) {
	cfg := validConfig()
	cfg.API.Token = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.token")
}

func TestConfigValidate_InvalidTriggerCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		cfg := validConfig()
		cfg.Detection.TriggerCount = n
		assert.Error(t, cfg.Validate(), "trigger count %d should be invalid", n)
	}
}

func TestConfigValidate_DatabaseEnabledWithoutPath(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Enabled = true
	cfg.Database.Path = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestConfigValidate_NotifyEnabledWithoutURL(t *testing.T) {
	cfg := validConfig()
	cfg.Notify.Enabled = true
	cfg.Notify.WebhookURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify.webhook_url")
}

func TestConfigValidate_EnrichEnabledWithoutURL(t *testing.T) {
	cfg := validConfig()
	cfg.Enrich.Enabled = true
	cfg.Enrich.URL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrich.url")
}

func TestIsWhitelisted(t *testing.T) {
	cfg := validConfig()
	cfg.Whitelist = []string{"Alice@Example.com", "bob@example.com"}

	assert.True(t, cfg.IsWhitelisted("alice@example.com"))
	assert.True(t, cfg.IsWhitelisted("BOB@EXAMPLE.COM"))
	assert.False(t, cfg.IsWhitelisted("carol@example.com"))
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(orig)

	os.Setenv("FXSHARE_PANEL_URL", "https://panel.example.com")
	os.Setenv("FXSHARE_PANEL_TOKEN", "panel-token")
	os.Setenv("FXSHARE_API_TOKEN", "api-token")
	defer os.Unsetenv("FXSHARE_PANEL_URL")
	defer os.Unsetenv("FXSHARE_PANEL_TOKEN")
	defer os.Unsetenv("FXSHARE_API_TOKEN")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Ingest.BindAddr)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.BindAddr)
	assert.Equal(t, 5, cfg.Detection.TriggerCount)
	assert.Equal(t, 0, cfg.Detection.ClearHysteresisTicks)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "detectord.yaml")
	yaml := `
panel:
  url: "https://panel.example.com"
  token: "panel-token"
api:
  token: "api-token"
  bind_addr: "127.0.0.1:9090"
detection:
  trigger_count: 7
  clear_hysteresis_ticks: 3
`
	require.NoError(t, os.WriteFile(cfgFile, []byte(yaml), 0644))

	cfg, err := Load(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.API.BindAddr)
	assert.Equal(t, 7, cfg.Detection.TriggerCount)
	assert.Equal(t, 3, cfg.Detection.ClearHysteresisTicks)
}
