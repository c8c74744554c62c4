package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsPurePassthrough(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:40000", cfg.ProxyAddr)
	assert.False(t, cfg.Outgoing.Enabled)
	assert.False(t, cfg.DNS.Enabled)
	assert.False(t, cfg.FS.Enabled)
	assert.True(t, cfg.Outgoing.IgnoreLocalhost)
	assert.Equal(t, DNSFallbackLocal, cfg.DNS.Fallback)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Outgoing.Enabled)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
proxyAddr: "/run/mirrord/proxy.sock"
outgoing:
  enabled: true
  remote:
    - host: "10.0.0.0/8"
    - host: "198.51.100.7"
      port: 443
dns:
  enabled: true
  remote: ["api.internal", "*.svc.cluster.local"]
  fallback: "error"
fs:
  enabled: true
  rules:
    - pathPrefix: "/app"
      mode: "readwrite"
    - pathPrefix: "/var/data"
      mode: "read"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/run/mirrord/proxy.sock", cfg.ProxyAddr)
	require.Len(t, cfg.Outgoing.Remote, 2)
	assert.Equal(t, uint16(443), cfg.Outgoing.Remote[1].Port)
	// Fields absent from the file keep their defaults.
	assert.True(t, cfg.Outgoing.IgnoreLocalhost)
	assert.Equal(t, DNSFallbackError, cfg.DNS.Fallback)
	require.Len(t, cfg.FS.Rules, 2)
	assert.Equal(t, FSModeRead, cfg.FS.Rules[1].Mode)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsUnparsableYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "proxyAddr: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"missing proxy address",
			func(c *Config) { c.ProxyAddr = "" },
			"proxyAddr is required",
		},
		{
			"bad dns fallback",
			func(c *Config) { c.DNS.Fallback = "retry" },
			"invalid dns fallback",
		},
		{
			"relative fs rule path",
			func(c *Config) { c.FS.Rules = []FSRule{{PathPrefix: "app", Mode: FSModeRead}} },
			"is not absolute",
		},
		{
			"bad fs rule mode",
			func(c *Config) { c.FS.Rules = []FSRule{{PathPrefix: "/app", Mode: "append"}} },
			"invalid fs rule mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
