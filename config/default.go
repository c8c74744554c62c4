package config

import (
	"fmt"
	"os"

	yaml3 "gopkg.in/yaml.v3"
)

// defaultConfig is the configuration applied when the external loader hands
// the layer nothing. Remote features stay off so an unconfigured injection
// is a pure passthrough.
var defaultConfig = `
proxyAddr: "127.0.0.1:40000"
diagAddr: ""
debug: false
outgoing:
  enabled: false
  remote: []
  ignoreLocalhost: true
dns:
  enabled: false
  remote: []
  fallback: "local"
  rewriteResolvConf: false
  serverAddr: ""
fs:
  enabled: false
  rules: []
`

// Default returns the built-in configuration.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml3.Unmarshal([]byte(defaultConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse built-in default config: %v", err)
	}
	return &cfg, nil
}

// Load reads the YAML file at path over the defaults. Fields absent from
// the file keep their default values.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %v", path, err)
	}
	if err := yaml3.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
