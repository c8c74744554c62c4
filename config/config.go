// Package config holds the static policy and wiring configuration the
// interception layer consumes. The rules are resolved once at startup by an
// external loader and treated as read-only input; nothing in the layer
// mutates them.
package config

import (
	"fmt"
	"net"
	"strings"
)

type Config struct {
	// ProxyAddr is the address of the local control channel to the proxy,
	// e.g. "127.0.0.1:40000" or a unix socket path.
	ProxyAddr string `json:"proxyAddr" yaml:"proxyAddr" mapstructure:"proxyAddr"`
	// DiagAddr is the unix datagram socket of the external log collector.
	// Empty disables the out-of-process sink.
	DiagAddr string `json:"diagAddr" yaml:"diagAddr" mapstructure:"diagAddr"`
	Debug    bool   `json:"debug" yaml:"debug" mapstructure:"debug"`

	Outgoing Outgoing `json:"outgoing" yaml:"outgoing" mapstructure:"outgoing"`
	DNS      DNS      `json:"dns" yaml:"dns" mapstructure:"dns"`
	FS       FS       `json:"fs" yaml:"fs" mapstructure:"fs"`
}

// Outgoing decides which connections are fulfilled remotely.
type Outgoing struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Remote lists host:port selectors; Port 0 matches any port and a
	// host may be an exact address or a CIDR.
	Remote []AddrRule `json:"remote" yaml:"remote" mapstructure:"remote"`
	// IgnoreLocalhost keeps loopback connections local even when a rule
	// would otherwise match.
	IgnoreLocalhost bool `json:"ignoreLocalhost" yaml:"ignoreLocalhost" mapstructure:"ignoreLocalhost"`
}

type AddrRule struct {
	Host string `json:"host" yaml:"host" mapstructure:"host"`
	Port uint16 `json:"port" yaml:"port" mapstructure:"port"`
}

// DNS configures the name resolution override.
type DNS struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Remote lists name selectors, exact ("api.internal") or
	// wildcard-suffix ("*.svc.cluster.local").
	Remote []string `json:"remote" yaml:"remote" mapstructure:"remote"`
	// Fallback is "error" or "local": what to do when remote resolution
	// fails. "error" surfaces the failure to the caller, "local" retries
	// with the local resolver.
	Fallback string `json:"fallback" yaml:"fallback" mapstructure:"fallback"`
	// RewriteResolvConf forces all resolution through the layer by
	// pointing resolv.conf at the proxy's DNS endpoint.
	RewriteResolvConf bool `json:"rewriteResolvConf" yaml:"rewriteResolvConf" mapstructure:"rewriteResolvConf"`
	// ServerAddr is the loopback address the layer's own DNS endpoint
	// binds for the rewrite, e.g. "127.0.0.53:53".
	ServerAddr string `json:"serverAddr" yaml:"serverAddr" mapstructure:"serverAddr"`
}

// FS configures file redirection. Rules are prefix matches on absolute
// paths. Mode restricts what the remote side will be asked to do.
type FS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Rules   []FSRule `json:"rules" yaml:"rules" mapstructure:"rules"`
}

type FSRule struct {
	PathPrefix string `json:"pathPrefix" yaml:"pathPrefix" mapstructure:"pathPrefix"`
	// Mode is "read" or "readwrite".
	Mode string `json:"mode" yaml:"mode" mapstructure:"mode"`
}

const (
	FSModeRead      = "read"
	FSModeReadWrite = "readwrite"

	DNSFallbackError = "error"
	DNSFallbackLocal = "local"
)

// Validate rejects configurations the layer cannot act on. It runs once at
// startup; a bad config aborts injection rather than running with
// partially-applied policy.
func (c *Config) Validate() error {
	if c.ProxyAddr == "" {
		return fmt.Errorf("proxyAddr is required")
	}
	switch c.DNS.Fallback {
	case "", DNSFallbackError, DNSFallbackLocal:
	default:
		return fmt.Errorf("invalid dns fallback %q, expected %q or %q", c.DNS.Fallback, DNSFallbackError, DNSFallbackLocal)
	}
	for _, r := range c.FS.Rules {
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return fmt.Errorf("fs rule path %q is not absolute", r.PathPrefix)
		}
		if r.Mode != FSModeRead && r.Mode != FSModeReadWrite {
			return fmt.Errorf("invalid fs rule mode %q for path %q", r.Mode, r.PathPrefix)
		}
	}
	for _, r := range c.Outgoing.Remote {
		if r.Host == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(r.Host); err == nil {
			continue
		}
		if ip := net.ParseIP(r.Host); ip != nil {
			continue
		}
		// bare hostnames are matched against resolved names at connect time
	}
	return nil
}
