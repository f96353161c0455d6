// Package config loads and validates the frozen Config value used by the rest of the fallback
// proxy. Configuration is loaded from an INI-shaped file with a single [Proxy] section (see
// spec.md §6) layered over hard-coded defaults. cmd/dnsfallbackd applies its command-line
// overrides to the loaded value at startup; after that the Config is never mutated again - every
// consumer takes it by value or by read-only pointer.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ResolverEndpoint identifies one upstream resolver. Identity is (Host, Port); Name is purely
// cosmetic and used in logs and the dashboard's metrics snapshot.
type ResolverEndpoint struct {
	Host string
	Port string
	Name string
}

// Addr returns the dial/sendto address for this endpoint, wrapping literal IPv6 hosts in brackets.
func (e ResolverEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func (e ResolverEndpoint) String() string {
	if len(e.Name) > 0 {
		return e.Name + "(" + e.Addr() + ")"
	}
	return e.Addr()
}

// Config is the frozen, process-lifetime configuration. All fields are set by Load() (or directly
// by tests), adjusted by command-line overrides at startup, and never modified afterwards.
type Config struct {
	ListenAddress string
	DNSPort       string

	Primary   ResolverEndpoint
	Fallbacks []ResolverEndpoint

	BufferSize      int
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration

	ProbeInterval time.Duration
	ProbeDomains  []string

	WorkerPoolSize int

	LearnedBypassEnabled    bool
	LearnedBypassMaxEntries int
	FailureThreshold        int
	BypassDuration          time.Duration

	DedupeEnabled bool

	StructuredLogging bool
	LogFile           string
	PIDFile           string
}

// Endpoints returns the full ordered resolver list: index 0 is always the primary.
func (c *Config) Endpoints() []ResolverEndpoint {
	out := make([]ResolverEndpoint, 0, 1+len(c.Fallbacks))
	out = append(out, c.Primary)
	out = append(out, c.Fallbacks...)
	return out
}

// defaults mirror spec.md §3's documented defaults.
var defaults = map[string]interface{}{
	"proxy.listen_address":            "0.0.0.0",
	"proxy.dns_port":                  "53",
	"proxy.buffer_size":               4096,
	"proxy.max_workers":               50,
	"proxy.unbound_timeout":           1.5,
	"proxy.fallback_timeout":          3.0,
	"proxy.health_check_interval":     10,
	"proxy.health_check_domains":      "example.com,example.net",
	"proxy.intelligent_caching":       true,
	"proxy.max_domain_cache":          1000,
	"proxy.fallback_threshold":        3,
	"proxy.bypass_duration":           3600,
	"proxy.enable_query_deduplication": true,
	"proxy.structured_logging":        false,
	"proxy.log_file":                  "",
	"proxy.pid_file":                  "/var/run/dnsfallbackd.pid",
}

// Load reads the INI-shaped config file at path (section [Proxy]) and returns a fully populated,
// validated, frozen Config. An empty path loads defaults only; since primary_dns has no default,
// Load then returns an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("ini")

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if len(path) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg := &Config{}

	cfg.ListenAddress = v.GetString("proxy.listen_address")
	cfg.DNSPort = v.GetString("proxy.dns_port")
	cfg.BufferSize = v.GetInt("proxy.buffer_size")
	cfg.WorkerPoolSize = v.GetInt("proxy.max_workers")
	cfg.PrimaryTimeout = durationFromSeconds(v.GetFloat64("proxy.unbound_timeout"))
	cfg.FallbackTimeout = durationFromSeconds(v.GetFloat64("proxy.fallback_timeout"))
	cfg.ProbeInterval = time.Duration(v.GetInt("proxy.health_check_interval")) * time.Second
	cfg.ProbeDomains = splitAndTrim(v.GetString("proxy.health_check_domains"))
	cfg.LearnedBypassEnabled = v.GetBool("proxy.intelligent_caching")
	cfg.LearnedBypassMaxEntries = v.GetInt("proxy.max_domain_cache")
	cfg.FailureThreshold = v.GetInt("proxy.fallback_threshold")
	cfg.BypassDuration = time.Duration(v.GetInt("proxy.bypass_duration")) * time.Second
	cfg.DedupeEnabled = v.GetBool("proxy.enable_query_deduplication")
	cfg.StructuredLogging = v.GetBool("proxy.structured_logging")
	cfg.LogFile = v.GetString("proxy.log_file")
	cfg.PIDFile = v.GetString("proxy.pid_file")

	primaryRaw := v.GetString("proxy.primary_dns")
	if len(primaryRaw) == 0 {
		return nil, errors.New("config: primary_dns is required")
	}
	var err error
	cfg.Primary, err = parseEndpoint(primaryRaw, cfg.DNSPort, "primary")
	if err != nil {
		return nil, err
	}

	for i, raw := range splitAndTrim(v.GetString("proxy.fallback_dns_servers")) {
		ep, err := parseEndpoint(raw, cfg.DNSPort, fmt.Sprintf("fallback-%d", i))
		if err != nil {
			return nil, err
		}
		cfg.Fallbacks = append(cfg.Fallbacks, ep)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func splitAndTrim(s string) []string {
	if len(s) == 0 {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// parseEndpoint accepts "host", "host:port" or "[ipv6]:port" and applies defaultPort when no port
// is present.
func parseEndpoint(raw, defaultPort, name string) (ResolverEndpoint, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return ResolverEndpoint{}, fmt.Errorf("config: empty resolver address for %s", name)
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		host = strings.Trim(raw, "[]")
		port = defaultPort
	}

	return ResolverEndpoint{Host: host, Port: port, Name: name}, nil
}

func validate(cfg *Config) error {
	if cfg.BufferSize < 4096 {
		return errors.New("config: buffer_size must be >= 4096")
	}
	if cfg.WorkerPoolSize < 1 {
		return errors.New("config: max_workers must be >= 1")
	}
	if len(cfg.ProbeDomains) == 0 {
		return errors.New("config: health_check_domains must name at least one domain")
	}
	if cfg.FailureThreshold < 1 {
		return errors.New("config: fallback_threshold must be >= 1")
	}
	if cfg.LearnedBypassMaxEntries < 1 {
		return errors.New("config: max_domain_cache must be >= 1")
	}
	return nil
}
