package httpapi

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	defaultListenAddr      = ":8080"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultJWTIssuer       = "coinledger"
	defaultRequestTimeout  = 10 * time.Second
	defaultUpstreamTimeout = 30 * time.Second
	endpointFieldCount     = 3
)

// MeteredEndpoint is one upstream call sold for a fixed number of coins.
type MeteredEndpoint struct {
	Name        string `mapstructure:"name"`
	Cost        int64  `mapstructure:"cost"`
	UpstreamURL string `mapstructure:"upstream_url"`
}

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	JWTSigningKey     string
	JWTIssuer         string
	SignupCoins       ledger.Coins
	RequestTimeout    time.Duration
	UpstreamTimeout   time.Duration
	Endpoints         []MeteredEndpoint
}

// Validate fills defaults and rejects configurations that cannot authenticate or meter.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.SignupCoins < 0 {
		return fmt.Errorf("signup coins must not be negative")
	}
	if strings.TrimSpace(cfg.SessionSigningKey) == "" && strings.TrimSpace(cfg.JWTSigningKey) == "" {
		return fmt.Errorf("session signing key or jwt signing key is required")
	}
	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for index, endpoint := range cfg.Endpoints {
		name := strings.TrimSpace(endpoint.Name)
		if name == "" {
			return fmt.Errorf("metered endpoint %d: name is required", index)
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("metered endpoint %q: duplicate name", name)
		}
		seen[name] = struct{}{}
		if endpoint.Cost <= 0 {
			return fmt.Errorf("metered endpoint %q: cost must be greater than zero", name)
		}
		parsed, err := url.Parse(strings.TrimSpace(endpoint.UpstreamURL))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("metered endpoint %q: upstream url must be absolute", name)
		}
		cfg.Endpoints[index].Name = name
		cfg.Endpoints[index].UpstreamURL = parsed.String()
	}
	return nil
}

func (cfg Config) endpoint(name string) (MeteredEndpoint, bool) {
	for _, endpoint := range cfg.Endpoints {
		if endpoint.Name == name {
			return endpoint, true
		}
	}
	return MeteredEndpoint{}, false
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseMeteredEndpoints reads the compact "name:cost:url" list used in flags and
// environment variables, for example "summarize:3:https://llm.internal/summarize".
func ParseMeteredEndpoints(raw string) ([]MeteredEndpoint, error) {
	var endpoints []MeteredEndpoint
	for _, item := range ParseAllowedOrigins(raw) {
		fields := strings.SplitN(item, ":", endpointFieldCount)
		if len(fields) != endpointFieldCount {
			return nil, fmt.Errorf("metered endpoint %q: expected name:cost:url", item)
		}
		cost, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("metered endpoint %q: invalid cost: %w", item, err)
		}
		endpoints = append(endpoints, MeteredEndpoint{
			Name:        strings.TrimSpace(fields[0]),
			Cost:        cost,
			UpstreamURL: strings.TrimSpace(fields[2]),
		})
	}
	return endpoints, nil
}
