package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/coinledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/webhook"
)

const (
	envPrefix = "COINLEDGER"

	flagConfig              = "config"
	flagDatabaseURL         = "database-url"
	flagPostgresDriver      = "postgres-driver"
	flagListenAddr          = "listen-addr"
	flagGRPCHealthAddr      = "grpc-health-addr"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeAPIKey        = "stripe-api-key"
	flagWebhookTolerance    = "webhook-tolerance"
	flagStoreTimeout        = "store-timeout"
	flagSignupCoins         = "signup-coins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagAllowedOrigins      = "allowed-origins"
	flagRetention           = "retention"
	flagMeteredEndpoints    = "metered-endpoints"
	flagOlderThan           = "older-than"
	flagLimit               = "limit"

	defaultDatabaseURL    = "sqlite:///tmp/coinledger.db"
	defaultListenAddr     = ":8080"
	defaultRetention      = 30 * 24 * time.Hour
	defaultOlderThan      = 5 * time.Minute
	postgresDriverGorm    = "gorm"
	postgresDriverPGX     = "pgx"
	defaultPostgresDriver = postgresDriverGorm
)

var errMissingWebhookSecret = errors.New("stripe webhook secret is required")

// runtimeConfig is the merged view of flags, environment and the optional config file.
type runtimeConfig struct {
	DatabaseURL         string
	PostgresDriver      string
	GRPCHealthAddr      string
	StripeWebhookSecret string
	StripeAPIKey        string
	WebhookTolerance    time.Duration
	StoreTimeout        time.Duration
	Retention           time.Duration
	HTTP                httpapi.Config
}

func bindPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional YAML config file")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres://, sqlite://, redis:// or memory:// URL")
	flags.String(flagPostgresDriver, defaultPostgresDriver, "postgres access layer: gorm or pgx")
	flags.Duration(flagStoreTimeout, ledger.DefaultStoreTimeout, "timeout for each store call")
	flags.Duration(flagRetention, defaultRetention, "how long processed event ids are kept")
}

func bindServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagGRPCHealthAddr, "", "gRPC health listen address (disabled when empty)")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.String(flagStripeAPIKey, "", "Stripe secret key used to look up coins on prices")
	flags.Duration(flagWebhookTolerance, webhook.DefaultTolerance, "accepted webhook timestamp skew")
	flags.Int64(flagSignupCoins, ledger.DefaultSignupCoins.Int64(), "coins granted when an account is opened")
	flags.String(flagJWTSigningKey, "", "HS256 key for bearer tokens")
	flags.String(flagJWTIssuer, "", "expected bearer token issuer")
	flags.String(flagSessionSigningKey, "", "tauth session signing key")
	flags.String(flagSessionIssuer, "", "tauth session issuer")
	flags.String(flagSessionCookieName, "", "tauth session cookie name")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagMeteredEndpoints, "", "comma-separated name:cost:url metered endpoints")
}

// newViper merges, lowest first: flag defaults, config file, environment, explicit flags.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if configPath, _ := cmd.Flags().GetString(flagConfig); configPath != "" {
		settings.SetConfigFile(configPath)
		if err := settings.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	return settings, nil
}

func loadConfig(cmd *cobra.Command) (*runtimeConfig, error) {
	settings, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	cfg := &runtimeConfig{
		DatabaseURL:         strings.TrimSpace(settings.GetString(flagDatabaseURL)),
		PostgresDriver:      strings.ToLower(strings.TrimSpace(settings.GetString(flagPostgresDriver))),
		GRPCHealthAddr:      strings.TrimSpace(settings.GetString(flagGRPCHealthAddr)),
		StripeWebhookSecret: strings.TrimSpace(settings.GetString(flagStripeWebhookSecret)),
		StripeAPIKey:        strings.TrimSpace(settings.GetString(flagStripeAPIKey)),
		WebhookTolerance:    settings.GetDuration(flagWebhookTolerance),
		StoreTimeout:        settings.GetDuration(flagStoreTimeout),
		Retention:           settings.GetDuration(flagRetention),
		HTTP: httpapi.Config{
			ListenAddr:        settings.GetString(flagListenAddr),
			AllowedOrigins:    readOrigins(settings),
			SessionSigningKey: settings.GetString(flagSessionSigningKey),
			SessionIssuer:     settings.GetString(flagSessionIssuer),
			SessionCookieName: settings.GetString(flagSessionCookieName),
			JWTSigningKey:     settings.GetString(flagJWTSigningKey),
			JWTIssuer:         settings.GetString(flagJWTIssuer),
			SignupCoins:       ledger.Coins(settings.GetInt64(flagSignupCoins)),
		},
	}
	endpoints, err := readEndpoints(settings)
	if err != nil {
		return nil, err
	}
	cfg.HTTP.Endpoints = endpoints
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.PostgresDriver == "" {
		cfg.PostgresDriver = defaultPostgresDriver
	}
	if cfg.PostgresDriver != postgresDriverGorm && cfg.PostgresDriver != postgresDriverPGX {
		return nil, fmt.Errorf("unsupported postgres driver %q", cfg.PostgresDriver)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = ledger.DefaultStoreTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return cfg, nil
}

// validateServe checks the settings only the HTTP server needs.
func (cfg *runtimeConfig) validateServe() error {
	if cfg.StripeWebhookSecret == "" {
		return errMissingWebhookSecret
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = webhook.DefaultTolerance
	}
	return cfg.HTTP.Validate()
}

func readOrigins(settings *viper.Viper) []string {
	switch value := settings.Get(flagAllowedOrigins).(type) {
	case []any, []string:
		return settings.GetStringSlice(flagAllowedOrigins)
	case string:
		return httpapi.ParseAllowedOrigins(value)
	default:
		return nil
	}
}

// readEndpoints accepts the compact string form from flags and env, or a list of
// {name, cost, upstream_url} maps from the config file.
func readEndpoints(settings *viper.Viper) ([]httpapi.MeteredEndpoint, error) {
	switch value := settings.Get(flagMeteredEndpoints).(type) {
	case nil:
		return nil, nil
	case string:
		return httpapi.ParseMeteredEndpoints(value)
	default:
		var endpoints []httpapi.MeteredEndpoint
		if err := settings.UnmarshalKey(flagMeteredEndpoints, &endpoints); err != nil {
			return nil, fmt.Errorf("metered endpoints: %w", err)
		}
		return endpoints, nil
	}
}
