package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

func TestResolveDriver(test *testing.T) {
	dir := test.TempDir()
	testCases := []struct {
		dsn      string
		driver   string
		location string
	}{
		{dsn: "postgres://user@localhost/coins", driver: driverPostgres, location: "postgres://user@localhost/coins"},
		{dsn: "postgresql://user@localhost/coins", driver: driverPostgres, location: "postgresql://user@localhost/coins"},
		{dsn: "redis://localhost:6379/0", driver: driverRedis, location: "redis://localhost:6379/0"},
		{dsn: "memory://", driver: driverMemory, location: ""},
		{dsn: "sqlite://" + filepath.Join(dir, "a", "coins.db"), driver: driverSQLite, location: filepath.Join(dir, "a", "coins.db")},
		{dsn: filepath.Join(dir, "plain.db"), driver: driverSQLite, location: filepath.Join(dir, "plain.db")},
	}
	for _, testCase := range testCases {
		driver, location, err := resolveDriver(testCase.dsn)
		require.NoError(test, err, testCase.dsn)
		assert.Equal(test, testCase.driver, driver, testCase.dsn)
		assert.Equal(test, testCase.location, location, testCase.dsn)
	}
}

func TestServeConfigFromFileAndEnv(test *testing.T) {
	configPath := filepath.Join(test.TempDir(), "coinledger.yaml")
	require.NoError(test, os.WriteFile(configPath, []byte(strings.Join([]string{
		"database-url: memory://",
		"stripe-webhook-secret: whsec_file",
		"jwt-signing-key: file-key",
		"signup-coins: 25",
		"allowed-origins:",
		"  - https://app.example.com",
		"metered-endpoints:",
		"  - name: summarize",
		"    cost: 3",
		"    upstream_url: https://llm.internal/summarize",
	}, "\n")), 0o600))
	test.Setenv("COINLEDGER_JWT_SIGNING_KEY", "env-key")

	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(test, err)
	require.NoError(test, serve.ParseFlags([]string{"--config", configPath, "--listen-addr", ":9999"}))

	cfg, err := loadConfig(serve)
	require.NoError(test, err)
	require.NoError(test, cfg.validateServe())
	assert.Equal(test, "memory://", cfg.DatabaseURL)
	assert.Equal(test, "whsec_file", cfg.StripeWebhookSecret)
	assert.Equal(test, "env-key", cfg.HTTP.JWTSigningKey)
	assert.Equal(test, ":9999", cfg.HTTP.ListenAddr)
	assert.Equal(test, ledger.Coins(25), cfg.HTTP.SignupCoins)
	assert.Equal(test, []string{"https://app.example.com"}, cfg.HTTP.AllowedOrigins)
	require.Len(test, cfg.HTTP.Endpoints, 1)
	assert.Equal(test, "summarize", cfg.HTTP.Endpoints[0].Name)
	assert.Equal(test, int64(3), cfg.HTTP.Endpoints[0].Cost)
	assert.Equal(test, ledger.DefaultStoreTimeout, cfg.StoreTimeout)
	assert.Equal(test, defaultRetention, cfg.Retention)
}

func TestServeRequiresWebhookSecret(test *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"serve", "--database-url", "memory://", "--jwt-signing-key", "k"})
	err := root.Execute()
	assert.ErrorIs(test, err, errMissingWebhookSecret)
}

func TestRejectsUnknownPostgresDriver(test *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"prune", "--database-url", "memory://", "--postgres-driver", "odbc"})
	err := root.Execute()
	require.Error(test, err)
	assert.Contains(test, err.Error(), "unsupported postgres driver")
}

func TestReconcileAndPruneOnSQLite(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "coinledger.db")
	cfg := &runtimeConfig{DatabaseURL: databaseURL, PostgresDriver: defaultPostgresDriver, StoreTimeout: time.Second, Retention: time.Hour}
	ctx := context.Background()
	store, driver, err := openStore(ctx, cfg)
	require.NoError(test, err)
	assert.Equal(test, driverSQLite, driver)

	old := time.Now().UTC().Add(-2 * time.Hour)
	for _, eventID := range []string{"evt_pending", "evt_failed", "evt_done"} {
		event, err := ledger.NewProcessedEvent(eventID, "checkout.session.completed", old)
		require.NoError(test, err)
		_, err = store.ReserveEvent(ctx, event)
		require.NoError(test, err)
	}
	require.NoError(test, store.RecordOutcome(ctx, ledger.EventOutcome{EventID: "evt_failed", Status: ledger.OutcomeFailed, Summary: "account missing", RecordedAt: old}))
	require.NoError(test, store.RecordOutcome(ctx, ledger.EventOutcome{EventID: "evt_done", Status: ledger.OutcomeApplied, RecordedAt: old}))
	require.NoError(test, store.Close())

	var output bytes.Buffer
	root := newRootCommand()
	root.SetOut(&output)
	root.SetArgs([]string{"reconcile", "--database-url", databaseURL})
	require.NoError(test, root.Execute())
	assert.Contains(test, output.String(), `"event_id":"evt_pending","event_type":"checkout.session.completed"`)
	assert.Contains(test, output.String(), `"outcome":"pending"`)
	assert.Contains(test, output.String(), `"outcome":"failed","summary":"account missing"`)
	assert.NotContains(test, output.String(), "evt_done")

	output.Reset()
	root = newRootCommand()
	root.SetOut(&output)
	root.SetArgs([]string{"prune", "--database-url", databaseURL, "--retention", "1h"})
	require.NoError(test, root.Execute())
	assert.Contains(test, output.String(), "pruned 3 events")
}

func TestCloseGormDBReleasesTheConnectionPool(test *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "closed.db")), &gorm.Config{})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	require.NoError(test, sqlDB.Ping())

	closeGormDB(db)
	assert.Error(test, sqlDB.Ping())
}
