package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "parallel", cfg.Collection.Mode)
	assert.Equal(t, 30, cfg.Collection.TickSeconds)
	assert.Equal(t, len(KnownExchanges), len(cfg.Enabled("")))
	assert.Equal(t, 30, cfg.Historical.Days)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
collection:
  mode: sequential
  tick_seconds: 60
exchanges:
  binance:
    enabled: false
api:
  port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sequential", cfg.Collection.Mode)
	assert.Equal(t, 60, cfg.Collection.TickSeconds)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.NotContains(t, cfg.Enabled(""), "binance")
}

func TestLoadRejectsUnknownExchange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exchanges:\n  ftx:\n    enabled: true\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestDatabaseDSNFromEnvironmentOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	// A DSN in the file must not survive; credentials come from the process
	// environment.
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dsn: postgres://file-user@host/db\n"), 0o644))

	t.Setenv("DATABASE_URL", "postgres://env-user@host/db")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-user@host/db", cfg.Database.DSN)
}

func TestDatabaseDSNPostgresFallback(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_DSN", "postgres://fallback@host/db")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://fallback@host/db", cfg.Database.DSN)
}

func TestEnabledFilterCSV(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	got := cfg.Enabled(" Binance , okx ")
	assert.Equal(t, []string{"binance", "okx"}, got)
}

func TestKrakenFundingIsAbsoluteDefaultsTrue(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.KrakenFundingIsAbsolute())

	off := false
	cfg.Exchanges["krakenf"] = ExchangeConfig{Enabled: true, FundingIsAbsolute: &off}
	assert.False(t, cfg.KrakenFundingIsAbsolute())
}

func TestValidateScheduleOffsets(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	cfg.Collection.Schedule = []ScheduleEntry{{Exchange: "binance", OffsetSeconds: -1}}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}
