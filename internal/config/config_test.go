package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("X402_DATABASE_DSN", "postgres://localhost/x402")
	t.Setenv("X402_SETTLEMENT_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/x402", cfg.Database.DSN)
	assert.Equal(t, 7, cfg.Settlement.MaxAttempts)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{BackendHTTP}, cfg.Facilitator.Backends)
	assert.Equal(t, 15*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, ModeAsync, cfg.Settlement.Mode)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "x402d.yaml")
	content := `
database:
  dsn: postgres://db/x402
facilitator:
  backends: [cdp, http]
  cdp:
    key_id: kid
    key_secret: ksecret
settlement:
  mode: sync
  lock_timeout: 45s
chains:
  - network: solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1
    rpc_url: https://api.devnet.solana.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{BackendCDP, BackendHTTP}, cfg.Facilitator.Backends)
	assert.Equal(t, ModeSync, cfg.Settlement.Mode)
	assert.Equal(t, 45*time.Second, cfg.Settlement.LockTimeout)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", cfg.Chains[0].Network)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("X402_DATABASE_DSN=postgres://dotenv/x402\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("X402_DATABASE_DSN") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://dotenv/x402", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("X402_DATABASE_DSN", "postgres://localhost/x402")
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Facilitator.Backends = []string{"carrier-pigeon"}
	assert.ErrorContains(t, bad.Validate(), "unknown facilitator backend")

	bad = *cfg
	bad.Facilitator.Backends = []string{BackendCDP}
	assert.ErrorContains(t, bad.Validate(), "key_id")

	bad = *cfg
	bad.Database.DSN = ""
	bad.Settlement.Mode = "eventually"
	err = bad.Validate()
	assert.ErrorContains(t, err, "database.dsn")
	assert.ErrorContains(t, err, "settlement.mode")
}
