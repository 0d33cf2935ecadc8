package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"LendLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database_url: postgres://file/db
nats_url: nats://file:4222
persist_flush_timeout: 25ms
oracle: static
oracle_max_confidence: "2%"
authority: 8f14e45f-ceea-467f-a5d6-1c3b1f0e9a01
pools:
  - asset: sol
    decimals: 9
    feed_id: ef0d8b6f
    max_ltv: "0.75"
    liquidation_threshold: "0.80"
    liquidation_bonus: "0.05"
    close_factor: "50%"
    interest_rate: "0.05"
  - asset: USDC
    decimals: 6
    feed_id: eaa020c6
    max_ltv: "0.8"
    liquidation_threshold: "0.85"
    liquidation_bonus: "0.05"
    close_factor: "0.5"
    interest_rate: "0.05"
    rate_model: kinked
    optimal_utilization: "0.8"
    slope1: "0.04"
    slope2: "0.75"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lendledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEND_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().GRPCAddr, cfg.GRPCAddr)
	assert.Equal(t, OracleRedis, cfg.Oracle)
	assert.Equal(t, int64(100), cfg.OracleMaxAge)
	assert.Equal(t, int64(30), cfg.IngestMaxClockSkew)
	assert.Empty(t, cfg.Pools)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Setenv("LEND_CONFIG", writeConfig(t, sampleYAML))
	t.Setenv("LEND_NATS_URL", "nats://env:4222")
	t.Setenv("LEND_PERSIST_BATCH_SIZE", "200")
	t.Setenv("LEND_INGEST_MAX_CLOCK_SKEW", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/db", cfg.DatabaseURL)
	assert.Equal(t, "nats://env:4222", cfg.NATSURL, "environment wins over file")
	assert.Equal(t, 200, cfg.PersistBatchSize)
	assert.Equal(t, int64(5), cfg.IngestMaxClockSkew)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, OracleStatic, cfg.Oracle)
	assert.Equal(t, uint64(200), cfg.OracleMaxConfidenceBps)
	assert.Equal(t, "8f14e45f-ceea-467f-a5d6-1c3b1f0e9a01", cfg.Authority.String())

	require.Len(t, cfg.Pools, 2)
	sol := cfg.Pools[0]
	assert.Equal(t, "SOL", sol.Asset)
	assert.Equal(t, uint8(9), sol.Decimals)
	assert.Equal(t, state.RiskParams{
		MaxLTV:                 7_500,
		LiquidationThreshold:   8_000,
		LiquidationBonus:       500,
		LiquidationCloseFactor: 5_000,
		InterestRate:           500,
		RateModel:              state.RateModelFixed,
	}, sol.Params)

	usdc := cfg.Pools[1]
	assert.Equal(t, state.RateModelKinked, usdc.Params.RateModel)
	assert.Equal(t, uint64(8_000), usdc.Params.OptimalUtilization)
	assert.Equal(t, uint64(400), usdc.Params.Slope1)
	assert.Equal(t, uint64(7_500), usdc.Params.Slope2)
}

func TestLoad_RejectsBadPools(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"ltv above threshold", `
pools:
  - {asset: SOL, feed_id: f, max_ltv: "0.9", liquidation_threshold: "0.8", close_factor: "0.5"}
`},
		{"sub-bps precision", `
pools:
  - {asset: SOL, feed_id: f, max_ltv: "0.75001", liquidation_threshold: "0.8", close_factor: "0.5"}
`},
		{"duplicate asset", `
pools:
  - {asset: SOL, feed_id: f, max_ltv: "0.7", liquidation_threshold: "0.8", close_factor: "0.5"}
  - {asset: sol, feed_id: g, max_ltv: "0.7", liquidation_threshold: "0.8", close_factor: "0.5"}
`},
		{"missing feed", `
pools:
  - {asset: SOL, max_ltv: "0.7", liquidation_threshold: "0.8", close_factor: "0.5"}
`},
		{"unknown oracle", `oracle: chainlink`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LEND_CONFIG", writeConfig(t, tt.yaml))
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestPoolSeed_StableOperationIDs(t *testing.T) {
	a := PoolSeed{Asset: "SOL", FeedID: "f1"}
	b := PoolSeed{Asset: "SOL", FeedID: "f1"}
	assert.Equal(t, a.InitOperationID(), b.InitOperationID())
	assert.Equal(t, a.FeedOperationID(), b.FeedOperationID())
	assert.NotEqual(t, a.InitOperationID(), a.FeedOperationID())

	c := PoolSeed{Asset: "SOL", FeedID: "f2"}
	assert.Equal(t, a.InitOperationID(), c.InitOperationID())
	assert.NotEqual(t, a.FeedOperationID(), c.FeedOperationID())
}
