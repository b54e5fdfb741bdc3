package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

func TestLoadConfig(t *testing.T) {
	raw := `
regions: [us-east, eu-west]
quota:
  default_limit: 10GB
  overage_enabled: true
  overage_cost_per_gib: 0.25
dedup:
  min_size: 4KB
  algorithm: blake2b
intervals:
  gc: 30m
  verification: 2h
workers: 8
`
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []interfaces.Region{"us-east", "eu-west"}, cfg.Regions)
	assert.Equal(t, int64(10<<30), cfg.Quota.DefaultLimit)
	assert.True(t, cfg.Quota.OverageEnabled)
	assert.Equal(t, 0.25, cfg.Quota.OverageCostPerGiB)
	assert.Equal(t, int64(4<<10), cfg.Dedup.MinSize)
	assert.Equal(t, "blake2b", cfg.Dedup.Algorithm)
	assert.Equal(t, 30*time.Minute, cfg.GCInterval)
	assert.Equal(t, 2*time.Hour, cfg.VerificationInterval)
	assert.Equal(t, 8, cfg.Workers)
	assert.Zero(t, cfg.DrillInterval, "omitted fields stay zero until defaults apply")

	cfg = cfg.applyDefaults()
	assert.Equal(t, 7*24*time.Hour, cfg.DrillInterval, "drills default to weekly")
	assert.Equal(t, cfg.Regions, cfg.Replication.DefaultRegions)
}

func TestDefaultSweepCadence(t *testing.T) {
	cfg := Config{}.applyDefaults()
	assert.Equal(t, 24*time.Hour, cfg.VerificationInterval, "verification runs daily")
	assert.Equal(t, 7*24*time.Hour, cfg.DrillInterval, "drills run weekly")
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	for name, raw := range map[string]string{
		"bad size":     "quota:\n  default_limit: lots\n",
		"bad interval": "intervals:\n  gc: soonish\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engine.yaml")
			require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}
