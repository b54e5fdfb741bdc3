package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

var testRegions = []interfaces.Region{"us-east", "eu-west", "ap-south"}

func TestNewCatalogValidation(t *testing.T) {
	tests := []struct {
		name     string
		policies []PinningPolicy
		wantErr  string
	}{
		{
			name:     "missing default policy",
			policies: []PinningPolicy{{ID: "hot", MinReplicas: 1, MaxReplicas: 2}},
			wantErr:  "no \"default\" policy",
		},
		{
			name: "min above max",
			policies: []PinningPolicy{
				{ID: DefaultPolicyID, MinReplicas: 3, MaxReplicas: 1},
			},
			wantErr: "minReplicas",
		},
		{
			name: "negative bound",
			policies: []PinningPolicy{
				{ID: DefaultPolicyID, MinReplicas: -1, MaxReplicas: 1},
			},
			wantErr: "negative replica bound",
		},
		{
			name: "duplicate id",
			policies: []PinningPolicy{
				{ID: DefaultPolicyID, MaxReplicas: 1},
				{ID: DefaultPolicyID, MaxReplicas: 2},
			},
			wantErr: "duplicate policy id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.policies)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSelectFirstMatchInPriorityOrder(t *testing.T) {
	catalog, err := NewCatalog(DefaultPolicies(testRegions))
	require.NoError(t, err)
	now := time.Now()

	t.Run("fresh object falls through to default", func(t *testing.T) {
		p := catalog.Select(interfaces.ObjectMetadata{
			Size:         5 << 20,
			LastAccessed: now,
		}, now)
		assert.Equal(t, DefaultPolicyID, p.ID)
	})

	t.Run("frequently accessed object selects hot", func(t *testing.T) {
		p := catalog.Select(interfaces.ObjectMetadata{
			Size:         5 << 20,
			AccessCount:  101,
			LastAccessed: now.Add(-time.Hour),
		}, now)
		assert.Equal(t, "hot", p.ID)
	})

	t.Run("stale rarely accessed object selects cold", func(t *testing.T) {
		p := catalog.Select(interfaces.ObjectMetadata{
			Size:         5 << 20,
			AccessCount:  2,
			LastAccessed: now.Add(-45 * 24 * time.Hour),
		}, now)
		assert.Equal(t, "cold", p.ID)
	})

	t.Run("large object selects archive before cold", func(t *testing.T) {
		p := catalog.Select(interfaces.ObjectMetadata{
			Size:         128 << 20,
			AccessCount:  1,
			LastAccessed: now.Add(-60 * 24 * time.Hour),
		}, now)
		assert.Equal(t, "archive", p.ID)
	})
}

func TestCatalogGet(t *testing.T) {
	catalog, err := NewCatalog(DefaultPolicies(testRegions))
	require.NoError(t, err)

	p, err := catalog.Get("hot")
	require.NoError(t, err)
	assert.Equal(t, "hot", p.ID)

	_, err = catalog.Get("nonexistent")
	assert.ErrorIs(t, err, interfaces.ErrPolicyNotFound)
}

func TestLoadCatalogFromYAML(t *testing.T) {
	raw := `
policies:
  - id: default
    name: Default placement
    min_replicas: 2
    max_replicas: 3
    geo_distribution: [us-east, eu-west]
  - id: bulky
    name: Large uploads
    min_replicas: 1
    max_replicas: 2
    geo_distribution: [us-east]
    priority: 10
    ttl: 720h
    conditions:
      min_size: 64MB
      privacy: private
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)

	bulky, err := catalog.Get("bulky")
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), bulky.Conditions.MinSize)
	assert.Equal(t, 30*24*time.Hour, bulky.TTL)
	require.NotNil(t, bulky.Conditions.Privacy)
	assert.Equal(t, interfaces.PrivateClass, *bulky.Conditions.Privacy)

	now := time.Now()
	selected := catalog.Select(interfaces.ObjectMetadata{
		Size:    100_000_000,
		Privacy: interfaces.PrivateClass,
	}, now)
	assert.Equal(t, "bulky", selected.ID)
}

func TestLoadCatalogRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - id: default\n    ttl: nonsense\n"), 0644))

	_, err := LoadCatalog(path)
	assert.ErrorContains(t, err, "invalid ttl")
}
