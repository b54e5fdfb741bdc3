package policy

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// Catalog is the fixed lookup table of pinning policies, ordered by
// priority for selection. Built once at startup; read-only afterwards.
type Catalog struct {
	byID    map[string]PinningPolicy
	ordered []PinningPolicy
}

// NewCatalog validates the given policies and builds a catalog. The set
// must contain a policy with id "default"; a missing or invalid policy is
// a fatal configuration error.
func NewCatalog(policies []PinningPolicy) (*Catalog, error) {
	byID := make(map[string]PinningPolicy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate policy id %s", p.ID)
		}
		byID[p.ID] = p
	}
	if _, ok := byID[DefaultPolicyID]; !ok {
		return nil, fmt.Errorf("catalog has no %q policy: %w", DefaultPolicyID, interfaces.ErrPolicyNotFound)
	}

	ordered := make([]PinningPolicy, 0, len(policies))
	for _, p := range byID {
		ordered = append(ordered, p)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	return &Catalog{byID: byID, ordered: ordered}, nil
}

// Get looks up a policy by id.
func (c *Catalog) Get(id string) (PinningPolicy, error) {
	p, ok := c.byID[id]
	if !ok {
		return PinningPolicy{}, fmt.Errorf("policy %s: %w", id, interfaces.ErrPolicyNotFound)
	}
	return p, nil
}

// Select evaluates metadata against each policy predicate in priority
// order. The first match wins; the default policy matches everything
// that falls through.
func (c *Catalog) Select(md interfaces.ObjectMetadata, now time.Time) PinningPolicy {
	for _, p := range c.ordered {
		if p.ID == DefaultPolicyID {
			continue
		}
		if p.Conditions.Matches(md, now) {
			return p
		}
	}
	return c.byID[DefaultPolicyID]
}

// All returns the policies in selection order.
func (c *Catalog) All() []PinningPolicy {
	out := make([]PinningPolicy, len(c.ordered))
	copy(out, c.ordered)
	return out
}

type catalogFile struct {
	Policies []policyYAML `yaml:"policies"`
}

type policyYAML struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	MinReplicas     int      `yaml:"min_replicas"`
	MaxReplicas     int      `yaml:"max_replicas"`
	GeoDistribution []string `yaml:"geo_distribution"`
	Priority        int      `yaml:"priority"`
	TTL             string   `yaml:"ttl"`
	Conditions      struct {
		MinSize            string `yaml:"min_size"`
		MaxSize            string `yaml:"max_size"`
		Privacy            string `yaml:"privacy"`
		MinAccessCount     int64  `yaml:"min_access_count"`
		MaxAccessCount     int64  `yaml:"max_access_count"`
		MaxDaysSinceAccess int    `yaml:"max_days_since_access"`
		MinDaysSinceAccess int    `yaml:"min_days_since_access"`
	} `yaml:"conditions"`
}

// LoadCatalog reads a YAML policy file. Sizes accept human-readable
// values ("64KB", "1GB"); TTLs accept Go duration strings.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy catalog: %w", err)
	}

	policies := make([]PinningPolicy, 0, len(file.Policies))
	for _, y := range file.Policies {
		p := PinningPolicy{
			ID:          y.ID,
			Name:        y.Name,
			MinReplicas: y.MinReplicas,
			MaxReplicas: y.MaxReplicas,
			Priority:    y.Priority,
		}
		for _, r := range y.GeoDistribution {
			p.GeoDistribution = append(p.GeoDistribution, interfaces.Region(r))
		}
		if y.TTL != "" {
			ttl, err := time.ParseDuration(y.TTL)
			if err != nil {
				return nil, fmt.Errorf("policy %s: invalid ttl: %w", y.ID, err)
			}
			p.TTL = ttl
		}
		if y.Conditions.MinSize != "" {
			var v datasize.ByteSize
			if err := v.UnmarshalText([]byte(y.Conditions.MinSize)); err != nil {
				return nil, fmt.Errorf("policy %s: invalid min_size: %w", y.ID, err)
			}
			p.Conditions.MinSize = int64(v.Bytes())
		}
		if y.Conditions.MaxSize != "" {
			var v datasize.ByteSize
			if err := v.UnmarshalText([]byte(y.Conditions.MaxSize)); err != nil {
				return nil, fmt.Errorf("policy %s: invalid max_size: %w", y.ID, err)
			}
			p.Conditions.MaxSize = int64(v.Bytes())
		}
		if y.Conditions.Privacy != "" {
			pc := interfaces.ParsePrivacyClass(y.Conditions.Privacy)
			p.Conditions.Privacy = &pc
		}
		p.Conditions.MinAccessCount = y.Conditions.MinAccessCount
		p.Conditions.MaxAccessCount = y.Conditions.MaxAccessCount
		p.Conditions.MaxDaysSinceAccess = y.Conditions.MaxDaysSinceAccess
		p.Conditions.MinDaysSinceAccess = y.Conditions.MinDaysSinceAccess
		policies = append(policies, p)
	}

	return NewCatalog(policies)
}

// DefaultPolicies is the built-in catalog used when no policy file is
// configured: a hot tier for frequently read objects, a cold tier for
// stale ones, an archival tier with retention, and the default.
func DefaultPolicies(regions []interfaces.Region) []PinningPolicy {
	return []PinningPolicy{
		{
			ID:              "hot",
			Name:            "Frequently accessed content",
			MinReplicas:     3,
			MaxReplicas:     5,
			GeoDistribution: regions,
			Priority:        100,
			Conditions:      Conditions{MinAccessCount: 50, MaxDaysSinceAccess: 7},
		},
		{
			ID:              "cold",
			Name:            "Rarely accessed content",
			MinReplicas:     1,
			MaxReplicas:     2,
			GeoDistribution: regions,
			Priority:        50,
			Conditions:      Conditions{MaxAccessCount: 5, MinDaysSinceAccess: 30},
		},
		{
			ID:              "archive",
			Name:            "Retention-bound archival content",
			MinReplicas:     2,
			MaxReplicas:     3,
			GeoDistribution: regions,
			Priority:        75,
			TTL:             90 * 24 * time.Hour,
			Conditions:      Conditions{MinSize: 64 << 20},
		},
		{
			ID:              DefaultPolicyID,
			Name:            "Default placement",
			MinReplicas:     2,
			MaxReplicas:     3,
			GeoDistribution: regions,
			Priority:        0,
		},
	}
}
