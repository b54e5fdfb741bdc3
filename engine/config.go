package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/pinwheel-storage/pinwheel/backup"
	"github.com/pinwheel-storage/pinwheel/dedup"
	"github.com/pinwheel-storage/pinwheel/gc"
	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/quota"
	"github.com/pinwheel-storage/pinwheel/replication"
)

// Config assembles the tuning knobs of every engine component plus the
// scheduler intervals and worker pool dimensions. Zero values mean "use
// the component default".
type Config struct {
	Regions []interfaces.Region

	Quota       quota.Config
	Dedup       dedup.Config
	Replication replication.Config
	GC          gc.Config
	Verifier    backup.VerifierConfig
	Drill       backup.DrillConfig

	GCInterval           time.Duration
	VerificationInterval time.Duration
	DrillInterval        time.Duration
	CounterResetInterval time.Duration

	// Workers and QueueDepth dimension the event worker pool. Events for
	// the same object always land on the same worker.
	Workers    int
	QueueDepth int
}

func (c Config) applyDefaults() Config {
	if len(c.Regions) > 0 && len(c.Replication.DefaultRegions) == 0 {
		c.Replication.DefaultRegions = c.Regions
	}
	if c.GCInterval == 0 {
		c.GCInterval = time.Hour
	}
	if c.VerificationInterval == 0 {
		c.VerificationInterval = 24 * time.Hour
	}
	if c.DrillInterval == 0 {
		c.DrillInterval = 7 * 24 * time.Hour
	}
	if c.CounterResetInterval == 0 {
		c.CounterResetInterval = 24 * time.Hour
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 256
	}
	return c
}

type configFile struct {
	Regions []string `yaml:"regions"`
	Quota   struct {
		DefaultLimit      string  `yaml:"default_limit"`
		OverageEnabled    bool    `yaml:"overage_enabled"`
		OverageCostPerGiB float64 `yaml:"overage_cost_per_gib"`
	} `yaml:"quota"`
	Dedup struct {
		MinSize   string `yaml:"min_size"`
		Algorithm string `yaml:"algorithm"`
	} `yaml:"dedup"`
	Intervals struct {
		GC           string `yaml:"gc"`
		Verification string `yaml:"verification"`
		Drill        string `yaml:"drill"`
		CounterReset string `yaml:"counter_reset"`
	} `yaml:"intervals"`
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// LoadConfig reads engine tuning from a YAML file. Sizes accept
// human-readable values ("10GB"), intervals accept Go durations ("6h").
// Omitted fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read engine config: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("parse engine config %s: %w", path, err)
	}

	var cfg Config
	for _, r := range file.Regions {
		cfg.Regions = append(cfg.Regions, interfaces.Region(r))
	}

	if file.Quota.DefaultLimit != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(file.Quota.DefaultLimit)); err != nil {
			return Config{}, fmt.Errorf("quota default_limit: %w", err)
		}
		cfg.Quota.DefaultLimit = int64(v.Bytes())
	}
	cfg.Quota.OverageEnabled = file.Quota.OverageEnabled
	cfg.Quota.OverageCostPerGiB = file.Quota.OverageCostPerGiB

	if file.Dedup.MinSize != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(file.Dedup.MinSize)); err != nil {
			return Config{}, fmt.Errorf("dedup min_size: %w", err)
		}
		cfg.Dedup.MinSize = int64(v.Bytes())
	}
	cfg.Dedup.Algorithm = file.Dedup.Algorithm

	for _, iv := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{file.Intervals.GC, "gc", &cfg.GCInterval},
		{file.Intervals.Verification, "verification", &cfg.VerificationInterval},
		{file.Intervals.Drill, "drill", &cfg.DrillInterval},
		{file.Intervals.CounterReset, "counter_reset", &cfg.CounterResetInterval},
	} {
		if iv.raw == "" {
			continue
		}
		d, err := time.ParseDuration(iv.raw)
		if err != nil {
			return Config{}, fmt.Errorf("interval %s: %w", iv.name, err)
		}
		*iv.dst = d
	}

	cfg.Workers = file.Workers
	cfg.QueueDepth = file.QueueDepth
	return cfg, nil
}
