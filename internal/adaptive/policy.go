package adaptive

import (
	"fmt"
	"sort"
	"time"
)

// DelayTier maps a congestion threshold to the pause inserted between batches.
type DelayTier struct {
	Congestion float64       `yaml:"congestion" json:"congestion"`
	Delay      time.Duration `yaml:"delay" json:"delay"`
}

// Policy holds the constants the engine derives strategies from.
type Policy struct {
	// Worker count scaled by the observed success rate
	BaseWorkers int `yaml:"base_workers" json:"base_workers"`

	// Timeout returned before any sample is recorded
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	MinTimeout time.Duration `yaml:"min_timeout" json:"min_timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout" json:"max_timeout"`
	MinWorkers int           `yaml:"min_workers" json:"min_workers"`
	MaxWorkers int           `yaml:"max_workers" json:"max_workers"`

	// Mean response time above which the worker count is halved
	SlowResponse time.Duration `yaml:"slow_response" json:"slow_response"`

	// Congestion rises by CongestionStep on a slow or timed out probe and
	// falls by CongestionDecay otherwise.
	CongestionStep  float64 `yaml:"congestion_step" json:"congestion_step"`
	CongestionDecay float64 `yaml:"congestion_decay" json:"congestion_decay"`

	HighErrorRate        float64 `yaml:"high_error_rate" json:"high_error_rate"`
	HighErrorRetries     int     `yaml:"high_error_retries" json:"high_error_retries"`
	ElevatedErrorRate    float64 `yaml:"elevated_error_rate" json:"elevated_error_rate"`
	ElevatedErrorRetries int     `yaml:"elevated_error_retries" json:"elevated_error_retries"`
	DefaultRetries       int     `yaml:"default_retries" json:"default_retries"`

	// Evaluated from the highest threshold down; the first tier strictly
	// exceeded wins.
	DelayTiers []DelayTier `yaml:"delay_tiers" json:"delay_tiers"`
}

// DefaultPolicy returns the stock policy constants.
func DefaultPolicy() Policy {
	return Policy{
		BaseWorkers:          100,
		DefaultTimeout:       time.Second,
		MinTimeout:           100 * time.Millisecond,
		MaxTimeout:           5 * time.Second,
		MinWorkers:           10,
		MaxWorkers:           200,
		SlowResponse:         time.Second,
		CongestionStep:       0.1,
		CongestionDecay:      0.05,
		HighErrorRate:        0.5,
		HighErrorRetries:     5,
		ElevatedErrorRate:    0.2,
		ElevatedErrorRetries: 3,
		DefaultRetries:       2,
		DelayTiers: []DelayTier{
			{Congestion: 0.8, Delay: 500 * time.Millisecond},
			{Congestion: 0.5, Delay: 200 * time.Millisecond},
			{Congestion: 0.3, Delay: 100 * time.Millisecond},
		},
	}
}

// Validate checks the policy bounds are consistent.
func (p Policy) Validate() error {
	if p.BaseWorkers <= 0 {
		return fmt.Errorf("base workers must be positive")
	}
	if p.MinTimeout <= 0 || p.MaxTimeout < p.MinTimeout {
		return fmt.Errorf("timeout bounds [%s, %s] are invalid", p.MinTimeout, p.MaxTimeout)
	}
	if p.MinWorkers <= 0 || p.MaxWorkers < p.MinWorkers {
		return fmt.Errorf("worker bounds [%d, %d] are invalid", p.MinWorkers, p.MaxWorkers)
	}
	if p.CongestionStep < 0 || p.CongestionDecay < 0 {
		return fmt.Errorf("congestion steps must not be negative")
	}
	if p.HighErrorRetries < 0 || p.ElevatedErrorRetries < 0 || p.DefaultRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	for _, tier := range p.DelayTiers {
		if tier.Congestion < 0 || tier.Congestion > 1 {
			return fmt.Errorf("delay tier congestion %.2f outside [0,1]", tier.Congestion)
		}
	}
	return nil
}

func (p Policy) sortedTiers() []DelayTier {
	tiers := make([]DelayTier, len(p.DelayTiers))
	copy(tiers, p.DelayTiers)
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].Congestion > tiers[j].Congestion
	})
	return tiers
}
