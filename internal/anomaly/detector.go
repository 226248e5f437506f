// Package anomaly flags port observations that deviate from that port's
// recent history.
//
// Checking and recording are separate operations: Check only reads the
// history and Record only appends to it. Callers that want detection to stay
// meaningful must do both for every observation.
package anomaly

import (
	"math"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// Kind names the rule an anomalous observation tripped.
type Kind string

const (
	KindResponseTime Kind = "response_time"
	KindState        Kind = "state"
	KindBanner       Kind = "banner"
)

// Config controls the history window and detection sensitivity.
type Config struct {
	// Number of most recent observations kept per port
	Window int `yaml:"window" json:"window"`

	// Observations required before any anomaly is reported
	MinSamples int `yaml:"min_samples" json:"min_samples"`

	// Response time deviation, in standard deviations, considered anomalous
	StdDevFactor float64 `yaml:"stddev_factor" json:"stddev_factor"`
}

// DefaultConfig returns the stock detection settings.
func DefaultConfig() Config {
	return Config{
		Window:       1000,
		MinSamples:   10,
		StdDevFactor: 2.0,
	}
}

// Observation is one scan outcome for a port.
type Observation struct {
	Timestamp    time.Time
	ResponseTime time.Duration
	IsOpen       bool
	Banner       string
}

// Result explains a Check.
type Result struct {
	Anomalous bool
	Kinds     []Kind
	Mean      time.Duration
	StdDev    time.Duration
	Samples   int
}

type portHistory struct {
	mu      sync.Mutex
	entries []Observation
}

// Detector keeps a bounded history per port. It is safe for concurrent use;
// updates to one port are serialized by that port's lock.
type Detector struct {
	cfg Config

	mu    sync.RWMutex
	ports map[int]*portHistory
}

// NewDetector creates a detector. Non-positive settings fall back to the
// defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.StdDevFactor <= 0 {
		cfg.StdDevFactor = def.StdDevFactor
	}
	return &Detector{
		cfg:   cfg,
		ports: make(map[int]*portHistory),
	}
}

func (d *Detector) history(port int, create bool) *portHistory {
	d.mu.RLock()
	h, ok := d.ports[port]
	d.mu.RUnlock()
	if ok || !create {
		return h
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok = d.ports[port]; ok {
		return h
	}
	h = &portHistory{entries: make([]Observation, 0, 16)}
	d.ports[port] = h
	return h
}

// Record appends obs to the port's history, evicting the oldest entries
// beyond the window.
func (d *Detector) Record(port int, obs Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}
	h := d.history(port, true)

	h.mu.Lock()
	defer h.mu.Unlock()

	if over := len(h.entries) - d.cfg.Window + 1; over > 0 {
		n := copy(h.entries, h.entries[over:])
		h.entries = h.entries[:n]
	}
	h.entries = append(h.entries, obs)
}

// History returns a copy of the port's history, oldest first.
func (d *Detector) History(port int) []Observation {
	h := d.history(port, false)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Observation, len(h.entries))
	copy(out, h.entries)
	return out
}

// IsAnomaly reports whether obs deviates from the port's history.
func (d *Detector) IsAnomaly(port int, obs Observation) bool {
	return d.Check(port, obs).Anomalous
}

// Check evaluates obs against the port's history without modifying it.
func (d *Detector) Check(port int, obs Observation) Result {
	h := d.history(port, false)
	if h == nil {
		return Result{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	res := Result{Samples: n}
	if n < d.cfg.MinSamples {
		return res
	}

	mean, stddev := responseStats(h.entries)
	res.Mean = time.Duration(mean)
	res.StdDev = time.Duration(stddev)

	if math.Abs(float64(obs.ResponseTime)-mean) > d.cfg.StdDevFactor*stddev {
		res.Kinds = append(res.Kinds, KindResponseTime)
	}

	open := 0
	for _, e := range h.entries {
		if e.IsOpen {
			open++
		}
	}
	usuallyOpen := open > n/2
	if usuallyOpen != obs.IsOpen {
		res.Kinds = append(res.Kinds, KindState)
	}

	if obs.Banner != "" && obs.Banner != mostCommonBanner(h.entries) {
		res.Kinds = append(res.Kinds, KindBanner)
	}

	res.Anomalous = len(res.Kinds) > 0
	return res
}

// responseStats returns the mean and population standard deviation of the
// entries' response times, in nanoseconds.
func responseStats(entries []Observation) (mean, stddev float64) {
	for _, e := range entries {
		mean += float64(e.ResponseTime)
	}
	mean /= float64(len(entries))

	var sq float64
	for _, e := range entries {
		diff := float64(e.ResponseTime) - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(len(entries)))
}

// mostCommonBanner returns the most frequent non-empty banner. Ties go to
// the banner that reached the winning count first.
func mostCommonBanner(entries []Observation) string {
	counts := make(map[uint64]int)
	var best string
	bestCount := 0
	for _, e := range entries {
		if e.Banner == "" {
			continue
		}
		key := xxh3.HashString(e.Banner)
		counts[key]++
		if counts[key] > bestCount {
			bestCount = counts[key]
			best = e.Banner
		}
	}
	return best
}
