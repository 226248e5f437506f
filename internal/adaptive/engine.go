// Package adaptive keeps an online statistical profile of every scanned host
// and derives the timeout, concurrency, retry and pacing parameters for the
// next batch of probes against it.
//
// Response times are accumulated with Welford's algorithm so the running
// variance stays numerically stable over long scans. Congestion rises quickly
// on slow or timed out probes and decays slowly otherwise, which makes the
// engine back off fast and re-accelerate cautiously.
package adaptive

import (
	"math"
	"sort"
	"sync"
	"time"
)

// NetworkProfile is a snapshot of the statistics kept for one host.
// Response times are in milliseconds.
type NetworkProfile struct {
	AvgResponseTime      float64 `json:"avg_response_time_ms"`
	ResponseTimeVariance float64 `json:"response_time_variance"`
	SuccessRate          float64 `json:"success_rate"`
	ErrorRate            float64 `json:"error_rate"`
	CongestionLevel      float64 `json:"congestion_level"`
	TotalScans           int     `json:"total_scans"`
}

// StdDev returns the population standard deviation of response times.
func (p NetworkProfile) StdDev() float64 {
	return math.Sqrt(p.ResponseTimeVariance)
}

// Strategy holds the parameters for the next batch against a host.
type Strategy struct {
	Timeout time.Duration `json:"timeout"`
	Workers int           `json:"workers"`
	Retries int           `json:"retries"`
	Delay   time.Duration `json:"delay"`
}

// Observation is the outcome of a single probe fed back to the engine.
type Observation struct {
	ResponseTime time.Duration
	Success      bool
	TimedOut     bool
}

type hostProfile struct {
	mu      sync.Mutex
	profile NetworkProfile
	m2      float64
}

// Engine holds per-host profiles. It is safe for concurrent use and may be
// shared across scans; updates to one host are serialized by that host's lock.
type Engine struct {
	policy Policy

	mu    sync.RWMutex
	hosts map[string]*hostProfile
}

// NewEngine creates an engine using the given policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{
		policy: policy,
		hosts:  make(map[string]*hostProfile),
	}
}

// Policy returns the engine's policy constants.
func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) host(key string) *hostProfile {
	e.mu.RLock()
	hp, ok := e.hosts[key]
	e.mu.RUnlock()
	if ok {
		return hp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if hp, ok = e.hosts[key]; ok {
		return hp
	}
	hp = &hostProfile{profile: NetworkProfile{SuccessRate: 1.0}}
	e.hosts[key] = hp
	return hp
}

// Update folds one probe outcome into the host's profile.
func (e *Engine) Update(host string, obs Observation) {
	hp := e.host(host)
	rt := float64(obs.ResponseTime) / float64(time.Millisecond)

	hp.mu.Lock()
	defer hp.mu.Unlock()

	p := &hp.profile
	p.TotalScans++
	n := float64(p.TotalScans)

	slow := p.TotalScans > 1 && rt > 2*p.AvgResponseTime

	delta := rt - p.AvgResponseTime
	p.AvgResponseTime += delta / n
	hp.m2 += delta * (rt - p.AvgResponseTime)
	p.ResponseTimeVariance = hp.m2 / n

	p.SuccessRate = (p.SuccessRate*(n-1) + indicator(obs.Success)) / n
	p.ErrorRate = (p.ErrorRate*(n-1) + indicator(obs.TimedOut)) / n

	if slow || obs.TimedOut {
		p.CongestionLevel = math.Min(1.0, p.CongestionLevel+e.policy.CongestionStep)
	} else {
		p.CongestionLevel = math.Max(0.0, p.CongestionLevel-e.policy.CongestionDecay)
	}
}

// Profile returns a snapshot of the host's profile.
func (e *Engine) Profile(host string) (NetworkProfile, bool) {
	e.mu.RLock()
	hp, ok := e.hosts[host]
	e.mu.RUnlock()
	if !ok {
		return NetworkProfile{}, false
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.profile, true
}

// Hosts returns the hosts with a profile, sorted.
func (e *Engine) Hosts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hosts := make([]string, 0, len(e.hosts))
	for h := range e.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Reset drops the profile kept for host.
func (e *Engine) Reset(host string) {
	e.mu.Lock()
	delete(e.hosts, host)
	e.mu.Unlock()
}

// OptimalStrategy derives the next batch's parameters for host. Worker counts
// scale from the policy's BaseWorkers; a positive base.Workers is a ceiling the
// result never exceeds, even below MinWorkers. base.Timeout is used while the
// host has no samples and falls back to the policy default when zero.
func (e *Engine) OptimalStrategy(host string, base Strategy) Strategy {
	if base.Timeout <= 0 {
		base.Timeout = e.policy.DefaultTimeout
	}

	var s Strategy
	profile, ok := e.Profile(host)
	if !ok || profile.TotalScans == 0 {
		s = Strategy{
			Timeout: base.Timeout,
			Workers: e.policy.BaseWorkers,
			Retries: e.policy.DefaultRetries,
		}
	} else {
		s = Strategy{
			Timeout: e.timeout(profile, base.Timeout),
			Workers: e.workers(profile),
			Retries: e.retries(profile),
			Delay:   e.delay(profile),
		}
	}

	if base.Workers > 0 && s.Workers > base.Workers {
		s.Workers = base.Workers
	}
	return s
}

func (e *Engine) timeout(p NetworkProfile, fallback time.Duration) time.Duration {
	if p.AvgResponseTime == 0 {
		return fallback
	}
	ms := p.AvgResponseTime + 2*p.StdDev()
	t := time.Duration(ms * float64(time.Millisecond))
	return clampDuration(t, e.policy.MinTimeout, e.policy.MaxTimeout)
}

func (e *Engine) workers(p NetworkProfile) int {
	w := int(float64(e.policy.BaseWorkers) * p.SuccessRate)
	if p.AvgResponseTime > float64(e.policy.SlowResponse/time.Millisecond) {
		w = max(w/2, e.policy.MinWorkers)
	}
	return min(max(w, e.policy.MinWorkers), e.policy.MaxWorkers)
}

func (e *Engine) retries(p NetworkProfile) int {
	switch {
	case p.ErrorRate > e.policy.HighErrorRate:
		return e.policy.HighErrorRetries
	case p.ErrorRate > e.policy.ElevatedErrorRate:
		return e.policy.ElevatedErrorRetries
	default:
		return e.policy.DefaultRetries
	}
}

func (e *Engine) delay(p NetworkProfile) time.Duration {
	for _, tier := range e.policy.sortedTiers() {
		if p.CongestionLevel > tier.Congestion {
			return tier.Delay
		}
	}
	return 0
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
