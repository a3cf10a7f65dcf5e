// Package sampler keeps a configurable fraction of high-volume signals.
package sampler

import (
	"math/rand/v2"
	"sync"
)

// Sampler decides per signal kind whether an observation is kept.
// Rates are clamped to [0, 1]; 1 keeps everything, 0 keeps nothing.
type Sampler struct {
	mu          sync.RWMutex
	defaultRate float64
	rateByKind  map[string]float64
	roll        func() float64
}

// New creates a sampler with the given default rate.
func New(defaultRate float64) *Sampler {
	return &Sampler{
		defaultRate: clamp(defaultRate),
		rateByKind:  make(map[string]float64),
		roll:        rand.Float64, //nolint:gosec // sampling doesn't need crypto rand
	}
}

// WithRoll replaces the random source; used by tests for deterministic rolls.
func (s *Sampler) WithRoll(roll func() float64) *Sampler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roll != nil {
		s.roll = roll
	}
	return s
}

// Keep reports whether an observation of kind should be recorded.
func (s *Sampler) Keep(kind string) bool {
	rate := s.Rate(kind)
	switch rate {
	case 0:
		return false
	case 1:
		return true
	}
	s.mu.RLock()
	roll := s.roll
	s.mu.RUnlock()
	return roll() < rate
}

// SetRate overrides the rate for one kind.
func (s *Sampler) SetRate(kind string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateByKind[kind] = clamp(rate)
}

// SetDefaultRate changes the rate used for kinds without an override.
func (s *Sampler) SetDefaultRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultRate = clamp(rate)
}

// Rate returns the effective rate for kind.
func (s *Sampler) Rate(kind string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rateByKind[kind]; ok {
		return rate
	}
	return s.defaultRate
}

func clamp(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}
