package pdm

import "sync/atomic"

// Profile pairs the two independent threshold sets.
type Profile struct {
	Scorer   Thresholds
	Detector Limits
}

func DefaultProfile() Profile {
	return Profile{Scorer: DefaultThresholds(), Detector: DefaultLimits()}
}

// Tuner holds the active Profile and lets a config reload swap it without
// locking readers.
type Tuner struct {
	current atomic.Pointer[Profile]
}

func NewTuner(p Profile) *Tuner {
	t := &Tuner{}
	t.Store(p)
	return t
}

func (t *Tuner) Load() Profile {
	return *t.current.Load()
}

func (t *Tuner) Store(p Profile) {
	t.current.Store(&p)
}

func (t *Tuner) Limits() Limits {
	return t.Load().Detector
}

func (t *Tuner) Thresholds() Thresholds {
	return t.Load().Scorer
}
