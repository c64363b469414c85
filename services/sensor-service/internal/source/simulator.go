package source

import (
	"context"
	"math/rand"
	"time"
)

// Sample is one vibration/temperature pair for a machine.
type Sample struct {
	MachineID   string    `json:"machine_id"`
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

// Source produces samples until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, out chan<- Sample) error
}

type band struct {
	mean, stddev float64
}

func (b band) draw(rng *rand.Rand) float64 {
	return rng.NormFloat64()*b.stddev + b.mean
}

var (
	healthyVibration   = band{mean: 20, stddev: 2}
	healthyTemperature = band{mean: 45, stddev: 1}
	faultyVibration    = band{mean: 85, stddev: 5}
	faultyTemperature  = band{mean: 95, stddev: 3}
)

type SimulatorConfig struct {
	MachineID string
	Interval  time.Duration
	// HealthyTicks is how many samples are drawn from the healthy bands
	// before the machine drifts into the fault bands.
	HealthyTicks int
	Seed         int64
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		MachineID:    "MAC-101",
		Interval:     5 * time.Second,
		HealthyTicks: 10,
		Seed:         time.Now().UnixNano(),
	}
}

// Simulator replays a machine that runs healthy for a while and then
// degrades. The same seed yields the same sequence.
type Simulator struct {
	cfg  SimulatorConfig
	rng  *rand.Rand
	tick int
	now  func() time.Time
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	def := DefaultSimulatorConfig()
	if cfg.MachineID == "" {
		cfg.MachineID = def.MachineID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HealthyTicks < 0 {
		cfg.HealthyTicks = 0
	}
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		now: time.Now,
	}
}

func (s *Simulator) Next() Sample {
	vib, temp := healthyVibration, healthyTemperature
	if s.tick >= s.cfg.HealthyTicks {
		vib, temp = faultyVibration, faultyTemperature
	}
	s.tick++
	return Sample{
		MachineID:   s.cfg.MachineID,
		Vibration:   vib.draw(s.rng),
		Temperature: temp.draw(s.rng),
		Timestamp:   s.now().UTC(),
	}
}

// Run emits one sample immediately and then one per interval.
func (s *Simulator) Run(ctx context.Context, out chan<- Sample) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case out <- s.Next():
		case <-ctx.Done():
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
