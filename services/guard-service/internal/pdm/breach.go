package pdm

type Status string

const (
	Healthy  Status = "Healthy"
	Critical Status = "Critical"
)

// Limits are the raw critical limits used by the breach gate.
type Limits struct {
	Vibration   float64 `yaml:"vibration" json:"vibration"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

func DefaultLimits() Limits {
	return Limits{Vibration: 80, Temperature: 90}
}

// IsCritical is strict: a value equal to its limit is not a breach.
func IsCritical(vibration, temperature float64, l Limits) bool {
	return vibration > l.Vibration || temperature > l.Temperature
}

func Classify(vibration, temperature float64, l Limits) Status {
	return statusFromHit(IsCritical(vibration, temperature, l))
}

func statusFromHit(hit bool) Status {
	if hit {
		return Critical
	}
	return Healthy
}
