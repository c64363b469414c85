package pdm

import "math"

// Exceedance weights; vibration dominates.
const (
	weightVibration   = 0.7
	weightTemperature = 0.3
	scaleCeiling      = 200.0
)

// Thresholds are the scorer's normalisation points. They are configured
// separately from the detector Limits and may differ from them.
type Thresholds struct {
	Vibration   float64 `yaml:"vibration" json:"vibration"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Vibration: 80, Temperature: 90}
}

// Score returns the probability of failure in [0,1], rounded to 3 decimals:
//
//	vib  = max(0, (v - th.Vibration)   / max(1, 200 - th.Vibration))
//	temp = max(0, (t - th.Temperature) / max(1, 200 - th.Temperature))
//	pof  = min(1, 0.7*vib + 0.3*temp)
//
// NaN terms count as zero, so the function never fails.
func Score(vibration, temperature float64, th Thresholds) float64 {
	vib := exceedance(vibration, th.Vibration)
	temp := exceedance(temperature, th.Temperature)
	pof := weightVibration*vib + weightTemperature*temp
	if pof > 1 {
		pof = 1
	}
	return math.Round(pof*1000) / 1000
}

func exceedance(value, threshold float64) float64 {
	span := math.Max(1, scaleCeiling-threshold)
	term := (value - threshold) / span
	if !(term > 0) {
		return 0
	}
	return term
}
