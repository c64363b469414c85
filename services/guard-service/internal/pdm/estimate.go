package pdm

import (
	"time"

	"praxisguard-backend/services/guard-service/internal/storage"
)

const DefaultWindow = 5

type LatestReading struct {
	Timestamp   time.Time `json:"timestamp"`
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
}

type Estimate struct {
	MachineID   string         `json:"machine_id"`
	PoF         float64        `json:"pof"`
	Latest      *LatestReading `json:"latest"`
	WindowCount int            `json:"window_count"`
}

// EstimateWindow scores the newest reading of a window (readings newest
// first). An empty window yields pof 0 and no latest reading.
func EstimateWindow(machineID string, window []storage.Reading, th Thresholds) Estimate {
	est := Estimate{MachineID: machineID, WindowCount: len(window)}
	if len(window) == 0 {
		return est
	}
	latest := window[0]
	est.PoF = Score(latest.Vibration, latest.Temperature, th)
	est.Latest = &LatestReading{
		Timestamp:   latest.Timestamp,
		Vibration:   latest.Vibration,
		Temperature: latest.Temperature,
	}
	return est
}
