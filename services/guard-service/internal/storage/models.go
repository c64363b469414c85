package storage

import "time"

type Reading struct {
	MachineID   string    `json:"machine_id"`
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

type AuditEntry struct {
	ID             string    `json:"id"`
	MachineID      string    `json:"machine_id"`
	Status         string    `json:"status"`
	RiskScore      float64   `json:"risk_score"`
	Recommendation string    `json:"recommendation"`
	Timestamp      time.Time `json:"timestamp"`
}
