package dbconnector

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestQuoteQualified(t *testing.T) {
	quoted, parts, err := quoteQualified("telemetry.sensor_readings", 2, quotePostgres)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quoted != "\"telemetry\".\"sensor_readings\"" {
		t.Fatalf("unexpected quoted value: %s", quoted)
	}
	if !reflect.DeepEqual(parts, []string{"telemetry", "sensor_readings"}) {
		t.Fatalf("unexpected parts: %#v", parts)
	}
}

func TestQuoteQualifiedTooManySegments(t *testing.T) {
	_, _, err := quoteQualified("a.b.c", 2, func(s string) string { return s })
	if err == nil {
		t.Fatalf("expected error for too many segments")
	}
}

func TestQuoteQualifiedRejectsInjection(t *testing.T) {
	if _, _, err := quoteQualified("readings; DROP TABLE x", 2, quoteMySQL); err == nil {
		t.Fatalf("expected error for invalid identifier")
	}
}

func TestQuoteList(t *testing.T) {
	out, err := quoteList([]string{"machine_id", "timestamp"}, quoteMySQL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "`machine_id`, `timestamp`" {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestBindList(t *testing.T) {
	if got := bindList(3, bindPostgres); got != "$1, $2, $3" {
		t.Fatalf("unexpected postgres binds: %s", got)
	}
	if got := bindList(2, bindMSSQL); got != "@p1, @p2" {
		t.Fatalf("unexpected mssql binds: %s", got)
	}
}

func TestNormalizeRecentLimit(t *testing.T) {
	if normalizeRecentLimit(0) != 0 || normalizeRecentLimit(-4) != 0 {
		t.Fatalf("expected non-positive limits to collapse to zero")
	}
	if normalizeRecentLimit(5) != 5 {
		t.Fatalf("expected limit to pass through")
	}
	if normalizeRecentLimit(50000) != maxRecentLimit {
		t.Fatalf("expected limit to be capped")
	}
}

func TestNormalizeReading(t *testing.T) {
	reading, err := normalizeReading(Reading{MachineID: "  MAC-101 ", Vibration: 20, Temperature: 45})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading.MachineID != "MAC-101" {
		t.Fatalf("expected trimmed machine id, got %q", reading.MachineID)
	}
	cases := []Reading{
		{MachineID: " ", Vibration: 1, Temperature: 1},
		{MachineID: "MAC\x00101", Vibration: 1, Temperature: 1},
		{MachineID: "MAC-101", Vibration: math.NaN(), Temperature: 1},
		{MachineID: "MAC-101", Vibration: 1, Temperature: math.Inf(1)},
	}
	for _, c := range cases {
		if _, err := normalizeReading(c); !errors.Is(err, ErrInvalidReading) {
			t.Fatalf("expected ErrInvalidReading for %+v, got %v", c, err)
		}
	}
}

func TestNormalizeAuditEntry(t *testing.T) {
	entry, err := normalizeAuditEntry(AuditEntry{MachineID: " MAC-101\t", RiskScore: 0.95})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.MachineID != "MAC-101" {
		t.Fatalf("expected trimmed machine id, got %q", entry.MachineID)
	}
	cases := []AuditEntry{
		{MachineID: ""},
		{MachineID: "MAC\x00101"},
		{MachineID: "MAC-101", RiskScore: math.NaN()},
		{MachineID: "MAC-101", RiskScore: 1.5},
	}
	for _, c := range cases {
		if _, err := normalizeAuditEntry(c); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
}

func TestReadingFromRowCoercesDriverValues(t *testing.T) {
	reading, err := readingFromRow(map[string]any{
		"machine_id":  "MAC-101",
		"vibration":   "85.5",
		"temperature": []byte("95.25"),
		"timestamp":   "2024-03-01 10:00:05",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reading.Vibration != 85.5 || reading.Temperature != 95.25 {
		t.Fatalf("unexpected values: %+v", reading)
	}
	want := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	if !reading.Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp: %s", reading.Timestamp)
	}
}

func TestReadingFromRowRejectsGarbage(t *testing.T) {
	_, err := readingFromRow(map[string]any{
		"machine_id":  "MAC-101",
		"vibration":   "loud",
		"temperature": 1.0,
		"timestamp":   time.Now(),
	})
	if err == nil {
		t.Fatalf("expected error for non numeric vibration")
	}
}

func TestAuditEntryFromRow(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	entry, err := auditEntryFromRow(map[string]any{
		"id":             "a1",
		"machine_id":     "MAC-101",
		"status":         "CRITICAL",
		"risk_score":     float32(0.95),
		"recommendation": "Auto-detected critical readings",
		"timestamp":      ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Status != "CRITICAL" || entry.MachineID != "MAC-101" || !entry.Timestamp.Equal(ts) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if math.Abs(entry.RiskScore-0.95) > 1e-6 {
		t.Fatalf("unexpected risk score: %f", entry.RiskScore)
	}
}

func TestNewConnectorRequiresType(t *testing.T) {
	if _, err := NewConnector(ConnectionConfig{}); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := NewConnector(ConnectionConfig{Type: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestEngineAliases(t *testing.T) {
	if got := Engines(); len(got) != 3 || got[0] != "mssql" || got[2] != "postgres" {
		t.Fatalf("unexpected engines: %v", got)
	}
	for _, kind := range []string{"postgresql", "SQLServer", " mysql "} {
		if _, err := lookupEngine(kind); err != nil {
			t.Fatalf("expected %q to resolve, got %v", kind, err)
		}
	}
}
