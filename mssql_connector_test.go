package dbconnector

import (
	"strings"
	"testing"
)

func TestParseMSSQLTable(t *testing.T) {
	schema, name, err := parseMSSQLTable("telemetry.sensor_readings")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schema != "telemetry" || name != "sensor_readings" {
		t.Fatalf("unexpected result: %s %s", schema, name)
	}
}

func TestParseMSSQLTableDefaultSchema(t *testing.T) {
	schema, name, err := parseMSSQLTable("agent_logs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schema != "dbo" || name != "agent_logs" {
		t.Fatalf("unexpected result: %s %s", schema, name)
	}
}

func TestQuoteMSSQLTable(t *testing.T) {
	quoted, err := quoteMSSQLTable("telemetry.sensor_readings")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quoted != "[telemetry].[sensor_readings]" {
		t.Fatalf("unexpected quote: %s", quoted)
	}
}

func TestMSSQLStatementsUseTop(t *testing.T) {
	stmts, err := mssqlStatements(ConnectionConfig{Type: "mssql"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(stmts.recentReadings, "SELECT TOP (@p2)") {
		t.Fatalf("unexpected recent query: %s", stmts.recentReadings)
	}
	if !strings.Contains(stmts.schema[0], "OBJECT_ID(N'dbo.sensor_readings', N'U')") {
		t.Fatalf("expected schema guard on dbo.sensor_readings, got %s", stmts.schema[0])
	}
}
