package dbconnector

import (
	"context"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockConnector(t *testing.T, engine string) (DbConnector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	conn, err := NewConnectorWithDB(ConnectionConfig{Type: engine}, db)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	return conn, mock
}

func TestPostgresAppendReading(t *testing.T) {
	conn, mock := newMockConnector(t, "postgres")
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	expected := regexp.QuoteMeta(`INSERT INTO "sensor_readings" ("machine_id", "vibration", "temperature", "timestamp") VALUES ($1, $2, $3, $4)`)
	mock.ExpectExec(expected).
		WithArgs("MAC-101", 85.0, 95.0, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stored, err := conn.AppendReading(context.Background(), Reading{MachineID: "MAC-101", Vibration: 85, Temperature: 95, Timestamp: ts})
	if err != nil {
		t.Fatalf("append reading: %v", err)
	}
	if !stored.Timestamp.Equal(ts) {
		t.Fatalf("expected caller timestamp to be kept, got %s", stored.Timestamp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendReadingStampsServerTime(t *testing.T) {
	conn, mock := newMockConnector(t, "mysql")
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	conn.(*MySQLConnector).now = func() time.Time { return fixed }

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `sensor_readings`")).
		WithArgs("MAC-101", 20.0, 45.0, fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stored, err := conn.AppendReading(context.Background(), Reading{MachineID: "MAC-101", Vibration: 20, Temperature: 45})
	if err != nil {
		t.Fatalf("append reading: %v", err)
	}
	if !stored.Timestamp.Equal(fixed) {
		t.Fatalf("expected server timestamp %s, got %s", fixed, stored.Timestamp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendReadingRejectsMissingMachine(t *testing.T) {
	conn, mock := newMockConnector(t, "postgres")
	_, err := conn.AppendReading(context.Background(), Reading{Vibration: 1, Temperature: 1})
	if !errors.Is(err, ErrInvalidReading) {
		t.Fatalf("expected ErrInvalidReading, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected statements executed: %v", err)
	}
}

func TestPostgresRecentReadingsNewestFirst(t *testing.T) {
	conn, mock := newMockConnector(t, "postgres")
	newer := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	older := newer.Add(-5 * time.Second)

	expected := regexp.QuoteMeta(`SELECT "machine_id", "vibration", "temperature", "timestamp" FROM "sensor_readings" WHERE "machine_id" = $1 ORDER BY "timestamp" DESC, "id" DESC LIMIT $2`)
	rows := sqlmock.NewRows([]string{"machine_id", "vibration", "temperature", "timestamp"}).
		AddRow("MAC-101", 86.0, 96.0, newer).
		AddRow("MAC-101", 21.0, 45.5, older)
	mock.ExpectQuery(expected).WithArgs("MAC-101", 5).WillReturnRows(rows)

	readings, err := conn.RecentReadings(context.Background(), "MAC-101", 5)
	if err != nil {
		t.Fatalf("recent readings: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if !readings[0].Timestamp.Equal(newer) || readings[0].Vibration != 86 {
		t.Fatalf("expected newest reading first, got %+v", readings[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecentReadingsZeroLimitSkipsQuery(t *testing.T) {
	conn, mock := newMockConnector(t, "mssql")
	readings, err := conn.RecentReadings(context.Background(), "MAC-101", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(readings) != 0 {
		t.Fatalf("expected empty result")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected statements executed: %v", err)
	}
}

func TestMSSQLRecentReadingsUnknownMachine(t *testing.T) {
	conn, mock := newMockConnector(t, "mssql")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT TOP (@p2)")).
		WithArgs("MAC-999", 5).
		WillReturnRows(sqlmock.NewRows([]string{"machine_id", "vibration", "temperature", "timestamp"}))

	readings, err := conn.RecentReadings(context.Background(), "MAC-999", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readings == nil || len(readings) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", readings)
	}
}

func TestAppendReadingTrimsMachineID(t *testing.T) {
	conn, mock := newMockConnector(t, "postgres")
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sensor_readings"`)).
		WithArgs("MAC-101", 20.0, 45.0, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stored, err := conn.AppendReading(context.Background(), Reading{MachineID: "  MAC-101\n", Vibration: 20, Temperature: 45, Timestamp: ts})
	if err != nil {
		t.Fatalf("append reading: %v", err)
	}
	if stored.MachineID != "MAC-101" {
		t.Fatalf("expected trimmed machine id, got %q", stored.MachineID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendAuditEntryRejectsNaNRisk(t *testing.T) {
	conn, mock := newMockConnector(t, "mssql")
	_, err := conn.AppendAuditEntry(context.Background(), AuditEntry{MachineID: "MAC-101", Status: "CRITICAL", RiskScore: math.NaN()})
	if err == nil {
		t.Fatalf("expected NaN risk score to be rejected")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no statement, got %v", err)
	}
}

func TestLatestAuditEntryBreaksTimestampTies(t *testing.T) {
	conn, mock := newMockConnector(t, "mssql")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "machine_id", "status", "risk_score", "recommendation", "timestamp"}).
		AddRow("entry-2", "MAC-101", "CRITICAL", 0.95, "second", ts)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE [machine_id] = @p1 ORDER BY [timestamp] DESC, [seq] DESC")).
		WithArgs("MAC-101").
		WillReturnRows(rows)

	entry, err := conn.LatestAuditEntry(context.Background(), "MAC-101")
	if err != nil {
		t.Fatalf("latest audit entry: %v", err)
	}
	if entry.ID != "entry-2" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestAppendAuditEntryAssignsIDAndTimestamp(t *testing.T) {
	conn, mock := newMockConnector(t, "postgres")
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	pg := conn.(*PostgresConnector)
	pg.now = func() time.Time { return fixed }
	pg.newID = func() string { return "entry-1" }

	expected := regexp.QuoteMeta(`INSERT INTO "agent_logs" ("id", "machine_id", "status", "risk_score", "recommendation", "timestamp") VALUES ($1, $2, $3, $4, $5, $6)`)
	mock.ExpectExec(expected).
		WithArgs("entry-1", "MAC-101", "CRITICAL", 0.95, "Auto-detected critical readings", fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry, err := conn.AppendAuditEntry(context.Background(), AuditEntry{
		MachineID:      "MAC-101",
		Status:         "CRITICAL",
		RiskScore:      0.95,
		Recommendation: "Auto-detected critical readings",
	})
	if err != nil {
		t.Fatalf("append audit entry: %v", err)
	}
	if entry.ID != "entry-1" || !entry.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendAuditEntryPropagatesFailure(t *testing.T) {
	conn, mock := newMockConnector(t, "mysql")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `agent_logs`")).
		WillReturnError(errors.New("connection reset"))

	_, err := conn.AppendAuditEntry(context.Background(), AuditEntry{MachineID: "MAC-101", Status: "CRITICAL"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLatestAuditEntry(t *testing.T) {
	conn, mock := newMockConnector(t, "mysql")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "machine_id", "status", "risk_score", "recommendation", "timestamp"}).
		AddRow("entry-1", "MAC-101", "CRITICAL", 0.95, "Auto-detected critical readings", ts)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `machine_id`, `status`, `risk_score`, `recommendation`, `timestamp` FROM `agent_logs` WHERE `machine_id` = ? ORDER BY `timestamp` DESC, `seq` DESC LIMIT 1")).
		WithArgs("MAC-101").
		WillReturnRows(rows)

	entry, err := conn.LatestAuditEntry(context.Background(), "MAC-101")
	if err != nil {
		t.Fatalf("latest audit entry: %v", err)
	}
	if entry.ID != "entry-1" || entry.RiskScore != 0.95 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestLatestAuditEntryNotFound(t *testing.T) {
	conn, mock := newMockConnector(t, "postgres")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "agent_logs" ORDER BY "timestamp" DESC, "seq" DESC LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "machine_id", "status", "risk_score", "recommendation", "timestamp"}))

	_, err := conn.LatestAuditEntry(context.Background(), "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureSchemaRunsEveryStatement(t *testing.T) {
	conn, mock := newMockConnector(t, "postgres")
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "sensor_readings"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "sensor_readings_machine_ts_idx"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "agent_logs"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "agent_logs" ADD COLUMN IF NOT EXISTS "seq" BIGSERIAL`)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := conn.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCustomTableNames(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	if _, err := NewConnectorWithDB(ConnectionConfig{Type: "postgres", ReadingsTable: "bad name"}, db); err == nil {
		t.Fatalf("expected error for invalid table name")
	}
	conn, err := NewConnectorWithDB(ConnectionConfig{Type: "postgres", ReadingsTable: "plant.readings"}, db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pg := conn.(*PostgresConnector)
	if pg.stmts.insertReading[:len(`INSERT INTO "plant"."readings"`)] != `INSERT INTO "plant"."readings"` {
		t.Fatalf("unexpected insert statement: %s", pg.stmts.insertReading)
	}
}
