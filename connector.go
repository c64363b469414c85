// file: connector.go
package dbconnector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultReadingsTable = "sensor_readings"
	DefaultAuditTable    = "agent_logs"
	maxRecentLimit       = 1000
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidReading = errors.New("invalid reading")
)

// DbConnector is the telemetry store contract shared by every SQL engine:
// append-only readings plus the append-only audit ledger.
type DbConnector interface {
	TestConnection(ctx context.Context) error

	EnsureSchema(ctx context.Context) error

	AppendReading(ctx context.Context, reading Reading) (Reading, error)

	RecentReadings(ctx context.Context, machineID string, limit int) ([]Reading, error)

	AppendAuditEntry(ctx context.Context, entry AuditEntry) (AuditEntry, error)

	LatestAuditEntry(ctx context.Context, machineID string) (AuditEntry, error)

	Close() error
}

type ConnectionConfig struct {
	Type          string // mysql | postgres | mssql
	Host          string
	Port          int
	User          string
	Password      string
	Database      string
	SSLMode       string
	ReadingsTable string
	AuditTable    string
}

type Reading struct {
	MachineID   string
	Vibration   float64
	Temperature float64
	Timestamp   time.Time
}

type AuditEntry struct {
	ID             string
	MachineID      string
	Status         string
	RiskScore      float64
	Recommendation string
	Timestamp      time.Time
}

var (
	readingColumns = []string{"machine_id", "vibration", "temperature", "timestamp"}
	auditColumns   = []string{"id", "machine_id", "status", "risk_score", "recommendation", "timestamp"}
)

type statements struct {
	insertReading  string
	recentReadings string
	insertAudit    string
	latestAudit    string
	latestAuditAll string
	schema         []string
}

type baseConnector struct {
	cfg    ConnectionConfig
	db     *sql.DB
	engine string
	stmts  statements
	now    func() time.Time
	newID  func() string
}

func newBaseConnector(cfg ConnectionConfig, db *sql.DB, engine string, stmts statements) baseConnector {
	return baseConnector{
		cfg:    cfg,
		db:     db,
		engine: engine,
		stmts:  stmts,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (b *baseConnector) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *baseConnector) EnsureSchema(ctx context.Context) error {
	for _, stmt := range b.stmts.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", b.engine, err)
		}
	}
	return nil
}

func (b *baseConnector) AppendReading(ctx context.Context, reading Reading) (Reading, error) {
	reading, err := normalizeReading(reading)
	if err != nil {
		return Reading{}, err
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = b.now().UTC()
	}
	_, err = b.db.ExecContext(ctx, b.stmts.insertReading, reading.MachineID, reading.Vibration, reading.Temperature, reading.Timestamp)
	if err != nil {
		return Reading{}, fmt.Errorf("insert %s reading: %w", b.engine, err)
	}
	return reading, nil
}

func (b *baseConnector) RecentReadings(ctx context.Context, machineID string, limit int) ([]Reading, error) {
	limit = normalizeRecentLimit(limit)
	if limit == 0 {
		return []Reading{}, nil
	}
	rows, err := b.db.QueryContext(ctx, b.stmts.recentReadings, machineID, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s readings: %w", b.engine, err)
	}
	defer rows.Close()
	raw, err := scanRowsToMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("scan %s readings: %w", b.engine, err)
	}
	results := make([]Reading, 0, len(raw))
	for _, row := range raw {
		reading, err := readingFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("decode %s reading: %w", b.engine, err)
		}
		results = append(results, reading)
	}
	return results, nil
}

func (b *baseConnector) AppendAuditEntry(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	entry, err := normalizeAuditEntry(entry)
	if err != nil {
		return AuditEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = b.newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now().UTC()
	}
	_, err = b.db.ExecContext(ctx, b.stmts.insertAudit, entry.ID, entry.MachineID, entry.Status, entry.RiskScore, entry.Recommendation, entry.Timestamp)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("insert %s audit entry: %w", b.engine, err)
	}
	return entry, nil
}

func (b *baseConnector) LatestAuditEntry(ctx context.Context, machineID string) (AuditEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if machineID == "" {
		rows, err = b.db.QueryContext(ctx, b.stmts.latestAuditAll)
	} else {
		rows, err = b.db.QueryContext(ctx, b.stmts.latestAudit, machineID)
	}
	if err != nil {
		return AuditEntry{}, fmt.Errorf("query %s audit entry: %w", b.engine, err)
	}
	defer rows.Close()
	raw, err := scanRowsToMaps(rows)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("scan %s audit entry: %w", b.engine, err)
	}
	if len(raw) == 0 {
		return AuditEntry{}, ErrNotFound
	}
	return auditEntryFromRow(raw[0])
}

// normalizeReading trims the machine id so every engine keys a machine the
// same way the in-process stores do.
func normalizeReading(reading Reading) (Reading, error) {
	reading.MachineID = strings.TrimSpace(reading.MachineID)
	if reading.MachineID == "" {
		return Reading{}, fmt.Errorf("%w: machine id is required", ErrInvalidReading)
	}
	if strings.ContainsRune(reading.MachineID, 0) {
		return Reading{}, fmt.Errorf("%w: machine id contains NUL", ErrInvalidReading)
	}
	if math.IsNaN(reading.Vibration) || math.IsInf(reading.Vibration, 0) {
		return Reading{}, fmt.Errorf("%w: vibration must be finite", ErrInvalidReading)
	}
	if math.IsNaN(reading.Temperature) || math.IsInf(reading.Temperature, 0) {
		return Reading{}, fmt.Errorf("%w: temperature must be finite", ErrInvalidReading)
	}
	return reading, nil
}

func normalizeAuditEntry(entry AuditEntry) (AuditEntry, error) {
	entry.MachineID = strings.TrimSpace(entry.MachineID)
	if entry.MachineID == "" {
		return AuditEntry{}, errors.New("audit entry machine id is required")
	}
	if strings.ContainsRune(entry.MachineID, 0) {
		return AuditEntry{}, errors.New("audit entry machine id contains NUL")
	}
	if math.IsNaN(entry.RiskScore) || entry.RiskScore < 0 || entry.RiskScore > 1 {
		return AuditEntry{}, fmt.Errorf("audit entry risk score %v outside [0,1]", entry.RiskScore)
	}
	return entry, nil
}

func normalizeRecentLimit(limit int) int {
	if limit <= 0 {
		return 0
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}

func tableOrDefault(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return strings.TrimSpace(name)
}

func bindList(n int, bind func(int) string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = bind(i + 1)
	}
	return strings.Join(parts, ", ")
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func splitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

func quoteQualified(ident string, maxSegments int, quote func(string) string) (string, []string, error) {
	parts, err := splitIdentifier(ident)
	if err != nil {
		return "", nil, err
	}
	if maxSegments > 0 && len(parts) > maxSegments {
		return "", nil, fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = quote(part)
	}
	return strings.Join(quoted, "."), parts, nil
}

func quoteList(names []string, quote func(string) string) (string, error) {
	if len(names) == 0 {
		return "", errors.New("no columns provided")
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		if name == "" {
			return "", errors.New("column name is empty")
		}
		parts, err := splitIdentifier(name)
		if err != nil || len(parts) != 1 {
			return "", fmt.Errorf("invalid column name %q", name)
		}
		quoted[i] = quote(name)
	}
	return strings.Join(quoted, ", "), nil
}

func scanRowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := *(values[i].(*any))
			row[strings.ToLower(col)] = normalizeValue(v)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	default:
		return t
	}
}

// readingFromRow tolerates the value shapes the three drivers hand back
// (DECIMAL as text on mysql, DATETIME2 as time.Time on mssql, and so on).
func readingFromRow(row map[string]any) (Reading, error) {
	vib, ok := toFloat(row["vibration"])
	if !ok {
		return Reading{}, fmt.Errorf("vibration %v is not numeric", row["vibration"])
	}
	temp, ok := toFloat(row["temperature"])
	if !ok {
		return Reading{}, fmt.Errorf("temperature %v is not numeric", row["temperature"])
	}
	ts, ok := toTime(row["timestamp"])
	if !ok {
		return Reading{}, fmt.Errorf("timestamp %v is not a time", row["timestamp"])
	}
	return Reading{
		MachineID:   toString(row["machine_id"]),
		Vibration:   vib,
		Temperature: temp,
		Timestamp:   ts.UTC(),
	}, nil
}

func auditEntryFromRow(row map[string]any) (AuditEntry, error) {
	risk, ok := toFloat(row["risk_score"])
	if !ok {
		return AuditEntry{}, fmt.Errorf("risk_score %v is not numeric", row["risk_score"])
	}
	ts, ok := toTime(row["timestamp"])
	if !ok {
		return AuditEntry{}, fmt.Errorf("timestamp %v is not a time", row["timestamp"])
	}
	return AuditEntry{
		ID:             toString(row["id"]),
		MachineID:      toString(row["machine_id"]),
		Status:         toString(row["status"]),
		RiskScore:      risk,
		Recommendation: toString(row["recommendation"]),
		Timestamp:      ts.UTC(),
	}, nil
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, false
	}
}

func parseTime(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02 15:04:05.999999", s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
