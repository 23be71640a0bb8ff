// Package storage provides durable persistence for positions, risk
// assessments and emergency events.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trade_runtime/internal/core"
	apperrors "trade_runtime/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS risk_assessments (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	level      TEXT NOT NULL,
	action     TEXT NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS emergency_events (
	id         TEXT PRIMARY KEY,
	trigger_   TEXT NOT NULL,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLiteStore persists runtime state in a local SQLite database.
// WAL mode is enabled so a crash mid-write never corrupts the file.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.WithField("component", "sqlite_store")}
	s.logger.Info("sqlite store opened", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) SavePosition(ctx context.Context, p *core.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	// Validate JSON (round-trip test)
	var check core.Position
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("position validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO positions (id, symbol, status, data, checksum, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Symbol, string(p.Status), string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: failed to write position: %v", apperrors.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) SaveRiskAssessment(ctx context.Context, a *core.RiskAssessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}
	checksum := sha256.Sum256(data)
	query := `INSERT INTO risk_assessments (level, action, data, checksum, created_at)
	          VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		string(a.Level), string(a.Action), string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: failed to write assessment: %v", apperrors.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) SaveEmergencyEvent(ctx context.Context, e *core.EmergencyEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO emergency_events (id, trigger_, data, checksum, created_at)
	          VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		e.ID, string(e.Trigger), string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: failed to write event: %v", apperrors.ErrPersistence, err)
	}
	return nil
}

// LoadOpenPositions returns every position not in a terminal state, for
// restart recovery. Rows failing checksum verification are reported, not
// silently dropped.
func (s *SQLiteStore) LoadOpenPositions(ctx context.Context) ([]*core.Position, error) {
	query := `SELECT data, checksum FROM positions WHERE status IN (?, ?)`
	rows, err := s.db.QueryContext(ctx, query,
		string(core.PositionPending), string(core.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to read positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		var data string
		var stored []byte
		if err := rows.Scan(&data, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		if err := verifyChecksum([]byte(data), stored); err != nil {
			s.logger.Error("position row failed checksum verification", "error", err)
			return nil, err
		}
		var p core.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position: %w", err)
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// GetStatistics recomputes aggregate statistics from closed positions.
// Used once at startup to seed the in-memory ledger counters.
func (s *SQLiteStore) GetStatistics(ctx context.Context) (*core.LedgerStatistics, error) {
	query := `SELECT data, checksum FROM positions WHERE status = ?`
	rows, err := s.db.QueryContext(ctx, query, string(core.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("failed to read closed positions: %w", err)
	}
	defer rows.Close()

	stats := &core.LedgerStatistics{}
	dayStart := time.Now().Truncate(24 * time.Hour)

	for rows.Next() {
		var data string
		var stored []byte
		if err := rows.Scan(&data, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		if err := verifyChecksum([]byte(data), stored); err != nil {
			s.logger.Error("closed position row failed checksum verification", "error", err)
			return nil, err
		}
		var p core.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position: %w", err)
		}

		stats.ClosedPositions++
		if p.RealizedPnL.IsPositive() {
			stats.Wins++
		} else if p.RealizedPnL.IsNegative() {
			stats.Losses++
		}
		stats.RealizedPnL = stats.RealizedPnL.Add(p.RealizedPnL)
		if !p.ExitTime.Before(dayStart) {
			stats.DailyPnL = stats.DailyPnL.Add(p.RealizedPnL)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.ClosedPositions > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.ClosedPositions)
	}
	stats.TotalPnL = stats.RealizedPnL
	stats.UnrealizedPnL = decimal.Zero
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func verifyChecksum(data, stored []byte) error {
	computed := sha256.Sum256(data)
	if len(stored) != len(computed) {
		return fmt.Errorf("%w: checksum length mismatch", apperrors.ErrChecksumMismatch)
	}
	for i := range computed {
		if stored[i] != computed[i] {
			return fmt.Errorf("%w: data corruption detected", apperrors.ErrChecksumMismatch)
		}
	}
	return nil
}
