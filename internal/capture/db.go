// Package capture persists UART sessions and their packets to SQLite so they
// can be listed and exported after the connection is gone.
package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/packet"
	_ "modernc.org/sqlite"
)

var ErrSessionNotFound = errors.New("capture session not found")

type DB struct {
	*sql.DB
	logger *logrus.Logger
}

// SessionInfo summarizes one recorded session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Packets   int       `json:"packets"`
	RxBytes   int64     `json:"rx_bytes"`
	TxBytes   int64     `json:"tx_bytes"`
}

// Open opens (or creates) the capture database at path and migrates it to the latest schema.
func Open(path string, logger *logrus.Logger) (*DB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture database %s: %w", path, err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY between the recorder and readers.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, logger: logger}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to configure capture database: %w", err)
	}
	if err := db.MigrateUp(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("Capture database ready")
	return db, nil
}

// BeginSession records the start of a session.
func (db *DB) BeginSession(ctx context.Context, id, address, name string, startedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (id, address, name, started_at) VALUES (?, ?, ?, ?)`,
		id, address, name, startedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the end time of a session.
func (db *DB) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, endedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// InsertPacket stores one packet at position seq of a session.
func (db *DB) InsertPacket(ctx context.Context, sessionID string, seq int64, p packet.Packet) error {
	data := p.Payload()
	if data == nil {
		data = []byte{}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO packets (session_id, seq, ts_unix_nano, mode, data) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, p.Timestamp().UnixNano(), p.Mode().String(), data)
	if err != nil {
		return fmt.Errorf("failed to record packet %d of session %s: %w", seq, sessionID, err)
	}
	return nil
}

// Sessions lists recorded sessions, newest first.
func (db *DB) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.address, s.name, s.started_at, s.ended_at,
		       COUNT(p.seq),
		       COALESCE(SUM(CASE WHEN p.mode = 'RX' THEN LENGTH(p.data) END), 0),
		       COALESCE(SUM(CASE WHEN p.mode = 'TX' THEN LENGTH(p.data) END), 0)
		FROM sessions s
		LEFT JOIN packets p ON p.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &info.Address, &info.Name, &started, &ended,
			&info.Packets, &info.RxBytes, &info.TxBytes); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.StartedAt = time.Unix(0, started)
		if ended.Valid {
			info.EndedAt = time.Unix(0, ended.Int64)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Packets loads the packets of a session in append order.
func (db *DB) Packets(ctx context.Context, sessionID string) ([]packet.Packet, error) {
	var address string
	err := db.QueryRowContext(ctx, `SELECT address FROM sessions WHERE id = ?`, sessionID).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT ts_unix_nano, mode, data FROM packets WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load packets of session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []packet.Packet
	for rows.Next() {
		var (
			ts   int64
			mode string
			data []byte
		)
		if err := rows.Scan(&ts, &mode, &data); err != nil {
			return nil, fmt.Errorf("failed to scan packet: %w", err)
		}
		m, err := packet.ParseMode(mode)
		if err != nil {
			return nil, err
		}
		out = append(out, packet.NewFromPeripheral(time.Unix(0, ts), m, data, address))
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its packets.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}
