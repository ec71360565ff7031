// Package audit persists the Link Event Log: every join attempt, send
// outcome, and provisioning step the Link Controller produces, for
// offline inspection via cmd/linkmon. WAL mode, idempotent CREATE TABLE
// IF NOT EXISTS migrations, indices on the columns queried most.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the event log.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the event log database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS join_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dev_eui TEXT NOT NULL,
		band TEXT NOT NULL,
		success INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_join_attempts_timestamp ON join_attempts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_join_attempts_band ON join_attempts(band);

	CREATE TABLE IF NOT EXISTS send_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dev_eui TEXT NOT NULL,
		fport INTEGER NOT NULL,
		confirmed INTEGER NOT NULL,
		acked INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		fail_count INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_send_outcomes_timestamp ON send_outcomes(timestamp);

	CREATE TABLE IF NOT EXISTS provisioning_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dev_eui TEXT NOT NULL,
		step TEXT NOT NULL,
		success INTEGER NOT NULL,
		detail TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_provisioning_steps_timestamp ON provisioning_steps(timestamp);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// JoinAttempt is one row of the join_attempts table.
type JoinAttempt struct {
	DevEui     string
	Band       string
	Success    bool
	RetryCount uint8
	Timestamp  time.Time
}

func (db *DB) InsertJoinAttempt(a JoinAttempt) error {
	_, err := db.conn.Exec(
		`INSERT INTO join_attempts (dev_eui, band, success, retry_count) VALUES (?, ?, ?, ?)`,
		a.DevEui, a.Band, boolToInt(a.Success), a.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("audit: insert join attempt: %w", err)
	}
	return nil
}

// SendOutcome is one row of the send_outcomes table.
type SendOutcome struct {
	DevEui     string
	FPort      uint8
	Confirmed  bool
	Acked      bool
	RetryCount uint8
	FailCount  int32
}

func (db *DB) InsertSendOutcome(o SendOutcome) error {
	_, err := db.conn.Exec(
		`INSERT INTO send_outcomes (dev_eui, fport, confirmed, acked, retry_count, fail_count) VALUES (?, ?, ?, ?, ?, ?)`,
		o.DevEui, o.FPort, boolToInt(o.Confirmed), boolToInt(o.Acked), o.RetryCount, o.FailCount,
	)
	if err != nil {
		return fmt.Errorf("audit: insert send outcome: %w", err)
	}
	return nil
}

// ProvisioningStep is one row of the provisioning_steps table.
type ProvisioningStep struct {
	DevEui  string
	Step    string
	Success bool
	Detail  string
}

func (db *DB) InsertProvisioningStep(s ProvisioningStep) error {
	_, err := db.conn.Exec(
		`INSERT INTO provisioning_steps (dev_eui, step, success, detail) VALUES (?, ?, ?, ?)`,
		s.DevEui, s.Step, boolToInt(s.Success), s.Detail,
	)
	if err != nil {
		return fmt.Errorf("audit: insert provisioning step: %w", err)
	}
	return nil
}

// RecentJoinAttempts returns the most recent n join attempts, newest first.
func (db *DB) RecentJoinAttempts(n int) ([]JoinAttempt, error) {
	rows, err := db.conn.Query(
		`SELECT dev_eui, band, success, retry_count, timestamp FROM join_attempts ORDER BY timestamp DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query join attempts: %w", err)
	}
	defer rows.Close()

	var out []JoinAttempt
	for rows.Next() {
		var a JoinAttempt
		var success int
		if err := rows.Scan(&a.DevEui, &a.Band, &success, &a.RetryCount, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan join attempt: %w", err)
		}
		a.Success = success != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentSendOutcomes returns the most recent n send outcomes, newest first.
func (db *DB) RecentSendOutcomes(n int) ([]SendOutcome, error) {
	rows, err := db.conn.Query(
		`SELECT dev_eui, fport, confirmed, acked, retry_count, fail_count FROM send_outcomes ORDER BY timestamp DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query send outcomes: %w", err)
	}
	defer rows.Close()

	var out []SendOutcome
	for rows.Next() {
		var o SendOutcome
		var confirmed, acked int
		if err := rows.Scan(&o.DevEui, &o.FPort, &confirmed, &acked, &o.RetryCount, &o.FailCount); err != nil {
			return nil, fmt.Errorf("audit: scan send outcome: %w", err)
		}
		o.Confirmed = confirmed != 0
		o.Acked = acked != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecentProvisioningSteps returns the most recent n provisioning steps,
// newest first.
func (db *DB) RecentProvisioningSteps(n int) ([]ProvisioningStep, error) {
	rows, err := db.conn.Query(
		`SELECT dev_eui, step, success, detail FROM provisioning_steps ORDER BY timestamp DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query provisioning steps: %w", err)
	}
	defer rows.Close()

	var out []ProvisioningStep
	for rows.Next() {
		var s ProvisioningStep
		var success int
		var detail sql.NullString
		if err := rows.Scan(&s.DevEui, &s.Step, &success, &detail); err != nil {
			return nil, fmt.Errorf("audit: scan provisioning step: %w", err)
		}
		s.Success = success != 0
		s.Detail = detail.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
