package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/bridge"
	"github.com/natejonesbaby/PropertyCall-Local-sub002/tools"
)

// DB wraps sql.DB
type DB struct {
	*sql.DB
}

// CallRecord is the stored outcome of one bridged call
type CallRecord struct {
	CallID            string                  `json:"call_id"`
	SessionID         string                  `json:"session_id"`
	Provider          string                  `json:"provider"`
	StreamID          string                  `json:"stream_id,omitempty"`
	Outcome           string                  `json:"outcome"` // completed or failed
	Reason            string                  `json:"reason,omitempty"`
	ReconnectAttempts int                     `json:"reconnect_attempts"`
	Lead              map[string]string       `json:"lead,omitempty"`
	Stats             bridge.Stats            `json:"stats"`
	Summary           string                  `json:"summary,omitempty"`
	StartedAt         time.Time               `json:"started_at"`
	EndedAt           time.Time               `json:"ended_at"`
	Transcript        []bridge.TranscriptLine `json:"transcript,omitempty"`
	Qualification     *tools.Qualification    `json:"qualification,omitempty"`
}

// Duration of the call
func (r *CallRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// InitDB opens the database and runs migrations
func InitDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{sqlDB}

	if err := db.runMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// sqliteDSN adds a busy timeout and WAL so the post-call writer and the
// status API can use the database at the same time.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (db *DB) runMigrations() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		stream_id TEXT,
		outcome TEXT NOT NULL,
		reason TEXT,
		reconnect_attempts INTEGER DEFAULT 0,
		lead TEXT,
		stats TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transcript_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		spoken_at DATETIME,
		FOREIGN KEY (call_id) REFERENCES calls(call_id)
	);

	-- written while the call is live, before its calls row exists
	CREATE TABLE IF NOT EXISTS qualifications (
		call_id TEXT PRIMARY KEY,
		qualification_status TEXT,
		sentiment TEXT,
		disposition TEXT,
		motivation TEXT,
		timeline TEXT,
		price_expectation TEXT,
		callback_time TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transcript_call ON transcript_lines(call_id, id);
	CREATE INDEX IF NOT EXISTS idx_calls_ended ON calls(ended_at);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return err
	}

	// Migration: add summary column to calls
	var colCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('calls') WHERE name='summary'`).Scan(&colCount)
	if err != nil {
		return err
	}
	if colCount == 0 {
		if _, err = db.Exec(`ALTER TABLE calls ADD COLUMN summary TEXT`); err != nil {
			return err
		}
	}

	return nil
}

// SaveCall stores a call record with its transcript and qualification in
// one transaction. A record saved twice for the same call replaces the
// earlier one.
func (db *DB) SaveCall(rec *CallRecord) error {
	lead, err := json.Marshal(rec.Lead)
	if err != nil {
		return fmt.Errorf("failed to encode lead: %w", err)
	}
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO calls (call_id, session_id, provider, stream_id, outcome, reason, reconnect_attempts, lead, stats, summary, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			session_id = excluded.session_id,
			provider = excluded.provider,
			stream_id = excluded.stream_id,
			outcome = excluded.outcome,
			reason = excluded.reason,
			reconnect_attempts = excluded.reconnect_attempts,
			lead = excluded.lead,
			stats = excluded.stats,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, rec.CallID, rec.SessionID, rec.Provider, rec.StreamID, rec.Outcome, rec.Reason, rec.ReconnectAttempts,
		string(lead), string(stats), rec.Summary, rec.StartedAt, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM transcript_lines WHERE call_id = ?`, rec.CallID); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}
	for _, line := range rec.Transcript {
		_, err := tx.Exec(`
			INSERT INTO transcript_lines (call_id, speaker, text, spoken_at) VALUES (?, ?, ?, ?)
		`, rec.CallID, string(line.Speaker), line.Text, line.At)
		if err != nil {
			return fmt.Errorf("failed to save transcript line: %w", err)
		}
	}

	if err := saveQualification(tx, rec.CallID, rec.Qualification); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveQualification stores the latest qualification result for a call
func (db *DB) SaveQualification(callID string, q *tools.Qualification) error {
	return saveQualification(db, callID, q)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func saveQualification(ex execer, callID string, q *tools.Qualification) error {
	if q == nil {
		return nil
	}
	_, err := ex.Exec(`
		INSERT INTO qualifications (call_id, qualification_status, sentiment, disposition, motivation, timeline, price_expectation, callback_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			qualification_status = excluded.qualification_status,
			sentiment = excluded.sentiment,
			disposition = excluded.disposition,
			motivation = excluded.motivation,
			timeline = excluded.timeline,
			price_expectation = excluded.price_expectation,
			callback_time = excluded.callback_time
	`, callID, q.QualificationStatus, q.Sentiment, q.Disposition, q.Motivation, q.Timeline, q.PriceExpectation, q.CallbackTime)
	if err != nil {
		return fmt.Errorf("failed to save qualification: %w", err)
	}
	return nil
}

// UpdateSummary sets the post-call summary
func (db *DB) UpdateSummary(callID, summary string) error {
	_, err := db.Exec(`UPDATE calls SET summary = ? WHERE call_id = ?`, summary, callID)
	return err
}

const callColumns = `call_id, session_id, provider, stream_id, outcome, reason, reconnect_attempts, lead, stats, summary, started_at, ended_at`

func scanCall(row interface{ Scan(...any) error }) (*CallRecord, error) {
	rec := &CallRecord{}
	var streamID, reason, lead, stats, summary sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&rec.CallID, &rec.SessionID, &rec.Provider, &streamID, &rec.Outcome, &reason,
		&rec.ReconnectAttempts, &lead, &stats, &summary, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	rec.StreamID = streamID.String
	rec.Reason = reason.String
	rec.Summary = summary.String
	rec.StartedAt = startedAt.Time
	rec.EndedAt = endedAt.Time
	if lead.Valid && lead.String != "" {
		if err := json.Unmarshal([]byte(lead.String), &rec.Lead); err != nil {
			return nil, fmt.Errorf("failed to decode lead: %w", err)
		}
	}
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &rec.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode stats: %w", err)
		}
	}
	return rec, nil
}

// GetCall retrieves a call with its transcript and qualification.
// Returns sql.ErrNoRows when the call is unknown.
func (db *DB) GetCall(callID string) (*CallRecord, error) {
	rec, err := scanCall(db.QueryRow(`SELECT `+callColumns+` FROM calls WHERE call_id = ?`, callID))
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT speaker, text, spoken_at FROM transcript_lines WHERE call_id = ? ORDER BY id
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line bridge.TranscriptLine
		var speaker string
		var at sql.NullTime
		if err := rows.Scan(&speaker, &line.Text, &at); err != nil {
			return nil, err
		}
		line.Speaker = bridge.Speaker(speaker)
		line.At = at.Time
		rec.Transcript = append(rec.Transcript, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	q := &tools.Qualification{}
	var status, sentiment, disposition, motivation, timeline, price, callback sql.NullString
	err = db.QueryRow(`
		SELECT qualification_status, sentiment, disposition, motivation, timeline, price_expectation, callback_time
		FROM qualifications WHERE call_id = ?
	`, callID).Scan(&status, &sentiment, &disposition, &motivation, &timeline, &price, &callback)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to query qualification: %w", err)
	default:
		q.QualificationStatus = status.String
		q.Sentiment = sentiment.String
		q.Disposition = disposition.String
		q.Motivation = motivation.String
		q.Timeline = timeline.String
		q.PriceExpectation = price.String
		q.CallbackTime = callback.String
		rec.Qualification = q
	}

	return rec, nil
}

// RecentCalls lists the most recently finished calls, newest first,
// without transcripts
func (db *DB) RecentCalls(limit int) ([]*CallRecord, error) {
	rows, err := db.Query(`
		SELECT `+callColumns+` FROM calls ORDER BY ended_at DESC, created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, rec)
	}
	return calls, rows.Err()
}
