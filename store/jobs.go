package store

import (
	"database/sql"
	"time"
)

// Job statuses
const (
	JobQueued  = "queued"
	JobPrinted = "printed"
	JobDropped = "dropped"
)

// JobRecord is one journaled print job.
type JobRecord struct {
	UUID        string    `json:"uuid"`
	Source      string    `json:"source"`
	Text        string    `json:"text"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Lines       int       `json:"lines"`
	WriteErrors int       `json:"write_errors"`
	ReceivedAt  time.Time `json:"received_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const jobSelectCols = `uuid, source, text, status, reason, lines, write_errors, received_at, updated_at`

// RecordQueued journals a job that entered the print queue. A row that
// already exists, for example one already marked printed, is left alone.
func (db *DB) RecordQueued(id, source, text string, receivedAt time.Time) error {
	_, err := db.Exec(`INSERT INTO jobs (uuid, source, text, status, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING`,
		id, source, text, JobQueued, formatTime(receivedAt), formatTime(time.Now()))
	return err
}

// MarkPrinted records the outcome of a printed job. A job that was never
// journaled as queued is inserted so the journal stays complete.
func (db *DB) MarkPrinted(id, source, text string, receivedAt time.Time, lines, writeErrors int) error {
	now := formatTime(time.Now())
	_, err := db.Exec(`INSERT INTO jobs (uuid, source, text, status, lines, write_errors, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET status = excluded.status, lines = excluded.lines,
			write_errors = excluded.write_errors, updated_at = excluded.updated_at`,
		id, source, text, JobPrinted, lines, writeErrors, formatTime(receivedAt), now)
	return err
}

// RecordDropped journals a message that was rejected before it became a job.
func (db *DB) RecordDropped(id, source, reason string, at time.Time) error {
	ts := formatTime(at)
	_, err := db.Exec(`INSERT INTO jobs (uuid, source, status, reason, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, source, JobDropped, reason, ts, ts)
	return err
}

func (db *DB) GetJob(id string) (*JobRecord, error) {
	rows, err := db.Query(`SELECT `+jobSelectCols+` FROM jobs WHERE uuid = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &jobs[0], nil
}

// ListJobs returns the most recent jobs, newest first.
func (db *DB) ListJobs(limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+jobSelectCols+` FROM jobs
		ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountJobsByStatus returns the number of journaled jobs per status.
func (db *DB) CountJobsByStatus() (map[string]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanJobs(rows *sql.Rows) ([]JobRecord, error) {
	var jobs []JobRecord
	for rows.Next() {
		var j JobRecord
		var receivedAt, updatedAt string
		if err := rows.Scan(&j.UUID, &j.Source, &j.Text, &j.Status, &j.Reason,
			&j.Lines, &j.WriteErrors, &receivedAt, &updatedAt); err != nil {
			return nil, err
		}
		j.ReceivedAt = scanTime(receivedAt)
		j.UpdatedAt = scanTime(updatedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
