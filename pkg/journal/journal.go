// Package journal keeps a local history of captures and their delivery
// state.
package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Status string

const (
	StatusCaptured Status = "captured"
	StatusNoImage  Status = "no-image"
	StatusRetained Status = "retained"
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

type Entry struct {
	ID          string
	TakenAt     time.Time
	Trigger     string
	Media       string
	Temperature float64
	Humidity    float64
	SensorValid bool
	Regions     int
	Status      Status
}

type Stats struct {
	Total     int
	ByTrigger map[string]int
	ByStatus  map[Status]int
	Last      time.Time
}

type Journal struct {
	db *sql.DB
	mu sync.RWMutex
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		taken_at DATETIME NOT NULL,
		trigger TEXT NOT NULL,
		media TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0,
		humidity REAL NOT NULL DEFAULT 0,
		sensor_valid INTEGER NOT NULL DEFAULT 0,
		regions INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_captures_taken_at ON captures(taken_at);
	CREATE INDEX IF NOT EXISTS idx_captures_media ON captures(media);
	`)
	return err
}

func (j *Journal) Insert(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO captures (id, taken_at, trigger, media, temperature, humidity, sensor_valid, regions, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TakenAt.UTC(), e.Trigger, e.Media, e.Temperature, e.Humidity, e.SensorValid, e.Regions, string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to insert capture: %w", err)
	}
	return nil
}

// SetStatus updates every capture referencing media.
func (j *Journal) SetStatus(media string, status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		UPDATE captures SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE media = ?
	`, string(status), media)
	if err != nil {
		return fmt.Errorf("failed to update capture %s: %w", media, err)
	}
	return nil
}

// Recent returns the newest captures first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query(`
		SELECT id, taken_at, trigger, media, temperature, humidity, sensor_valid, regions, status
		FROM captures ORDER BY taken_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.ID, &e.TakenAt, &e.Trigger, &e.Media, &e.Temperature, &e.Humidity, &e.SensorValid, &e.Regions, &status); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		e.Status = Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) Stats() (*Stats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := &Stats{
		ByTrigger: make(map[string]int),
		ByStatus:  make(map[Status]int),
	}

	if err := j.db.QueryRow(`SELECT COUNT(*) FROM captures`).Scan(&stats.Total); err != nil {
		return nil, err
	}

	var last sql.NullString
	if err := j.db.QueryRow(`SELECT MAX(taken_at) FROM captures`).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano} {
			if ts, err := time.Parse(layout, last.String); err == nil {
				stats.Last = ts
				break
			}
		}
	}

	byTrigger, err := j.countBy("trigger")
	if err != nil {
		return nil, err
	}
	stats.ByTrigger = byTrigger

	byStatus, err := j.countBy("status")
	if err != nil {
		return nil, err
	}
	for status, count := range byStatus {
		stats.ByStatus[Status(status)] = count
	}

	return stats, nil
}

// countBy groups captures by column. The rows are drained before returning
// since the pool holds a single connection.
func (j *Journal) countBy(column string) (map[string]int, error) {
	rows, err := j.db.Query(fmt.Sprintf(`SELECT %s, COUNT(*) FROM captures GROUP BY %s`, column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
