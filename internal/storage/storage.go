package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed bookkeeping for jobs, uploads and input-directory events.
// Image data never goes in here; the slots on disk are the source of truth.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS uploads (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_name TEXT NOT NULL,
            file_path TEXT NOT NULL,
            file_size INTEGER,
            width INTEGER,
            height INTEGER,
            format TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS image_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_image_events_file_path ON image_events(file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_file_name ON uploads(file_name);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UploadRecord describes one accepted upload.
type UploadRecord struct {
	FileName string
	FilePath string
	FileSize int64
	Width    int
	Height   int
	Format   string
}

// ImageEvent is one change observed in the input directory.
type ImageEvent struct {
	FilePath  string    `json:"file_path"`
	EventType string    `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	FileSize  int64     `json:"file_size"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordUpload persists an accepted upload.
func (s *Store) RecordUpload(rec UploadRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO uploads (file_name, file_path, file_size, width, height, format) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.FileName, rec.FilePath, rec.FileSize, rec.Width, rec.Height, rec.Format)
	return err
}

// UploadCount returns how many uploads were recorded under fileName.
func (s *Store) UploadCount(fileName string) (int, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM uploads WHERE file_name=?;`, fileName).Scan(&n)
	return n, err
}

// RecordImageEvent stores one input-directory change.
func (s *Store) RecordImageEvent(ev ImageEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO image_events (file_path, event_type, event_time, file_size) VALUES (?, ?, ?, ?);`,
		ev.FilePath, ev.EventType, ev.EventTime, ev.FileSize)
	return err
}

// RecentImageEvents returns the latest input-directory changes up to limit.
func (s *Store) RecentImageEvents(limit int) ([]ImageEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, event_type, event_time, file_size FROM image_events ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []ImageEvent
	for rows.Next() {
		var ev ImageEvent
		var size sql.NullInt64
		if err := rows.Scan(&ev.FilePath, &ev.EventType, &ev.EventTime, &size); err != nil {
			return nil, err
		}
		ev.FileSize = size.Int64
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}
