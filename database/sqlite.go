package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDB implements the Database interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database instance
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %v", err)
	}
	// one writer; avoids "database is locked" from concurrent callbacks
	db.SetMaxOpenConns(1)

	// Create tables if they don't exist
	err = initTables(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %v", err)
	}

	return &SQLiteDB{db: db}, nil
}

// initTables creates the necessary tables if they don't exist
func initTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			client_id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			source_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			rtsp_link TEXT NOT NULL UNIQUE,
			client_id INTEGER NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
			UNIQUE (name, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			log_id INTEGER PRIMARY KEY AUTOINCREMENT,
			log_type TEXT NOT NULL,
			description TEXT NOT NULL,
			log_timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			stream_path TEXT NOT NULL,
			source TEXT,
			filename TEXT NOT NULL,
			local_path TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			reason TEXT,
			exit_code INTEGER DEFAULT 0,
			size INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS arduino_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			port TEXT NOT NULL,
			baud_rate INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings (status)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs (log_timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	// Backup columns were added after the first release
	for _, col := range []struct{ name, typ string }{
		{"r2_key", "TEXT"},
		{"r2_url", "TEXT"},
		{"uploaded_at", "TIMESTAMP"},
	} {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('recordings') WHERE name=?`, col.name).Scan(&count)
		if err != nil {
			return err
		}
		if count == 0 {
			if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE recordings ADD COLUMN %s %s`, col.name, col.typ)); err != nil {
				return err
			}
			log.Printf("Added %s column to recordings table", col.name)
		}
	}

	return nil
}

// mapConstraint turns SQLite constraint violations into package errors.
func mapConstraint(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// ListClients returns every client with the number of sources it owns
func (s *SQLiteDB) ListClients() ([]Client, error) {
	rows, err := s.db.Query(`
		SELECT c.client_id, c.client_name, COUNT(s.source_id)
		FROM clients c
		LEFT JOIN sources s ON s.client_id = c.client_id
		GROUP BY c.client_id
		ORDER BY c.client_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %v", err)
	}
	defer rows.Close()

	clients := []Client{}
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.CameraCount); err != nil {
			return nil, fmt.Errorf("failed to scan client row: %v", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %v", err)
	}
	return clients, nil
}

// CreateClient inserts a client; names are unique
func (s *SQLiteDB) CreateClient(name string) (Client, error) {
	res, err := s.db.Exec(`INSERT INTO clients (client_name) VALUES (?)`, name)
	if err != nil {
		return Client{}, fmt.Errorf("failed to create client: %w", mapConstraint(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Client{}, fmt.Errorf("failed to create client: %v", err)
	}
	return Client{ID: id, Name: name}, nil
}

// DeleteClient removes a client and, through the foreign key, its sources
func (s *SQLiteDB) DeleteClient(id int64) error {
	res, err := s.db.Exec(`DELETE FROM clients WHERE client_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete client: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %d: %w", id, ErrNotFound)
	}
	return nil
}

const sourceColumns = `s.source_id, s.name, s.rtsp_link, s.client_id, c.client_name`

func scanSource(row interface{ Scan(...any) error }) (Source, error) {
	var src Source
	err := row.Scan(&src.ID, &src.Name, &src.RTSPLink, &src.ClientID, &src.ClientName)
	return src, err
}

// ListSources returns every source joined with its client name
func (s *SQLiteDB) ListSources() ([]Source, error) {
	rows, err := s.db.Query(`
		SELECT ` + sourceColumns + `
		FROM sources s
		JOIN clients c ON s.client_id = c.client_id
		ORDER BY c.client_name, s.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %v", err)
	}
	defer rows.Close()

	sources := []Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %v", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %v", err)
	}
	return sources, nil
}

// GetSource retrieves a source by its ID
func (s *SQLiteDB) GetSource(id int64) (*Source, error) {
	src, err := scanSource(s.db.QueryRow(`
		SELECT `+sourceColumns+`
		FROM sources s
		JOIN clients c ON s.client_id = c.client_id
		WHERE s.source_id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %v", err)
	}
	return &src, nil
}

// CreateSource inserts a camera. RTSP links are unique, as are names within a client.
func (s *SQLiteDB) CreateSource(name, rtspLink string, clientID int64) (Source, error) {
	res, err := s.db.Exec(`INSERT INTO sources (name, rtsp_link, client_id) VALUES (?, ?, ?)`, name, rtspLink, clientID)
	if err != nil {
		return Source{}, fmt.Errorf("failed to create source: %w", mapConstraint(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Source{}, fmt.Errorf("failed to create source: %v", err)
	}
	src, err := s.GetSource(id)
	if err != nil {
		return Source{}, err
	}
	return *src, nil
}

// UpdateSource changes a source's name, link or client
func (s *SQLiteDB) UpdateSource(id int64, name, rtspLink string, clientID int64) (Source, error) {
	res, err := s.db.Exec(`
		UPDATE sources
		SET name = ?, rtsp_link = ?, client_id = ?
		WHERE source_id = ?
	`, name, rtspLink, clientID, id)
	if err != nil {
		return Source{}, fmt.Errorf("failed to update source: %w", mapConstraint(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Source{}, fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	src, err := s.GetSource(id)
	if err != nil {
		return Source{}, err
	}
	return *src, nil
}

// DeleteSource removes a source record by its ID
func (s *SQLiteDB) DeleteSource(id int64) error {
	res, err := s.db.Exec(`DELETE FROM sources WHERE source_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddLog appends an entry to the event log
func (s *SQLiteDB) AddLog(logType, description string) error {
	_, err := s.db.Exec(
		`INSERT INTO logs (log_type, description, log_timestamp) VALUES (?, ?, ?)`,
		logType, description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add log: %v", err)
	}
	return nil
}

// ListLogs returns the newest log entries first
func (s *SQLiteDB) ListLogs(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT log_id, log_type, description, log_timestamp
		FROM logs
		ORDER BY log_timestamp DESC, log_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %v", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Description, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %v", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %v", err)
	}
	return entries, nil
}

// CreateRecording inserts a new recording record into the database
func (s *SQLiteDB) CreateRecording(r Recording) error {
	_, err := s.db.Exec(`
		INSERT INTO recordings (
			id, stream_path, source, filename, local_path,
			started_at, ended_at, reason, exit_code, size,
			status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.StreamPath,
		r.Source,
		r.Filename,
		r.LocalPath,
		r.StartedAt,
		r.EndedAt,
		r.Reason,
		r.ExitCode,
		r.Size,
		r.Status,
		r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", mapConstraint(err))
	}
	return nil
}

const recordingColumns = `
	id, stream_path, source, filename, local_path,
	started_at, ended_at, reason, exit_code, size,
	status, r2_key, r2_url, uploaded_at, error_message`

func scanRecording(row interface{ Scan(...any) error }) (Recording, error) {
	var r Recording
	var source, reason, r2Key, r2URL, errorMessage sql.NullString
	var uploadedAt sql.NullTime

	err := row.Scan(
		&r.ID,
		&r.StreamPath,
		&source,
		&r.Filename,
		&r.LocalPath,
		&r.StartedAt,
		&r.EndedAt,
		&reason,
		&r.ExitCode,
		&r.Size,
		&r.Status,
		&r2Key,
		&r2URL,
		&uploadedAt,
		&errorMessage,
	)
	if err != nil {
		return r, err
	}

	// Convert SQL nullable types to Go types
	r.Source = source.String
	r.Reason = reason.String
	r.R2Key = r2Key.String
	r.R2URL = r2URL.String
	r.ErrorMessage = errorMessage.String
	if uploadedAt.Valid {
		r.UploadedAt = &uploadedAt.Time
	}
	return r, nil
}

// GetRecording retrieves a recording by its ID
func (s *SQLiteDB) GetRecording(id string) (*Recording, error) {
	r, err := scanRecording(s.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %v", err)
	}
	return &r, nil
}

func (s *SQLiteDB) queryRecordings(query string, args ...any) ([]Recording, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %v", err)
	}
	defer rows.Close()

	recordings := []Recording{}
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording row: %v", err)
		}
		recordings = append(recordings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %v", err)
	}
	return recordings, nil
}

// ListRecordings retrieves a list of recordings with pagination
func (s *SQLiteDB) ListRecordings(limit, offset int) ([]Recording, error) {
	return s.queryRecordings(`
		SELECT `+recordingColumns+`
		FROM recordings
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
}

// GetRecordingsByStatus retrieves the oldest recordings with a specific status
func (s *SQLiteDB) GetRecordingsByStatus(status RecordingStatus, limit int) ([]Recording, error) {
	return s.queryRecordings(`
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE status = ?
		ORDER BY ended_at ASC
		LIMIT ?
	`, status, limit)
}

// UpdateRecordingStatus updates the status and optional error message of a recording
func (s *SQLiteDB) UpdateRecordingStatus(id string, status RecordingStatus, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE recordings
		SET status = ?, error_message = ?
		WHERE id = ?
	`, status, errorMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update recording status: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}

	log.Printf("Updated recording %s status to %s", id, status)
	return nil
}

// UpdateRecordingR2 stores the bucket key and URL and marks the recording uploaded
func (s *SQLiteDB) UpdateRecordingR2(id, key, url string) error {
	res, err := s.db.Exec(`
		UPDATE recordings
		SET r2_key = ?, r2_url = ?, uploaded_at = ?, status = ?, error_message = ''
		WHERE id = ?
	`, key, url, time.Now().UTC(), StatusUploaded, id)
	if err != nil {
		return fmt.Errorf("failed to update recording R2 location: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
