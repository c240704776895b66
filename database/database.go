package database

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Client owns a group of camera sources.
type Client struct {
	ID          int64  `json:"client_id"`
	Name        string `json:"client_name"`
	CameraCount int    `json:"camera_count"`
}

// Source is one RTSP camera belonging to a client.
type Source struct {
	ID         int64  `json:"source_id"`
	Name       string `json:"name"`
	RTSPLink   string `json:"rtsp_link"`
	ClientID   int64  `json:"client_id"`
	ClientName string `json:"client_name"`
}

// LogEntry is a row of the event log shown to operators.
type LogEntry struct {
	ID          int64     `json:"log_id"`
	Type        string    `json:"log_type"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"log_timestamp"`
}

// Log types.
const (
	LogInfo      = "info"
	LogWarning   = "warning"
	LogError     = "error"
	LogRecording = "recording"
	LogRelay     = "relay"
)

// RecordingStatus represents the lifecycle of a finished recording file.
type RecordingStatus string

const (
	StatusRecorded  RecordingStatus = "recorded"  // finalized on disk
	StatusFailed    RecordingStatus = "failed"    // ffmpeg did not exit cleanly
	StatusUploading RecordingStatus = "uploading" // backup in progress
	StatusUploaded  RecordingStatus = "uploaded"  // copy stored in the bucket
)

// Recording is the stored outcome of one recording session.
type Recording struct {
	ID           string          `json:"id"`
	StreamPath   string          `json:"streamPath"`
	Source       string          `json:"source"`
	Filename     string          `json:"filename"`
	LocalPath    string          `json:"localPath"`
	StartedAt    time.Time       `json:"startedAt"`
	EndedAt      time.Time       `json:"endedAt"`
	Reason       string          `json:"reason"`
	ExitCode     int             `json:"exitCode"`
	Size         int64           `json:"size"`
	Status       RecordingStatus `json:"status"`
	R2Key        string          `json:"r2Key,omitempty"`
	R2URL        string          `json:"r2Url,omitempty"`
	UploadedAt   *time.Time      `json:"uploadedAt,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Database defines the interface for database operations
type Database interface {
	// Client operations
	ListClients() ([]Client, error)
	CreateClient(name string) (Client, error)
	DeleteClient(id int64) error

	// Source operations
	ListSources() ([]Source, error)
	GetSource(id int64) (*Source, error)
	CreateSource(name, rtspLink string, clientID int64) (Source, error)
	UpdateSource(id int64, name, rtspLink string, clientID int64) (Source, error)
	DeleteSource(id int64) error

	// Event log
	AddLog(logType, description string) error
	ListLogs(limit int) ([]LogEntry, error)

	// Recording operations
	CreateRecording(r Recording) error
	GetRecording(id string) (*Recording, error)
	ListRecordings(limit, offset int) ([]Recording, error)
	GetRecordingsByStatus(status RecordingStatus, limit int) ([]Recording, error)
	UpdateRecordingStatus(id string, status RecordingStatus, errorMsg string) error
	UpdateRecordingR2(id, key, url string) error

	// Serial button settings
	GetArduinoConfig() (string, int, error)
	UpsertArduinoConfig(port string, baud int) error

	Close() error
}
