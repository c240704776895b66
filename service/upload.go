package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"verdin/database"
	"verdin/recording"
)

// Store is the part of the database the backup service needs.
type Store interface {
	AddLog(logType, description string) error
	CreateRecording(r database.Recording) error
	GetRecording(id string) (*database.Recording, error)
	GetRecordingsByStatus(status database.RecordingStatus, limit int) ([]database.Recording, error)
	UpdateRecordingStatus(id string, status database.RecordingStatus, errorMsg string) error
	UpdateRecordingR2(id, key, url string) error
}

// Uploader stores a local file under a bucket key and returns its URL.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, remotePath string) (string, error)
}

// UploadService records finished sessions and backs successful ones up to R2
type UploadService struct {
	db       Store
	uploader Uploader // nil when backups are disabled

	pollInterval time.Duration
	idleInterval time.Duration
	batchSize    int
}

// NewUploadService creates a new upload service. uploader may be nil.
func NewUploadService(db Store, uploader Uploader) *UploadService {
	return &UploadService{
		db:           db,
		uploader:     uploader,
		pollInterval: 30 * time.Second,
		idleInterval: 10 * time.Second,
		batchSize:    10,
	}
}

// RemoteKey is the bucket key of a recording.
func RemoteKey(streamPath, filename string) string {
	return path.Join("recordings", streamPath, filename)
}

// RecordFinished stores the outcome of a recording session. It is the
// recording manager's OnFinished hook.
func (s *UploadService) RecordFinished(r recording.Result) {
	status := database.StatusRecorded
	errMsg := ""
	if !r.Succeeded() {
		status = database.StatusFailed
		errMsg = r.Err.Error()
	}

	var size int64
	if fi, err := os.Stat(r.FilePath); err == nil {
		size = fi.Size()
	}

	rec := database.Recording{
		ID:           r.ID,
		StreamPath:   r.StreamPath,
		Source:       r.Source,
		Filename:     r.Filename,
		LocalPath:    r.FilePath,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		Reason:       r.Reason,
		ExitCode:     r.ExitCode,
		Size:         size,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if err := s.db.CreateRecording(rec); err != nil {
		log.Printf("[backup] Error saving recording %s: %v", r.ID, err)
	}

	desc := fmt.Sprintf("Recording %s for %s ended (%s, %.0fs)", r.Filename, r.StreamPath, r.Reason, r.EndedAt.Sub(r.StartedAt).Seconds())
	logType := database.LogRecording
	if status == database.StatusFailed {
		desc += ": " + errMsg
		logType = database.LogError
	}
	if err := s.db.AddLog(logType, desc); err != nil {
		log.Printf("[backup] Error writing event log: %v", err)
	}
}

// StartUploadWorker uploads recorded files until ctx is done.
func (s *UploadService) StartUploadWorker(ctx context.Context) {
	if s.uploader == nil {
		return
	}
	go func() {
		log.Println("[backup] Starting R2 upload worker")
		for {
			wait := s.idleInterval
			n, err := s.uploadPending(ctx)
			if err != nil {
				log.Printf("[backup] Error fetching recordings for upload: %v", err)
				wait = s.pollInterval
			} else if n > 0 {
				wait = 0
			}

			select {
			case <-ctx.Done():
				log.Println("[backup] Upload worker stopped")
				return
			case <-time.After(wait):
			}
		}
	}()
}

// uploadPending uploads one batch and reports how many succeeded.
func (s *UploadService) uploadPending(ctx context.Context) (int, error) {
	recs, err := s.db.GetRecordingsByStatus(database.StatusRecorded, s.batchSize)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		if err := s.upload(ctx, rec); err != nil {
			log.Printf("[backup] %v", err)
			continue
		}
		uploaded++
	}
	return uploaded, nil
}

// UploadAll drains the pending recordings batch by batch. It stops when a
// batch uploads nothing.
func (s *UploadService) UploadAll(ctx context.Context) (int, error) {
	if s.uploader == nil {
		return 0, errors.New("R2 backup is disabled")
	}
	total := 0
	for ctx.Err() == nil {
		n, err := s.uploadPending(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, ctx.Err()
}

// UploadRecording manually uploads a specific recording to R2
func (s *UploadService) UploadRecording(ctx context.Context, id string) error {
	if s.uploader == nil {
		return errors.New("R2 backup is disabled")
	}
	rec, err := s.db.GetRecording(id)
	if err != nil {
		return err
	}
	if rec.Status == database.StatusFailed {
		return fmt.Errorf("recording %s did not finish cleanly", id)
	}
	return s.upload(ctx, *rec)
}

func (s *UploadService) upload(ctx context.Context, rec database.Recording) error {
	if _, err := os.Stat(rec.LocalPath); err != nil {
		s.db.UpdateRecordingStatus(rec.ID, database.StatusFailed, fmt.Sprintf("local file missing: %v", err))
		return fmt.Errorf("recording %s: local file missing: %v", rec.ID, err)
	}

	if err := s.db.UpdateRecordingStatus(rec.ID, database.StatusUploading, ""); err != nil {
		return fmt.Errorf("error updating recording status to uploading: %v", err)
	}

	key := RemoteKey(rec.StreamPath, rec.Filename)
	url, err := s.uploader.UploadFile(ctx, rec.LocalPath, key)
	if err != nil {
		// retried on the next pass
		s.db.UpdateRecordingStatus(rec.ID, database.StatusRecorded, fmt.Sprintf("upload error: %v", err))
		return fmt.Errorf("error uploading recording %s: %v", rec.ID, err)
	}

	if err := s.db.UpdateRecordingR2(rec.ID, key, url); err != nil {
		return fmt.Errorf("error updating R2 location for %s: %v", rec.ID, err)
	}
	s.db.AddLog(database.LogInfo, fmt.Sprintf("Recording %s backed up to %s", rec.Filename, key))
	log.Printf("[backup] Successfully uploaded recording %s to R2 storage", rec.ID)
	return nil
}
