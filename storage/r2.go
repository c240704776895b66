package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// R2Config holds configuration for Cloudflare R2 storage
type R2Config struct {
	AccessKey string
	SecretKey string
	AccountID string
	Bucket    string
	Endpoint  string
	Region    string
	BaseURL   string // public URL prefix, e.g. https://media.example.com
}

// Number of attempts for UploadFile retry loop
const maxUploadAttempts = 3

// R2Storage handles operations with Cloudflare R2
type R2Storage struct {
	config   R2Config
	session  *session.Session
	client   *s3.S3
	uploader *s3manager.Uploader

	// retryDelay is the wait after a failed attempt
	retryDelay func(attempt int) time.Duration
}

// NewR2Storage creates a new R2Storage instance
func NewR2Storage(config R2Config) (*R2Storage, error) {
	// Set default region if not provided
	if config.Region == "" {
		config.Region = "auto"
	}

	// Create endpoint URL if AccountID is provided but full endpoint isn't
	if config.Endpoint == "" && config.AccountID != "" {
		config.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", config.AccountID)
	}

	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		Endpoint:    aws.String(config.Endpoint),
		Region:      aws.String(config.Region),
		// Force path style addressing for compatibility with S3 API
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %v", err)
	}

	// 10 MB parts, one HTTP connection at a time
	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 1
	})

	return &R2Storage{
		config:   config,
		session:  sess,
		client:   s3.New(sess),
		uploader: uploader,
		retryDelay: func(attempt int) time.Duration {
			// 2s, 4s, ...
			return time.Duration(1<<uint(attempt)) * time.Second
		},
	}, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// UploadFile uploads localPath to remotePath and returns its public URL.
func (r *R2Storage) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %v", localPath, err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %v", err)
	}

	metadata := map[string]*string{
		"OriginalFileName": aws.String(filepath.Base(localPath)),
		"UploadedAt":       aws.String(time.Now().Format(time.RFC3339)),
		"FileSize":         aws.String(fmt.Sprintf("%d", fileInfo.Size())),
	}

	log.Printf("Uploading file (%.2f MB): %s", float64(fileInfo.Size())/1024/1024, localPath)

	var lastErr error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		// Ensure we start reading from the beginning each attempt
		if _, err := file.Seek(0, 0); err != nil {
			return "", fmt.Errorf("failed to seek to beginning of file: %v", err)
		}

		_, lastErr = r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(r.config.Bucket),
			Key:         aws.String(remotePath),
			Body:        file,
			ContentType: aws.String(contentTypeFor(localPath)),
			Metadata:    metadata,
		})
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		log.Printf("Upload attempt %d/%d failed for %s: %v", attempt, maxUploadAttempts, localPath, lastErr)
		if attempt < maxUploadAttempts {
			select {
			case <-time.After(r.retryDelay(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to upload file to R2 after %d attempts: %v", maxUploadAttempts, lastErr)
	}

	publicURL := fmt.Sprintf("%s/%s", r.GetBaseURL(), remotePath)
	log.Printf("File uploaded successfully, public URL: %s", publicURL)
	return publicURL, nil
}

// ListObjects lists objects in the R2 bucket with the given prefix
func (r *R2Storage) ListObjects(ctx context.Context, prefix string) ([]*s3.Object, error) {
	result, err := r.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.config.Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %v", err)
	}
	return result.Contents, nil
}

// DeleteObject deletes an object from the R2 bucket
func (r *R2Storage) DeleteObject(ctx context.Context, key string) error {
	_, err := r.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %v", err)
	}
	return nil
}

// GetBaseURL returns the base URL for the R2 bucket
func (r *R2Storage) GetBaseURL() string {
	if r.config.BaseURL != "" {
		return strings.TrimRight(r.config.BaseURL, "/")
	}
	return fmt.Sprintf("%s/%s", r.config.Endpoint, r.config.Bucket)
}
