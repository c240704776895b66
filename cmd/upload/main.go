package main

import (
	"context"
	"log"
	"os"

	"verdin/config"
	"verdin/database"
	"verdin/service"
	"verdin/storage"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

func main() {
	// Parse command line arguments
	recordingID := flag.String("id", "", "Recording ID to upload")
	allPending := flag.Bool("all", false, "Upload every recording that has not been backed up yet")
	list := flag.String("list", "", "List bucket objects under this prefix and exit")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: .env file not found at %s, using environment variables", *envFile)
	}
	cfg := config.LoadConfig()

	// Check required environment variables
	if cfg.R2AccessKey == "" || cfg.R2SecretKey == "" {
		log.Fatal("Error: R2 credentials not set in environment variables")
	}

	r2Storage, err := storage.NewR2Storage(storage.R2Config{
		AccessKey: cfg.R2AccessKey,
		SecretKey: cfg.R2SecretKey,
		AccountID: cfg.R2AccountID,
		Bucket:    cfg.R2Bucket,
		Endpoint:  cfg.R2Endpoint,
		Region:    cfg.R2Region,
		BaseURL:   cfg.R2BaseURL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize R2 storage: %v", err)
	}
	ctx := context.Background()

	if flag.CommandLine.Changed("list") {
		keys, err := r2Storage.ListObjects(ctx, *list)
		if err != nil {
			log.Fatalf("Failed to list objects: %v", err)
		}
		for _, obj := range keys {
			log.Printf("%s\t%d bytes", aws.StringValue(obj.Key), aws.Int64Value(obj.Size))
		}
		return
	}

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	uploads := service.NewUploadService(db, r2Storage)

	switch {
	case *recordingID != "":
		if err := uploads.UploadRecording(ctx, *recordingID); err != nil {
			log.Printf("Failed to upload %s: %v", *recordingID, err)
			db.Close()
			os.Exit(1)
		}
		log.Printf("Successfully uploaded recording %s", *recordingID)
	case *allPending:
		n, err := uploads.UploadAll(ctx)
		log.Printf("Upload complete. Successfully uploaded %d recordings", n)
		if err != nil {
			log.Printf("Upload stopped: %v", err)
			db.Close()
			os.Exit(1)
		}
	default:
		log.Fatal("Either provide a recording ID with --id or use --all to upload pending recordings")
	}
}
