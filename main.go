package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"verdin/api"
	"verdin/config"
	"verdin/cron"
	"verdin/database"
	"verdin/ffmpeg"
	"verdin/recording"
	"verdin/relay"
	"verdin/service"
	"verdin/signaling"
	"verdin/storage"
	"verdin/streaming"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging sends the standard logger and gin's request log to stdout
// and a rotated log file.
func setupLogging(cfg config.Config) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.LogStdoutAlone || cfg.LogFile == "" {
		return
	}
	out := io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB, // MB
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays, // days
		Compress:   true,
	})
	log.SetOutput(out)
	gin.DefaultWriter = out
	gin.DefaultErrorWriter = out
}

// seedRelays ensures a relay for every stored source.
func seedRelays(ctx context.Context, db database.Database, relays *relay.Manager) error {
	sources, err := db.ListSources()
	if err != nil {
		return fmt.Errorf("failed to load sources: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			path, err := relay.StreamPath(src.ClientName, src.Name)
			if err != nil {
				log.Printf("[relay] Skipping source %d (%q): %v", src.ID, src.Name, err)
				return nil
			}
			if _, err := relays.Ensure(gctx, path, src.RTSPLink); err != nil {
				log.Printf("[relay] Failed to start relay for %s: %v", path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("[relay] Seeded %d relay(s) from database", len(sources))
	return nil
}

func main() {
	envFile := flag.StringP("env-file", "e", ".env", "Environment file to load")
	port := flag.StringP("port", "p", "", "HTTP port (overrides SERVER_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	noRelays := flag.Bool("no-relays", false, "Do not start relays for stored sources")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No env file loaded from %s: %v", *envFile, err)
	}

	// Load config
	cfg := config.LoadConfig()
	if *port != "" {
		cfg.ServerPort = *port
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	// Ensure all required directories exist
	config.EnsurePaths(cfg)
	setupLogging(cfg)

	// Initialize database
	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to initialize SQLite database:", err)
	}
	defer db.Close()

	cfg.ApplyStoredArduino(db)
	cm := config.NewConfigManager(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := ffmpeg.NewExecRunner()
	detector := relay.NewDetector(runner, cfg.FFmpegPath, cfg.EncoderProbeTimeout)
	if capability, err := detector.Detect(ctx); err != nil {
		log.Printf("[relay] Encoder detection failed: %v", err)
	} else {
		log.Printf("[relay] 🎬 Using %s (%s)", capability.Description(), capability.Codec())
	}

	relays := relay.NewManager(runner, detector, relay.Options{
		FFmpegPath:   cfg.FFmpegPath,
		RTSPPort:     cfg.RTSPPort,
		MaxProcesses: cfg.MaxRelayProcesses,
		Retry:        cfg.RetryPolicy(),
		StableAfter:  cfg.RelayStableAfter,
		Publisher:    streaming.NewMediaMTXClient(cfg.MediaMTXAPI),
		OnEvent: func(ev relay.Event) {
			logType := database.LogRelay
			if ev.Type == relay.EventAbandoned || ev.Type == relay.EventSpawnFailed {
				logType = database.LogError
			}
			if err := db.AddLog(logType, fmt.Sprintf("%s: %s", ev.Path, ev.Message)); err != nil {
				log.Printf("[relay] failed to write event log: %v", err)
			}
		},
	})

	avail := streaming.NewAvailabilityCache(
		streaming.NewHLSProber(cfg.HLSBaseURL, cfg.AvailabilityTimeout),
		cfg.AvailabilityTTL,
		cfg.AvailabilityTimeout,
	)

	// R2 backup is optional
	var uploadService *service.UploadService
	if cfg.R2Enabled {
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
			log.Fatal("Failed to initialize R2 storage:", err)
		}
		uploadService = service.NewUploadService(db, r2Storage)
	} else {
		uploadService = service.NewUploadService(db, nil)
	}

	recorder := recording.NewManager(runner, avail, recording.Config{
		FFmpegPath:    cfg.FFmpegPath,
		OutputDir:     cfg.RecordingsDir,
		HLSBaseURL:    cfg.HLSBaseURL,
		MaxConcurrent: cfg.MaxConcurrentRecordings,
		MaxDuration:   cfg.RecordingTimeout,
		StopGrace:     cfg.RecordingStopGrace,
		OnFinished:    uploadService.RecordFinished,
	})

	buttons := signaling.NewButtonToggler(cm, recorder, 2*time.Second)
	deps := api.Deps{
		DB:       db,
		Relays:   relays,
		Recorder: recorder,
		Encoders: detector,
		Buttons:  buttons,
	}
	if cfg.R2Enabled {
		deps.Backups = uploadService
	}
	server := api.NewServer(cm, deps)

	if !*noRelays {
		if err := seedRelays(ctx, db, relays); err != nil {
			log.Printf("[relay] %v", err)
		}
	}

	uploadService.StartUploadWorker(ctx)

	if cfg.ArduinoCOMPort != "" {
		arduino, err := signaling.NewArduinoSignal(cfg.ArduinoCOMPort, cfg.ArduinoBaudRate, buttons.HandleSignal)
		if err != nil {
			log.Printf("[ARDUINO] %v", err)
		} else if err := arduino.Connect(); err != nil {
			log.Printf("[ARDUINO] Failed to connect to %s: %v", cfg.ArduinoCOMPort, err)
		} else {
			log.Printf("[ARDUINO] Listening on %s", cfg.ArduinoCOMPort)
			defer arduino.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		maintenance := cron.NewMaintenanceCron(cron.MaintenanceConfig{
			SweepSchedule: cfg.SweepSchedule,
			RecordingsDir: cfg.RecordingsDir,
		}, recorder, avail, db)
		return maintenance.Start(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	err = g.Wait()
	if err != nil {
		log.Printf("Shutting down after error: %v", err)
	} else {
		log.Println("Shutting down")
	}

	recorder.StopAll()
	relays.Shutdown()
	db.AddLog(database.LogInfo, "Service stopped")

	if err != nil {
		db.Close()
		os.Exit(1)
	}
}
