package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"verdin/relay"
)

// Config contains all configuration for the application
type Config struct {
	// Server Configuration
	ServerPort string

	// Database Configuration
	DatabasePath string

	// Media server
	FFmpegPath  string
	MediaMTXAPI string // control API, e.g. http://localhost:9997
	HLSBaseURL  string // HLS endpoint, e.g. http://localhost:8888
	RTSPPort    int

	// Relay Configuration
	MaxRelayProcesses   int
	RetryBaseDelay      time.Duration
	RetryFactor         float64
	RetryMaxDelay       time.Duration
	RetryMaxAttempts    int
	RelayStableAfter    time.Duration
	EncoderProbeTimeout time.Duration

	// Recording Configuration
	RecordingsDir           string
	MaxConcurrentRecordings int
	RecordingTimeout        time.Duration
	RecordingStopGrace      time.Duration
	SweepSchedule           string // cron spec with seconds

	// Availability cache
	AvailabilityTTL     time.Duration
	AvailabilityTimeout time.Duration

	// Logging
	LogFile        string
	LogMaxSizeMB   int
	LogMaxBackups  int
	LogMaxAgeDays  int
	LogStdoutAlone bool // skip the log file entirely

	// R2 Storage Configuration
	R2AccessKey string
	R2SecretKey string
	R2AccountID string
	R2Bucket    string
	R2Region    string
	R2Endpoint  string
	R2BaseURL   string // public URL prefix for uploaded files
	R2Enabled   bool

	// Arduino Configuration
	ArduinoCOMPort  string
	ArduinoBaudRate int
	// ButtonMap maps a button number to the stream path it toggles
	ButtonMap map[string]string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() Config {
	cfg := Config{
		ServerPort:   getEnv("SERVER_PORT", "8000"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/verdin.db"),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		MediaMTXAPI: getEnv("MEDIAMTX_API", "http://localhost:9997"),
		HLSBaseURL:  getEnv("MEDIAMTX_HLS", "http://localhost:8888"),
		RTSPPort:    getEnvInt("MEDIAMTX_RTSP_PORT", 8554),

		MaxRelayProcesses:   getEnvInt("MAX_RELAY_PROCESSES", 30),
		RetryBaseDelay:      getEnvDuration("RETRY_BASE_DELAY", 5*time.Second),
		RetryFactor:         getEnvFloat("RETRY_FACTOR", 1.3),
		RetryMaxDelay:       getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
		RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 10),
		RelayStableAfter:    getEnvDuration("RELAY_STABLE_AFTER", 30*time.Second),
		EncoderProbeTimeout: getEnvDuration("ENCODER_PROBE_TIMEOUT", 5*time.Second),

		RecordingsDir:           getEnv("RECORDINGS_DIR", "./recordings"),
		MaxConcurrentRecordings: getEnvInt("MAX_CONCURRENT_RECORDINGS", 5),
		RecordingTimeout:        getEnvDuration("RECORDING_TIMEOUT", time.Hour),
		RecordingStopGrace:      getEnvDuration("RECORDING_STOP_GRACE", 5*time.Second),
		SweepSchedule:           getEnv("SWEEP_SCHEDULE", "*/30 * * * * *"),

		AvailabilityTTL:     getEnvDuration("AVAILABILITY_TTL", 30*time.Second),
		AvailabilityTimeout: getEnvDuration("AVAILABILITY_TIMEOUT", 5*time.Second),

		LogFile:        getEnv("LOG_FILE", "./logs/verdin.log"),
		LogMaxSizeMB:   getEnvInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups:  getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:  getEnvInt("LOG_MAX_AGE_DAYS", 30),
		LogStdoutAlone: getEnvBool("LOG_STDOUT_ONLY", false),

		R2Enabled:   getEnvBool("R2_ENABLED", false),
		R2AccessKey: getEnv("R2_ACCESS_KEY", ""),
		R2SecretKey: getEnv("R2_SECRET_KEY", ""),
		R2AccountID: getEnv("R2_ACCOUNT_ID", ""),
		R2Bucket:    getEnv("R2_BUCKET", ""),
		R2Region:    getEnv("R2_REGION", "auto"),
		R2Endpoint:  getEnv("R2_ENDPOINT", ""),
		R2BaseURL:   getEnv("R2_BASE_URL", ""),

		ArduinoCOMPort:  getEnv("ARDUINO_COM_PORT", ""),
		ArduinoBaudRate: getEnvInt("ARDUINO_BAUD_RATE", 9600),
	}

	buttons, err := ParseButtonMap(getEnv("BUTTON_MAP", ""))
	if err != nil {
		log.Printf("Warning: ignoring BUTTON_MAP: %v", err)
	}
	cfg.ButtonMap = buttons

	log.Printf("Server running on port %s", cfg.ServerPort)
	log.Printf("MediaMTX API %s, HLS %s, RTSP port %d", cfg.MediaMTXAPI, cfg.HLSBaseURL, cfg.RTSPPort)
	log.Printf("Recordings Path: %s (max %d concurrent, timeout %v)", cfg.RecordingsDir, cfg.MaxConcurrentRecordings, cfg.RecordingTimeout)
	log.Printf("R2 Storage Enabled: %v", cfg.R2Enabled)
	if cfg.ArduinoCOMPort != "" {
		log.Printf("Arduino COM Port: %s (%d baud, %d buttons)", cfg.ArduinoCOMPort, cfg.ArduinoBaudRate, len(cfg.ButtonMap))
	}

	return cfg
}

// RetryPolicy builds the relay backoff policy from the configuration.
func (cfg Config) RetryPolicy() relay.RetryPolicy {
	return relay.RetryPolicy{
		BaseDelay:   cfg.RetryBaseDelay,
		Factor:      cfg.RetryFactor,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
	}
}

// ArduinoStore is where the serial port settings are persisted.
type ArduinoStore interface {
	GetArduinoConfig() (string, int, error)
}

// ApplyStoredArduino overrides the serial settings with the stored ones
// when the environment leaves the port empty.
func (cfg *Config) ApplyStoredArduino(store ArduinoStore) {
	if cfg.ArduinoCOMPort != "" {
		return
	}
	port, baud, err := store.GetArduinoConfig()
	if err != nil || port == "" {
		return
	}
	cfg.ArduinoCOMPort = port
	if baud > 0 {
		cfg.ArduinoBaudRate = baud
	}
	log.Printf("Arduino COM Port from database: %s (%d baud)", cfg.ArduinoCOMPort, cfg.ArduinoBaudRate)
}

// ParseButtonMap parses "1=clienta/cam1,2=clientb/cam2". Paths are normalized.
func ParseButtonMap(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		button, path, ok := strings.Cut(pair, "=")
		button = strings.TrimSpace(button)
		if !ok || button == "" {
			return out, fmt.Errorf("invalid button mapping %q", pair)
		}
		norm, err := relay.NormalizePath(path)
		if err != nil {
			return out, fmt.Errorf("button %s: %w", button, err)
		}
		out[button] = norm
	}
	return out, nil
}

// FormatButtonMap is the inverse of ParseButtonMap, sorted by button.
func FormatButtonMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return strings.Join(pairs, ",")
}

// getEnv returns environment variable or fallback value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}

// EnsurePaths creates necessary paths
func EnsurePaths(config Config) {
	dirs := []string{filepath.Dir(config.DatabasePath), config.RecordingsDir}
	if config.LogFile != "" && !config.LogStdoutAlone {
		dirs = append(dirs, filepath.Dir(config.LogFile))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("Failed to create directory %s: %v", dir, err)
		}
	}
}
