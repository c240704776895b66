package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"verdin/config"
	"verdin/database"
	"verdin/recording"
	"verdin/relay"
	"verdin/signaling"

	"github.com/gin-gonic/gin"
)

// Relays is the relay supervisor as seen by the HTTP layer.
type Relays interface {
	Ensure(ctx context.Context, path, sourceURL string) (relay.Handle, error)
	Remove(ctx context.Context, path string) error
	Snapshot() relay.Snapshot
}

// Recorder is the recording session manager as seen by the HTTP layer.
type Recorder interface {
	Start(ctx context.Context, streamPath, source string) (recording.Session, error)
	Stop(streamPath string) (recording.Session, error)
	StopAll() []recording.Session
	Status() recording.Status
	Health() recording.HealthReport
	PIDs() []int
}

// Encoders reports the hardware encoder in use.
type Encoders interface {
	Detect(ctx context.Context) (relay.EncoderCapability, error)
}

// Backups uploads a stored recording on demand.
type Backups interface {
	UploadRecording(ctx context.Context, id string) error
}

// Deps are the components the server routes to. Buttons and Backups may be nil.
type Deps struct {
	DB       database.Database
	Relays   Relays
	Recorder Recorder
	Encoders Encoders
	Buttons  signaling.SignalHandler
	Backups  Backups
}

type Server struct {
	config   *config.ConfigManager
	db       database.Database
	relays   Relays
	recorder Recorder
	encoders Encoders
	buttons  signaling.SignalHandler
	backups  Backups
	started  time.Time
}

func NewServer(cm *config.ConfigManager, deps Deps) *Server {
	return &Server{
		config:   cm,
		db:       deps.DB,
		relays:   deps.Relays,
		recorder: deps.Recorder,
		encoders: deps.Encoders,
		buttons:  deps.Buttons,
		backups:  deps.Backups,
		started:  time.Now(),
	}
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	s.setupCORS(r)
	s.setupRoutes(r)
	return r
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	portAddr := ":" + s.config.GetConfig().ServerPort
	srv := &http.Server{
		Addr:              portAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[api] Starting API server on %s", portAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Println("[api] Shutting down API server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealthCheck)

	api := r.Group("/api")
	{
		api.GET("/clients", s.listClients)
		api.POST("/clients", s.createClient)
		api.DELETE("/clients/:id", s.deleteClient)

		api.GET("/sources", s.listSources)
		api.POST("/sources", s.createSource)
		api.PUT("/sources/:id", s.updateSource)
		api.DELETE("/sources/:id", s.deleteSource)

		api.POST("/recording/toggle", s.toggleRecording)
		api.POST("/recording/stop-all", s.stopAllRecordings)
		api.GET("/recording/status", s.recordingStatus)
		api.GET("/recording/resource-usage", s.recordingResourceUsage)
		api.GET("/recording/health", s.recordingHealth)

		api.GET("/recordings", s.listRecordingFiles)
		api.GET("/recordings/history", s.listRecordingHistory)
		api.POST("/recordings/:id/upload", s.uploadRecording)

		api.GET("/relay/status", s.relayStatus)
		api.GET("/relay/encoder", s.relayEncoder)

		api.GET("/logs", s.getLogs)

		api.GET("/config/arduino", s.getArduinoConfig)
		api.PUT("/config/arduino", s.updateArduinoConfig)
		api.POST("/signal/:button", s.handleButton)
	}
}
