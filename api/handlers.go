package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"verdin/database"
	"verdin/monitoring"
	"verdin/recording"
	"verdin/relay"
	"verdin/signaling"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, recording.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, recording.ErrDuplicateSession),
		errors.Is(err, recording.ErrStreamUnavailable),
		errors.Is(err, recording.ErrNotFound),
		errors.Is(err, relay.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, signaling.ErrUnknownButton):
		return http.StatusNotFound
	case errors.Is(err, database.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("[api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) addLog(logType, format string, args ...any) {
	if err := s.db.AddLog(logType, fmt.Sprintf(format, args...)); err != nil {
		log.Printf("[api] failed to write event log: %v", err)
	}
}

// GET /health
func (s *Server) handleHealthCheck(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}

	// Check database connectivity by attempting a simple query
	if _, err := s.db.ListLogs(1); err != nil {
		resp["status"] = "unhealthy"
		resp["database"] = gin.H{"status": "failed", "error": err.Error()}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["database"] = gin.H{"status": "connected"}

	snap := s.relays.Snapshot()
	resp["relays"] = gin.H{
		"count":     len(snap.Relays),
		"abandoned": len(snap.Abandoned),
		"queue":     snap.Queue,
	}
	if len(snap.Abandoned) > 0 {
		resp["status"] = "degraded"
	}

	if usage, err := monitoring.SelfUsage(); err == nil {
		resp["system"] = usage
	}
	c.JSON(http.StatusOK, resp)
}

// ---------- clients ----------

// GET /api/clients
func (s *Server) listClients(c *gin.Context) {
	clients, err := s.db.ListClients()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "clients": clients})
}

// POST /api/clients
func (s *Server) createClient(c *gin.Context) {
	var req struct {
		Name string `json:"client_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		badRequest(c, "client_name is required")
		return
	}
	if relay.SanitizePathName(req.Name) == "" {
		fail(c, relay.ErrInvalidPath)
		return
	}

	client, err := s.db.CreateClient(strings.TrimSpace(req.Name))
	if err != nil {
		fail(c, err)
		return
	}
	s.addLog(database.LogInfo, "Client %s added", client.Name)
	c.JSON(http.StatusCreated, gin.H{"success": true, "client": client})
}

// DELETE /api/clients/:id
// The client's relays are removed once its rows are gone.
func (s *Server) deleteClient(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	sources, err := s.db.ListSources()
	if err != nil {
		fail(c, err)
		return
	}

	if err := s.db.DeleteClient(id); err != nil {
		fail(c, err)
		return
	}
	removed := 0
	for _, src := range sources {
		if src.ClientID != id {
			continue
		}
		s.removeRelay(c, src)
		removed++
	}
	s.addLog(database.LogInfo, "Client %d deleted with %d sources", id, removed)
	c.JSON(http.StatusOK, gin.H{"success": true, "removedSources": removed})
}

// ---------- sources ----------

type sourceRequest struct {
	Name     string `json:"name"`
	RTSPLink string `json:"rtsp_link"`
	ClientID int64  `json:"client_id"`
}

func (r sourceRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" || r.ClientID <= 0 {
		return errors.New("name and client_id are required")
	}
	if !strings.HasPrefix(strings.ToLower(r.RTSPLink), "rtsp://") {
		return errors.New("rtsp_link must be an rtsp:// URL")
	}
	if relay.SanitizePathName(r.Name) == "" {
		return relay.ErrInvalidPath
	}
	return nil
}

type sourceView struct {
	database.Source
	StreamPath string        `json:"streamPath"`
	Relay      *relay.Handle `json:"relay,omitempty"`
}

func streamPathOf(src database.Source) string {
	p, err := relay.StreamPath(src.ClientName, src.Name)
	if err != nil {
		return ""
	}
	return p
}

func (s *Server) ensureRelay(c *gin.Context, src database.Source) (*relay.Handle, error) {
	path := streamPathOf(src)
	if path == "" {
		return nil, relay.ErrInvalidPath
	}
	h, err := s.relays.Ensure(c.Request.Context(), path, src.RTSPLink)
	if err != nil {
		s.addLog(database.LogError, "Failed to start relay for %s: %v", path, err)
		return nil, err
	}
	return &h, nil
}

func (s *Server) removeRelay(c *gin.Context, src database.Source) {
	path := streamPathOf(src)
	if path == "" {
		return
	}
	if err := s.relays.Remove(c.Request.Context(), path); err != nil {
		log.Printf("[api] failed to remove relay %s: %v", path, err)
	}
}

// GET /api/sources
func (s *Server) listSources(c *gin.Context) {
	sources, err := s.db.ListSources()
	if err != nil {
		fail(c, err)
		return
	}

	relays := make(map[string]relay.Handle)
	for _, h := range s.relays.Snapshot().Relays {
		relays[h.Path] = h
	}

	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		v := sourceView{Source: src, StreamPath: streamPathOf(src)}
		if h, ok := relays[v.StreamPath]; ok {
			v.Relay = &h
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sources": views})
}

// POST /api/sources
func (s *Server) createSource(c *gin.Context) {
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if err := req.validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	src, err := s.db.CreateSource(strings.TrimSpace(req.Name), req.RTSPLink, req.ClientID)
	if err != nil {
		fail(c, err)
		return
	}
	s.addLog(database.LogInfo, "Source %s added for client %s", src.Name, src.ClientName)

	view := sourceView{Source: src, StreamPath: streamPathOf(src)}
	resp := gin.H{"success": true}
	if h, err := s.ensureRelay(c, src); err != nil {
		resp["warning"] = fmt.Sprintf("source saved but relay failed: %v", err)
	} else {
		view.Relay = h
	}
	resp["source"] = view
	c.JSON(http.StatusCreated, resp)
}

// PUT /api/sources/:id
// A rename or new link removes the old relay and ensures the new one.
func (s *Server) updateSource(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if err := req.validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	old, err := s.db.GetSource(id)
	if err != nil {
		fail(c, err)
		return
	}
	src, err := s.db.UpdateSource(id, strings.TrimSpace(req.Name), req.RTSPLink, req.ClientID)
	if err != nil {
		fail(c, err)
		return
	}

	view := sourceView{Source: src, StreamPath: streamPathOf(src)}
	resp := gin.H{"success": true}
	if streamPathOf(*old) != view.StreamPath || old.RTSPLink != src.RTSPLink {
		s.removeRelay(c, *old)
		if h, err := s.ensureRelay(c, src); err != nil {
			resp["warning"] = fmt.Sprintf("source saved but relay failed: %v", err)
		} else {
			view.Relay = h
		}
		s.addLog(database.LogInfo, "Source %s moved to %s", streamPathOf(*old), view.StreamPath)
	}
	resp["source"] = view
	c.JSON(http.StatusOK, resp)
}

// DELETE /api/sources/:id
func (s *Server) deleteSource(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	src, err := s.db.GetSource(id)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.db.DeleteSource(id); err != nil {
		fail(c, err)
		return
	}
	s.removeRelay(c, *src)
	s.addLog(database.LogInfo, "Source %s deleted", streamPathOf(*src))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ---------- recording ----------

// POST /api/recording/toggle
func (s *Server) toggleRecording(c *gin.Context) {
	var req struct {
		Action     string `json:"action"`
		Source     string `json:"source"`
		StreamPath string `json:"streamPath"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Action == "" || req.StreamPath == "" {
		badRequest(c, "Action and stream path are required")
		return
	}

	switch req.Action {
	case "start":
		sess, err := s.recorder.Start(c.Request.Context(), req.StreamPath, req.Source)
		if err != nil {
			fail(c, err)
			return
		}
		st := s.recorder.Status()
		s.addLog(database.LogRecording, "Recording started for %s -> %s", sess.StreamPath, sess.Filename)
		c.JSON(http.StatusOK, gin.H{
			"success":          true,
			"message":          "Recording started successfully",
			"filename":         sess.Filename,
			"streamPath":       sess.StreamPath,
			"activeRecordings": st.ActiveRecordings,
			"maxRecordings":    st.MaxRecordings,
		})
	case "stop":
		sess, err := s.recorder.Stop(req.StreamPath)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":          true,
			"message":          "Recording stop initiated; waiting for FFmpeg to finalize.",
			"filename":         sess.Filename,
			"duration":         int(time.Since(sess.StartedAt).Round(time.Second).Seconds()),
			"streamPath":       sess.StreamPath,
			"activeRecordings": s.recorder.Status().ActiveRecordings,
		})
	default:
		badRequest(c, `Invalid action. Use "start" or "stop".`)
	}
}

// POST /api/recording/stop-all
func (s *Server) stopAllRecordings(c *gin.Context) {
	stopped := s.recorder.StopAll()
	if len(stopped) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "No active recordings to stop", "stoppedCount": 0})
		return
	}

	out := make([]gin.H, 0, len(stopped))
	for _, sess := range stopped {
		out = append(out, gin.H{
			"streamPath": sess.StreamPath,
			"filename":   sess.Filename,
			"duration":   int(time.Since(sess.StartedAt).Round(time.Second).Seconds()),
		})
	}
	s.addLog(database.LogRecording, "Stopped %d recording(s)", len(stopped))
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           fmt.Sprintf("Stopped %d recording(s)", len(stopped)),
		"stoppedRecordings": out,
		"stoppedCount":      len(stopped),
	})
}

// GET /api/recording/status
func (s *Server) recordingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": s.recorder.Status()})
}

// GET /api/recording/resource-usage
func (s *Server) recordingResourceUsage(c *gin.Context) {
	usage := monitoring.UsageOf(s.recorder.PIDs())
	st := s.recorder.Status()
	resp := gin.H{
		"success": true,
		"resourceUsage": gin.H{
			"ffmpegCpu":        usage.CPUPercent,
			"ffmpegRam":        usage.RAMMB,
			"ffmpegProcesses":  usage.Processes,
			"activeRecordings": st.ActiveRecordings,
			"maxRecordings":    st.MaxRecordings,
		},
	}
	if disk, err := monitoring.DiskUsage(s.config.GetConfig().RecordingsDir); err == nil {
		resp["storage"] = disk
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/recording/health
func (s *Server) recordingHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "health": s.recorder.Health()})
}

// GET /api/recordings
func (s *Server) listRecordingFiles(c *gin.Context) {
	files, err := recording.ListRecordings(s.config.GetConfig().RecordingsDir)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "recordings": files})
}

// GET /api/recordings/history?limit=&offset=
func (s *Server) listRecordingHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	recs, err := s.db.ListRecordings(limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "recordings": recs})
}

// POST /api/recordings/:id/upload
func (s *Server) uploadRecording(c *gin.Context) {
	if s.backups == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "R2 backup is disabled"})
		return
	}
	if err := s.backups.UploadRecording(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ---------- relay ----------

// GET /api/relay/status
func (s *Server) relayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": s.relays.Snapshot()})
}

// GET /api/relay/encoder
func (s *Server) relayEncoder(c *gin.Context) {
	capability, err := s.encoders.Detect(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"encoder":     capability,
		"codec":       capability.Codec(),
		"description": capability.Description(),
	})
}

// ---------- logs & config ----------

// GET /api/logs?limit=
func (s *Server) getLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	logs, err := s.db.ListLogs(limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs})
}

// GET /api/config/arduino
func (s *Server) getArduinoConfig(c *gin.Context) {
	cfg := s.config.GetConfig()
	c.JSON(http.StatusOK, gin.H{
		"port":      cfg.ArduinoCOMPort,
		"baud_rate": cfg.ArduinoBaudRate,
		"buttons":   cfg.ButtonMap,
	})
}

// PUT /api/config/arduino
// The new port is used from the next start.
func (s *Server) updateArduinoConfig(c *gin.Context) {
	var req struct {
		Port     string `json:"port"`
		BaudRate int    `json:"baud_rate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Port == "" || req.BaudRate <= 0 {
		badRequest(c, "port and baud_rate required")
		return
	}
	if err := s.db.UpsertArduinoConfig(req.Port, req.BaudRate); err != nil {
		fail(c, err)
		return
	}
	s.config.SetArduino(req.Port, req.BaudRate)
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "saved", "restartRequired": true})
}

// POST /api/signal/:button
// Same effect as pressing the hardware button.
func (s *Server) handleButton(c *gin.Context) {
	if s.buttons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "buttons are not configured"})
		return
	}
	if err := s.buttons.HandleSignal(c.Param("button")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
