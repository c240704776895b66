package recording

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ffmpeggo "github.com/u2takey/ffmpeg-go"

	"verdin/ffmpeg"
	"verdin/monitoring"
	"verdin/relay"
)

var (
	ErrCapacityExceeded  = errors.New("maximum concurrent recordings limit reached")
	ErrDuplicateSession  = errors.New("stream is already being recorded")
	ErrStreamUnavailable = errors.New("HLS stream not available")
	ErrNotFound          = errors.New("no active recording found for this stream")
)

// Why a session ended.
const (
	ReasonStopped  = "stopped"
	ReasonTimeout  = "timeout"
	ReasonExited   = "exited"
	ReasonOrphaned = "orphaned"
	ReasonKilled   = "killed"
)

// AvailabilityChecker tells whether the media server is serving a path.
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context, path string) bool
}

type Config struct {
	FFmpegPath    string
	OutputDir     string
	HLSBaseURL    string
	MaxConcurrent int
	MaxDuration   time.Duration
	StopGrace     time.Duration
	// WarnRatio of MaxDuration after which the sweep logs a warning.
	WarnRatio float64
	// LongRunningRatio of MaxDuration after which Health reports an issue.
	LongRunningRatio float64
	OnFinished       func(Result)
}

func (c *Config) setDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.OutputDir == "" {
		c.OutputDir = "recordings"
	}
	if c.HLSBaseURL == "" {
		c.HLSBaseURL = "http://localhost:8888"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = time.Hour
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.WarnRatio <= 0 {
		c.WarnRatio = 0.8
	}
	if c.LongRunningRatio <= 0 {
		c.LongRunningRatio = 0.5
	}
}

// Session describes one active recording.
type Session struct {
	ID         string    `json:"id"`
	StreamPath string    `json:"streamPath"`
	Source     string    `json:"source"`
	Filename   string    `json:"filename"`
	FilePath   string    `json:"filePath"`
	StartedAt  time.Time `json:"startedAt"`
	PID        int       `json:"pid"`
}

// Result is reported once the recording process has ended.
type Result struct {
	Session
	EndedAt  time.Time
	Reason   string
	ExitCode int
	Signal   string
	Err      error
}

// Succeeded reports a clean ffmpeg exit, i.e. a finalized file.
func (r Result) Succeeded() bool { return r.Err == nil }

type session struct {
	Session
	proc       ffmpeg.Process
	autoStop   relay.Timer
	killTimer  relay.Timer
	stopReason string
}

// Manager runs at most MaxConcurrent recording processes, one per path.
type Manager struct {
	runner ffmpeg.Runner
	avail  AvailabilityChecker
	cfg    Config

	afterFunc relay.AfterFunc
	now       func() time.Time
	alive     func(pid int) bool

	mu       sync.Mutex
	sessions map[string]*session
	// reserved holds paths that passed admission but are still being
	// probed or spawned; they count against capacity.
	reserved map[string]struct{}
	// stopping holds sessions asked to quit and waiting for exit.
	stopping map[*session]struct{}
}

func NewManager(runner ffmpeg.Runner, avail AvailabilityChecker, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		runner:    runner,
		avail:     avail,
		cfg:       cfg,
		afterFunc: relay.StdAfterFunc,
		now:       time.Now,
		alive:     monitoring.PidAlive,
		sessions:  make(map[string]*session),
		reserved:  make(map[string]struct{}),
		stopping:  make(map[*session]struct{}),
	}
}

var unsafeSourceRe = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Start begins recording streamPath. Capacity is checked before
// duplicates, then availability; none of the failures spawn anything.
func (m *Manager) Start(ctx context.Context, streamPath, source string) (Session, error) {
	path, err := relay.NormalizePath(streamPath)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	if len(m.sessions)+len(m.reserved) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w (%d)", ErrCapacityExceeded, m.cfg.MaxConcurrent)
	}
	if _, ok := m.sessions[path]; ok {
		m.mu.Unlock()
		return Session{}, ErrDuplicateSession
	}
	if _, ok := m.reserved[path]; ok {
		m.mu.Unlock()
		return Session{}, ErrDuplicateSession
	}
	m.reserved[path] = struct{}{}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.reserved, path)
		m.mu.Unlock()
	}

	if !m.avail.IsAvailable(ctx, path) {
		release()
		return Session{}, fmt.Errorf("%w for %s", ErrStreamUnavailable, path)
	}

	now := m.now()
	dir := filepath.Join(m.cfg.OutputDir, now.Format("1-2-2006"), filepath.FromSlash(path))
	if err := os.MkdirAll(dir, 0755); err != nil {
		release()
		return Session{}, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	if source == "" {
		source = path
	}
	utc := now.UTC()
	timestamp := fmt.Sprintf("%s-%03dZ", utc.Format("2006-01-02T15-04-05"), utc.Nanosecond()/int(time.Millisecond))
	filename := fmt.Sprintf("recording_%s_%s.mp4", unsafeSourceRe.ReplaceAllString(source, "_"), timestamp)

	s := &session{Session: Session{
		ID:         uuid.New().String(),
		StreamPath: path,
		Source:     source,
		Filename:   filename,
		FilePath:   filepath.Join(dir, filename),
		StartedAt:  now,
	}}

	proc, err := m.runner.Start(context.WithoutCancel(ctx), ffmpeg.Command{
		Path:  m.cfg.FFmpegPath,
		Args:  m.recordArgs(path, s.FilePath),
		Stdin: true,
		OnLine: func(stream, line string) {
			m.onLine(s, stream, line)
		},
	})
	if err != nil {
		release()
		log.Printf("[recording] 📹 FFmpeg error for %s: %v", path, err)
		return Session{}, err
	}

	m.mu.Lock()
	delete(m.reserved, path)
	s.proc = proc
	s.PID = proc.Pid()
	m.sessions[path] = s
	s.autoStop = m.afterFunc(m.cfg.MaxDuration, func() { m.expire(s) })
	snap := s.Session
	m.mu.Unlock()

	go m.watch(s)

	log.Printf("[recording] 📹 Started recording %s → %s", path, filename)
	return snap, nil
}

func (m *Manager) recordArgs(path, out string) []string {
	input := fmt.Sprintf("%s/%s/index.m3u8", strings.TrimRight(m.cfg.HLSBaseURL, "/"), path)
	return ffmpeggo.Input(input).
		Output(out, ffmpeggo.KwArgs{
			"c:v":               "copy",
			"c:a":               "copy",
			"avoid_negative_ts": "make_zero",
			"fflags":            "+genpts",
			"movflags":          "+faststart",
			"f":                 "mp4",
		}).
		GlobalArgs("-hide_banner", "-loglevel", "warning").
		OverWriteOutput().
		GetArgs()
}

// Stop asks the recorder of streamPath to finish. The slot is freed at
// once; ffmpeg is killed if it has not exited after StopGrace.
func (m *Manager) Stop(streamPath string) (Session, error) {
	path, err := relay.NormalizePath(streamPath)
	if err != nil {
		return Session{}, ErrNotFound
	}

	m.mu.Lock()
	s, ok := m.sessions[path]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNotFound
	}
	proc := m.beginStopLocked(s, ReasonStopped)
	snap := s.Session
	m.mu.Unlock()

	log.Printf("[recording] 📹 Sending \"q\" to FFmpeg for %s", path)
	quit(proc)
	return snap, nil
}

func (m *Manager) beginStopLocked(s *session, reason string) ffmpeg.Process {
	delete(m.sessions, s.StreamPath)
	if s.autoStop != nil {
		s.autoStop.Stop()
	}
	s.stopReason = reason
	m.stopping[s] = struct{}{}
	s.killTimer = m.afterFunc(m.cfg.StopGrace, func() { m.forceKill(s) })
	return s.proc
}

func quit(proc ffmpeg.Process) {
	if err := proc.Quit(); err != nil {
		log.Printf("[recording] 📹 graceful stop failed (%v), killing", err)
		proc.Kill()
	}
}

func (m *Manager) expire(s *session) {
	m.mu.Lock()
	if m.sessions[s.StreamPath] != s {
		m.mu.Unlock()
		return
	}
	proc := m.beginStopLocked(s, ReasonTimeout)
	m.mu.Unlock()

	log.Printf("[recording] 📹 Timeout for %s, sending quit…", s.StreamPath)
	quit(proc)
}

func (m *Manager) forceKill(s *session) {
	m.mu.Lock()
	_, ok := m.stopping[s]
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("[recording] 📹 FFmpeg hung for %s, forcing kill.", s.StreamPath)
	s.proc.Kill()
}

func (m *Manager) watch(s *session) {
	err := s.proc.Wait()
	st, _ := ffmpeg.ExitStatusOf(err)

	m.mu.Lock()
	if m.sessions[s.StreamPath] == s {
		delete(m.sessions, s.StreamPath)
		if s.autoStop != nil {
			s.autoStop.Stop()
		}
		s.stopReason = ReasonExited
	}
	if _, ok := m.stopping[s]; ok {
		delete(m.stopping, s)
		if s.killTimer != nil {
			s.killTimer.Stop()
		}
	}
	reason := s.stopReason
	m.mu.Unlock()

	if err != nil {
		log.Printf("[recording] 📹 FFmpeg exited for %s: %v", s.StreamPath, err)
	} else {
		log.Printf("[recording] 📹 FFmpeg exited for %s, code=0", s.StreamPath)
	}

	if m.cfg.OnFinished != nil {
		m.cfg.OnFinished(Result{
			Session:  s.Session,
			EndedAt:  m.now(),
			Reason:   reason,
			ExitCode: st.Code,
			Signal:   st.Signal,
			Err:      err,
		})
	}
}

var (
	stderrErrorRe = regexp.MustCompile(`error|failed`)
	unreachableRe = regexp.MustCompile(`Connection refused|No route to host`)
)

func (m *Manager) onLine(s *session, stream, line string) {
	if stream != ffmpeg.StreamStderr {
		return
	}
	if stderrErrorRe.MatchString(line) {
		log.Printf("[recording] 📹 FFmpeg stderr for %s: %s", s.StreamPath, line)
	}
	if unreachableRe.MatchString(line) {
		log.Printf("[recording] 📹 Stream unreachable for %s, quitting…", s.StreamPath)
		m.mu.Lock()
		proc := s.proc
		m.mu.Unlock()
		if proc != nil {
			proc.Quit()
		}
	}
}

// StopAll kills every recording and clears all timers.
func (m *Manager) StopAll() []Session {
	m.mu.Lock()
	var procs []ffmpeg.Process
	stopped := make([]Session, 0, len(m.sessions))
	for path, s := range m.sessions {
		delete(m.sessions, path)
		if s.autoStop != nil {
			s.autoStop.Stop()
		}
		s.stopReason = ReasonKilled
		procs = append(procs, s.proc)
		stopped = append(stopped, s.Session)
	}
	for s := range m.stopping {
		delete(m.stopping, s)
		if s.killTimer != nil {
			s.killTimer.Stop()
		}
		procs = append(procs, s.proc)
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	if len(stopped) > 0 {
		log.Printf("[recording] 📹 Stopped %d active recordings", len(stopped))
	}
	sort.Slice(stopped, func(i, j int) bool { return stopped[i].StreamPath < stopped[j].StreamPath })
	return stopped
}

type ReconcileReport struct {
	Orphaned    []string
	LongRunning []string
	Active      int
}

// Reconcile drops sessions whose process no longer exists and flags
// sessions close to MaxDuration.
func (m *Manager) Reconcile() ReconcileReport {
	now := m.now()
	warnAfter := time.Duration(float64(m.cfg.MaxDuration) * m.cfg.WarnRatio)

	var report ReconcileReport
	m.mu.Lock()
	for path, s := range m.sessions {
		if !m.alive(s.PID) {
			delete(m.sessions, path)
			if s.autoStop != nil {
				s.autoStop.Stop()
			}
			s.stopReason = ReasonOrphaned
			report.Orphaned = append(report.Orphaned, path)
			continue
		}
		if d := now.Sub(s.StartedAt); d > warnAfter {
			report.LongRunning = append(report.LongRunning, path)
			log.Printf("[recording] 📹 Warning: Recording for %s has been running for %d minutes", path, int(d.Minutes()))
		}
	}
	for s := range m.stopping {
		if !m.alive(s.PID) {
			delete(m.stopping, s)
			if s.killTimer != nil {
				s.killTimer.Stop()
			}
		}
	}
	report.Active = len(m.sessions)
	m.mu.Unlock()

	for _, path := range report.Orphaned {
		log.Printf("[recording] 📹 Cleaning up orphaned recording process for %s", path)
	}
	if report.Active > 0 {
		log.Printf("[recording] 📹 Recording monitor: %d/%d active recordings", report.Active, m.cfg.MaxConcurrent)
	}
	sort.Strings(report.Orphaned)
	sort.Strings(report.LongRunning)
	return report
}

func (m *Manager) IsActive(streamPath string) bool {
	path, err := relay.NormalizePath(streamPath)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[path]
	return ok
}

// Sessions lists the active sessions ordered by path.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Session)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StreamPath < out[j].StreamPath })
	return out
}

// PIDs returns the process ids of all active recorders.
func (m *Manager) PIDs() []int {
	sessions := m.Sessions()
	pids := make([]int, 0, len(sessions))
	for _, s := range sessions {
		pids = append(pids, s.PID)
	}
	return pids
}

type ProcessInfo struct {
	StreamPath string `json:"streamPath"`
	Filename   string `json:"filename"`
	Source     string `json:"source"`
	Duration   int    `json:"duration"`
	PID        int    `json:"pid"`
}

type Status struct {
	ActiveRecordings int           `json:"activeRecordings"`
	MaxRecordings    int           `json:"maxRecordings"`
	AvailableSlots   int           `json:"availableSlots"`
	RecordingTimeout int           `json:"recordingTimeout"`
	Processes        []ProcessInfo `json:"processes"`
}

func (m *Manager) Status() Status {
	now := m.now()
	sessions := m.Sessions()
	st := Status{
		ActiveRecordings: len(sessions),
		MaxRecordings:    m.cfg.MaxConcurrent,
		AvailableSlots:   m.cfg.MaxConcurrent - len(sessions),
		RecordingTimeout: int(m.cfg.MaxDuration.Minutes()),
		Processes:        make([]ProcessInfo, 0, len(sessions)),
	}
	for _, s := range sessions {
		st.Processes = append(st.Processes, ProcessInfo{
			StreamPath: s.StreamPath,
			Filename:   s.Filename,
			Source:     s.Source,
			Duration:   int(math.Round(now.Sub(s.StartedAt).Seconds())),
			PID:        s.PID,
		})
	}
	return st
}

type Issue struct {
	Type       string `json:"type"`
	StreamPath string `json:"streamPath,omitempty"`
	Duration   int    `json:"duration,omitempty"`
	Message    string `json:"message"`
}

type HealthReport struct {
	Status           string  `json:"status"`
	ActiveRecordings int     `json:"activeRecordings"`
	MaxRecordings    int     `json:"maxRecordings"`
	Utilization      int     `json:"utilization"`
	Issues           []Issue `json:"issues"`
}

func (m *Manager) Health() HealthReport {
	now := m.now()
	sessions := m.Sessions()
	active, limit := len(sessions), m.cfg.MaxConcurrent

	h := HealthReport{
		Status:           "healthy",
		ActiveRecordings: active,
		MaxRecordings:    limit,
		Utilization:      int(math.Round(float64(active) / float64(limit) * 100)),
		Issues:           []Issue{},
	}

	threshold := time.Duration(float64(m.cfg.MaxDuration) * m.cfg.LongRunningRatio)
	for _, s := range sessions {
		d := now.Sub(s.StartedAt)
		if d > threshold {
			h.Issues = append(h.Issues, Issue{
				Type:       "long_running",
				StreamPath: s.StreamPath,
				Duration:   int(math.Round(d.Seconds())),
				Message:    fmt.Sprintf("Recording has been running for %d minutes", int(math.Round(d.Minutes()))),
			})
		}
	}

	if float64(active) >= float64(limit)*0.8 {
		h.Status = "warning"
		h.Issues = append(h.Issues, Issue{
			Type:    "high_utilization",
			Message: fmt.Sprintf("High recording utilization: %d/%d", active, limit),
		})
	}
	if active >= limit {
		h.Status = "critical"
		h.Issues = append(h.Issues, Issue{
			Type:    "max_capacity",
			Message: "Maximum recording capacity reached",
		})
	}
	return h
}
