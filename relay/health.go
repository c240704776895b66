package relay

import (
	"log"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"verdin/ffmpeg"
)

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Signal is the classification of one ffmpeg output line.
type Signal int

const (
	SignalInfo Signal = iota
	SignalHealthy
	SignalCritical
)

func (s Signal) String() string {
	switch s {
	case SignalHealthy:
		return "healthy"
	case SignalCritical:
		return "critical"
	default:
		return "info"
	}
}

var criticalPatterns = compileAll(
	`Connection refused`,
	`Network is unreachable`,
	`Connection timed out`,
	`No route to host`,
	`Invalid data found`,
	`Protocol not found`,
	`Server returned 404`,
	`Server returned 401`,
	`rtsp://.*: Operation timed out`,
	`No such file or directory`,
	`Permission denied`,
)

var progressPatterns = compileAll(
	`Stream mapping:`,
	`Press \[q\] to stop`,
	`fps=`,
	`bitrate=`,
	`Opening 'rtsp:`,
	`Stream #0`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func matchAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Classify decides what a single output line says about the stream.
// Anything on stdout counts as healthy output; stderr is matched against
// the critical patterns first, then the progress patterns.
func Classify(line, stream string) Signal {
	if line == "" {
		return SignalInfo
	}
	if stream == ffmpeg.StreamStdout {
		return SignalHealthy
	}
	if matchAny(criticalPatterns, line) {
		return SignalCritical
	}
	if matchAny(progressPatterns, line) {
		return SignalHealthy
	}
	return SignalInfo
}

// StreamHealth is the rolling health snapshot of one path.
type StreamHealth struct {
	Path           string       `json:"path"`
	Status         HealthStatus `json:"status"`
	HealthyCount   int          `json:"healthy_count"`
	UnhealthyCount int          `json:"unhealthy_count"`
	LastSeen       time.Time    `json:"last_seen"`
	LastError      string       `json:"last_error,omitempty"`
}

func (h StreamHealth) Total() int { return h.HealthyCount + h.UnhealthyCount }

// Percent is the share of healthy signals, rounded.
func (h StreamHealth) Percent() int {
	total := h.Total()
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(h.HealthyCount) / float64(total) * 100))
}

type HealthMonitor struct {
	mu      sync.Mutex
	now     func() time.Time
	streams map[string]*StreamHealth
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{now: time.Now, streams: make(map[string]*StreamHealth)}
}

// Observe classifies line and updates the counters of path.
// Informational lines leave the counters untouched.
func (m *HealthMonitor) Observe(path, line, stream string) Signal {
	sig := Classify(line, stream)
	if sig == SignalInfo {
		return sig
	}

	m.mu.Lock()
	h, ok := m.streams[path]
	if !ok {
		h = &StreamHealth{Path: path, Status: HealthUnknown}
		m.streams[path] = h
	}
	if sig == SignalHealthy {
		h.HealthyCount++
		h.Status = HealthHealthy
	} else {
		h.UnhealthyCount++
		h.Status = HealthUnhealthy
		h.LastError = line
	}
	h.LastSeen = m.now()
	snap := *h
	m.mu.Unlock()

	if snap.Total()%10 == 0 {
		log.Printf("[relay] [%s] Stream health: %d%% (%d/%d)", path, snap.Percent(), snap.HealthyCount, snap.Total())
	}
	return sig
}

func (m *HealthMonitor) Get(path string) (StreamHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.streams[path]
	if !ok {
		return StreamHealth{Path: path, Status: HealthUnknown}, false
	}
	return *h, true
}

func (m *HealthMonitor) All() []StreamHealth {
	m.mu.Lock()
	out := make([]StreamHealth, 0, len(m.streams))
	for _, h := range m.streams {
		out = append(out, *h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *HealthMonitor) Clear(path string) {
	m.mu.Lock()
	delete(m.streams, path)
	m.mu.Unlock()
}
