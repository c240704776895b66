package cron

import (
	"context"
	"fmt"
	"log"
	"strings"

	"verdin/database"
	"verdin/monitoring"
	"verdin/recording"

	"github.com/robfig/cron/v3"
)

// Reconciler drops recording sessions whose process has gone away.
type Reconciler interface {
	Reconcile() recording.ReconcileReport
	PIDs() []int
}

// Purger evicts expired availability entries.
type Purger interface {
	Purge() int
}

// EventLog receives operator-visible events.
type EventLog interface {
	AddLog(logType, description string) error
}

type MaintenanceConfig struct {
	// SweepSchedule runs the reconcile and cache purge. Six fields, seconds first.
	SweepSchedule   string
	// UsageSchedule logs resource usage of the recording processes.
	UsageSchedule   string
	RecordingsDir   string
	// DiskWarnPercent logs a warning event above this usage.
	DiskWarnPercent float64
}

// MaintenanceCron runs the periodic housekeeping of the recorder.
type MaintenanceCron struct {
	cron     *cron.Cron
	cfg      MaintenanceConfig
	recorder Reconciler
	cache    Purger
	events   EventLog
}

// NewMaintenanceCron creates the scheduler. cache and events may be nil.
func NewMaintenanceCron(cfg MaintenanceConfig, recorder Reconciler, cache Purger, events EventLog) *MaintenanceCron {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "*/30 * * * * *"
	}
	if cfg.UsageSchedule == "" {
		cfg.UsageSchedule = "0 */1 * * * *"
	}
	if cfg.DiskWarnPercent <= 0 {
		cfg.DiskWarnPercent = 90
	}
	return &MaintenanceCron{
		// Create cron instance with second precision
		cron:     cron.New(cron.WithSeconds()),
		cfg:      cfg,
		recorder: recorder,
		cache:    cache,
		events:   events,
	}
}

// Start schedules the jobs and blocks until ctx is cancelled.
func (m *MaintenanceCron) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.cfg.SweepSchedule, m.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.cfg.SweepSchedule, err)
	}
	if _, err := m.cron.AddFunc(m.cfg.UsageSchedule, m.reportUsage); err != nil {
		return fmt.Errorf("invalid usage schedule %q: %w", m.cfg.UsageSchedule, err)
	}

	log.Printf("[cron] Starting maintenance cron (sweep %q, usage %q)", m.cfg.SweepSchedule, m.cfg.UsageSchedule)
	m.cron.Start()

	<-ctx.Done()
	m.Stop()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (m *MaintenanceCron) Stop() {
	log.Println("[cron] Stopping maintenance cron")
	<-m.cron.Stop().Done()
}

func (m *MaintenanceCron) sweep() {
	report := m.recorder.Reconcile()
	if len(report.Orphaned) > 0 {
		m.logEvent(database.LogWarning, "Cleaned up orphaned recordings: %s", strings.Join(report.Orphaned, ", "))
	}

	if m.cache != nil {
		if n := m.cache.Purge(); n > 0 {
			log.Printf("[cron] Purged %d expired availability entries", n)
		}
	}
}

func (m *MaintenanceCron) reportUsage() {
	pids := m.recorder.PIDs()
	if len(pids) > 0 {
		usage := monitoring.UsageOf(pids)
		log.Printf("[cron] 📊 %d ffmpeg recording processes: CPU %.1f%%, RAM %.1f MB", usage.Processes, usage.CPUPercent, usage.RAMMB)
	}

	if m.cfg.RecordingsDir == "" {
		return
	}
	space, err := monitoring.DiskUsage(m.cfg.RecordingsDir)
	if err != nil {
		log.Printf("[cron] %v", err)
		return
	}
	if space.UsedPercent >= m.cfg.DiskWarnPercent {
		m.logEvent(database.LogWarning, "Recordings disk %.1f%% full (%.1f GB free)", space.UsedPercent, space.FreeGB)
	}
}

func (m *MaintenanceCron) logEvent(logType, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[cron] %s", msg)
	if m.events == nil {
		return
	}
	if err := m.events.AddLog(logType, msg); err != nil {
		log.Printf("[cron] failed to write event log: %v", err)
	}
}
