package cron

import (
	"context"
	"strings"
	"testing"
	"time"

	"verdin/database"
	"verdin/recording"
)

type fakeReconciler struct {
	calls  int
	report recording.ReconcileReport
}

func (f *fakeReconciler) Reconcile() recording.ReconcileReport {
	f.calls++
	return f.report
}

func (f *fakeReconciler) PIDs() []int { return nil }

type fakePurger struct{ calls int }

func (f *fakePurger) Purge() int {
	f.calls++
	return 2
}

type fakeEvents struct{ entries []string }

func (f *fakeEvents) AddLog(logType, description string) error {
	f.entries = append(f.entries, logType+": "+description)
	return nil
}

func TestSweepReconcilesAndPurges(t *testing.T) {
	rec := &fakeReconciler{report: recording.ReconcileReport{Orphaned: []string{"acme/cam1", "acme/cam2"}}}
	cache := &fakePurger{}
	events := &fakeEvents{}

	m := NewMaintenanceCron(MaintenanceConfig{}, rec, cache, events)
	m.sweep()

	if rec.calls != 1 || cache.calls != 1 {
		t.Fatalf("expected one reconcile and one purge, got %d and %d", rec.calls, cache.calls)
	}
	if len(events.entries) != 1 {
		t.Fatalf("expected one event, got %v", events.entries)
	}
	want := database.LogWarning + ": Cleaned up orphaned recordings: acme/cam1, acme/cam2"
	if events.entries[0] != want {
		t.Fatalf("got %q, want %q", events.entries[0], want)
	}
}

func TestSweepQuietWhenNothingOrphaned(t *testing.T) {
	rec := &fakeReconciler{}
	events := &fakeEvents{}

	m := NewMaintenanceCron(MaintenanceConfig{}, rec, nil, events)
	m.sweep()

	if len(events.entries) != 0 {
		t.Fatalf("expected no events, got %v", events.entries)
	}
}

func TestReportUsageDiskWarning(t *testing.T) {
	events := &fakeEvents{}
	// Any real filesystem is at least a hair above 0% used.
	m := NewMaintenanceCron(MaintenanceConfig{RecordingsDir: t.TempDir(), DiskWarnPercent: 0.0001}, &fakeReconciler{}, nil, events)
	m.reportUsage()

	if len(events.entries) != 1 || !strings.Contains(events.entries[0], "Recordings disk") {
		t.Fatalf("expected disk warning, got %v", events.entries)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := NewMaintenanceCron(MaintenanceConfig{SweepSchedule: "every now and then"}, &fakeReconciler{}, nil, nil)
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartRunsSweepUntilCancelled(t *testing.T) {
	rec := &fakeReconciler{}
	m := NewMaintenanceCron(MaintenanceConfig{SweepSchedule: "* * * * * *"}, rec, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.calls == 0 {
		t.Fatal("sweep never ran")
	}
}
