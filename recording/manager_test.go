package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"verdin/ffmpeg"
	"verdin/ffmpeg/ffmpegtest"
	"verdin/relay"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) relay.Timer {
	t := &fakeTimer{d: d, f: f}
	ft.mu.Lock()
	ft.timers = append(ft.timers, t)
	ft.mu.Unlock()
	return t
}

func (ft *fakeTimers) withDuration(d time.Duration) []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, t := range ft.timers {
		if t.d == d {
			out = append(out, t)
		}
	}
	return out
}

type availability struct {
	mu      sync.Mutex
	down    map[string]bool
	calls   int
	block   chan struct{}
	entered chan struct{}
}

func (a *availability) IsAvailable(_ context.Context, path string) bool {
	a.mu.Lock()
	a.calls++
	block, entered := a.block, a.entered
	down := a.down[path]
	a.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return !down
}

type testEnv struct {
	m      *Manager
	runner *ffmpegtest.Runner
	timers *fakeTimers
	avail  *availability
	dir    string
	now    time.Time

	mu       sync.Mutex
	dead     map[int]bool
	finished []Result
}

func (e *testEnv) results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.finished...)
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *testEnv) kill(pid int) {
	e.mu.Lock()
	e.dead[pid] = true
	e.mu.Unlock()
}

func newTestEnv(t *testing.T, max int) *testEnv {
	t.Helper()
	e := &testEnv{
		runner: ffmpegtest.NewRunner(),
		timers: &fakeTimers{},
		avail:  &availability{down: map[string]bool{}},
		dir:    t.TempDir(),
		now:    time.Date(2025, 3, 1, 10, 0, 0, 123000000, time.UTC),
		dead:   map[int]bool{},
	}
	e.m = NewManager(e.runner, e.avail, Config{
		FFmpegPath:    "ffmpeg",
		OutputDir:     e.dir,
		HLSBaseURL:    "http://localhost:8888",
		MaxConcurrent: max,
		MaxDuration:   time.Hour,
		StopGrace:     5 * time.Second,
		OnFinished: func(r Result) {
			e.mu.Lock()
			e.finished = append(e.finished, r)
			e.mu.Unlock()
		},
	})
	e.m.afterFunc = e.timers.AfterFunc
	e.m.now = func() time.Time {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.now
	}
	e.m.alive = func(pid int) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.dead[pid]
	}
	t.Cleanup(func() { e.m.StopAll() })
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartBuildsOutputPathAndArgs(t *testing.T) {
	e := newTestEnv(t, 5)

	s, err := e.m.Start(context.Background(), "ClientA/Cam1", "Front Door")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	wantDir := filepath.Join(e.dir, "3-1-2025", "clienta", "cam1")
	wantName := "recording_Front_Door_2025-03-01T10-00-00-123Z.mp4"
	if s.Filename != wantName {
		t.Errorf("filename %q, want %q", s.Filename, wantName)
	}
	if s.FilePath != filepath.Join(wantDir, wantName) {
		t.Errorf("file path %q", s.FilePath)
	}
	if fi, err := os.Stat(wantDir); err != nil || !fi.IsDir() {
		t.Errorf("output directory not created: %v", err)
	}
	if s.ID == "" || s.PID == 0 {
		t.Errorf("missing id or pid: %+v", s)
	}

	cmds := e.runner.Commands()
	if len(cmds) != 1 || !cmds[0].Stdin {
		t.Fatalf("expected one command with stdin, got %+v", cmds)
	}
	args := strings.Join(cmds[0].Args, " ")
	if !strings.Contains(args, "-i http://localhost:8888/clienta/cam1/index.m3u8") {
		t.Errorf("unexpected input in %q", args)
	}
	for _, want := range []string{"-c:v copy", "-c:a copy", "-f mp4", "-movflags +faststart", "-y", " " + s.FilePath} {
		if !strings.Contains(args, want) {
			t.Errorf("missing %q in %q", want, args)
		}
	}
	if in, out := strings.Index(args, "-i "), strings.Index(args, s.FilePath); in < 0 || out < in {
		t.Errorf("output must follow input: %q", args)
	}

	if timers := e.timers.withDuration(time.Hour); len(timers) != 1 {
		t.Fatalf("expected an auto-stop timer, got %d", len(timers))
	}
}

func TestCapacityExceededDoesNotSpawn(t *testing.T) {
	e := newTestEnv(t, 5)

	paths := []string{"clienta/cam1", "clienta/cam2", "clienta/cam3", "clientb/cam1", "clientb/cam2"}
	for _, p := range paths {
		if _, err := e.m.Start(context.Background(), p, ""); err != nil {
			t.Fatalf("start %s: %v", p, err)
		}
	}

	_, err := e.m.Start(context.Background(), "clientc/cam1", "")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if n := e.runner.StartCount(); n != 5 {
		t.Fatalf("expected 5 processes, got %d", n)
	}
	if e.avail.calls != 5 {
		t.Fatalf("rejected start should not probe availability, got %d probes", e.avail.calls)
	}
}

func TestDuplicateSessionLeavesOriginal(t *testing.T) {
	e := newTestEnv(t, 5)

	first, err := e.m.Start(context.Background(), "clienta/cam1", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.m.Start(context.Background(), "clienta/cam1", "")
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	sessions := e.m.Sessions()
	if len(sessions) != 1 || sessions[0].ID != first.ID || sessions[0].PID != first.PID {
		t.Fatalf("original session changed: %+v", sessions)
	}
	if e.runner.StartCount() != 1 {
		t.Fatal("duplicate start spawned a process")
	}
}

func TestStopUnknownSession(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "clienta/cam1", "")

	if _, err := e.m.Stop("clienta/cam2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	p := e.runner.Processes()[0]
	if p.Quits() != 0 || p.Kills() != 0 {
		t.Fatal("stop of unknown path touched another process")
	}
	if len(e.m.Sessions()) != 1 {
		t.Fatal("stop of unknown path changed the registry")
	}
}

func TestStreamUnavailable(t *testing.T) {
	e := newTestEnv(t, 1)
	e.avail.down["clienta/cam1"] = true

	_, err := e.m.Start(context.Background(), "clienta/cam1", "")
	if !errors.Is(err, ErrStreamUnavailable) {
		t.Fatalf("expected ErrStreamUnavailable, got %v", err)
	}
	if e.runner.StartCount() != 0 {
		t.Fatal("unavailable stream spawned a process")
	}

	// the reserved slot must be released
	if _, err := e.m.Start(context.Background(), "clienta/cam2", ""); err != nil {
		t.Fatalf("slot leaked: %v", err)
	}
}

func TestSpawnFailureIsSynchronous(t *testing.T) {
	e := newTestEnv(t, 1)
	e.runner.SetStartErr(errors.New("executable file not found"))

	_, err := e.m.Start(context.Background(), "clienta/cam1", "")
	var se *ffmpeg.SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if e.m.IsActive("clienta/cam1") {
		t.Fatal("failed spawn registered a session")
	}

	e.runner.SetStartErr(nil)
	if _, err := e.m.Start(context.Background(), "clienta/cam1", ""); err != nil {
		t.Fatalf("slot leaked after spawn failure: %v", err)
	}
}

func TestStopQuitsThenKills(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "clienta/cam1", "")
	p := e.runner.Processes()[0]
	autoStop := e.timers.withDuration(time.Hour)[0]

	s, err := e.m.Stop("clienta/cam1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.StreamPath != "clienta/cam1" {
		t.Fatalf("unexpected session %+v", s)
	}
	if p.Quits() != 1 {
		t.Fatalf("expected graceful quit, got %d", p.Quits())
	}
	if !autoStop.isStopped() {
		t.Fatal("auto-stop timer not cleared")
	}
	if st := e.m.Status(); st.ActiveRecordings != 0 || st.AvailableSlots != 5 {
		t.Fatalf("slot not freed: %+v", st)
	}

	kill := e.timers.withDuration(5 * time.Second)
	if len(kill) != 1 {
		t.Fatalf("expected a forced-kill timer, got %d", len(kill))
	}
	kill[0].f()
	if p.Kills() != 1 {
		t.Fatal("hung recorder was not killed")
	}

	waitFor(t, "finish callback", func() bool { return len(e.results()) == 1 })
	if r := e.results()[0]; r.Reason != ReasonStopped {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestKillTimerIsNoopAfterCleanExit(t *testing.T) {
	e := newTestEnv(t, 5)
	e.runner.ExitOnQuit = true
	e.m.Start(context.Background(), "clienta/cam1", "")
	p := e.runner.Processes()[0]

	e.m.Stop("clienta/cam1")
	waitFor(t, "finish callback", func() bool { return len(e.results()) == 1 })

	kill := e.timers.withDuration(5 * time.Second)[0]
	if !kill.isStopped() {
		t.Fatal("kill timer not stopped after exit")
	}
	kill.f()
	if p.Kills() != 0 {
		t.Fatal("stale kill timer killed an exited process")
	}
	if !e.results()[0].Succeeded() {
		t.Fatalf("expected clean result, got %+v", e.results()[0])
	}
}

func TestAutoStopTimeout(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "clienta/cam1", "")
	p := e.runner.Processes()[0]

	e.timers.withDuration(time.Hour)[0].f()
	if p.Quits() != 1 {
		t.Fatal("timeout did not ask ffmpeg to quit")
	}
	if e.m.IsActive("clienta/cam1") {
		t.Fatal("timed out session still active")
	}

	p.Exit(0)
	waitFor(t, "finish callback", func() bool { return len(e.results()) == 1 })
	if r := e.results()[0]; r.Reason != ReasonTimeout {
		t.Fatalf("unexpected reason %q", r.Reason)
	}
}

func TestAutoStopAfterManualStopIsNoop(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "clienta/cam1", "")
	p := e.runner.Processes()[0]
	autoStop := e.timers.withDuration(time.Hour)[0]

	e.m.Stop("clienta/cam1")
	// restart on the same path; the old timer must not touch it
	e.m.Start(context.Background(), "clienta/cam1", "")
	p2 := e.runner.Processes()[1]

	autoStop.f()
	if p.Quits() != 1 || p2.Quits() != 0 {
		t.Fatalf("stale auto-stop acted: quits %d/%d", p.Quits(), p2.Quits())
	}
	if !e.m.IsActive("clienta/cam1") {
		t.Fatal("new session was stopped by stale timer")
	}
}

func TestAbnormalExitIsNotRetried(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "clienta/cam1", "")
	p := e.runner.Processes()[0]

	p.Exit(1)
	waitFor(t, "cleanup", func() bool { return !e.m.IsActive("clienta/cam1") })
	waitFor(t, "finish callback", func() bool { return len(e.results()) == 1 })

	r := e.results()[0]
	if r.Reason != ReasonExited || r.ExitCode != 1 || r.Succeeded() {
		t.Fatalf("unexpected result %+v", r)
	}
	if !e.timers.withDuration(time.Hour)[0].isStopped() {
		t.Fatal("auto-stop timer not cleared on exit")
	}
	time.Sleep(20 * time.Millisecond)
	if e.runner.StartCount() != 1 {
		t.Fatal("recording was retried")
	}
}

func TestUnreachableStreamQuits(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "clienta/cam1", "")
	p := e.runner.Processes()[0]

	p.Emit(ffmpeg.StreamStderr, "[tcp @ 0x55] Connection to tcp://localhost:8888 failed: Connection refused")
	if p.Quits() != 1 {
		t.Fatal("recorder did not quit on unreachable stream")
	}
}

func TestReconcileRemovesOrphans(t *testing.T) {
	e := newTestEnv(t, 5)
	a, _ := e.m.Start(context.Background(), "clienta/cam1", "")
	e.m.Start(context.Background(), "clienta/cam2", "")
	autoStopA := e.timers.withDuration(time.Hour)[0]

	e.kill(a.PID)
	report := e.m.Reconcile()

	if len(report.Orphaned) != 1 || report.Orphaned[0] != "clienta/cam1" {
		t.Fatalf("unexpected orphans %v", report.Orphaned)
	}
	if report.Active != 1 || e.m.IsActive("clienta/cam1") {
		t.Fatal("orphan still registered")
	}
	if !autoStopA.isStopped() {
		t.Fatal("orphan auto-stop timer not cleared")
	}

	// a fresh start on the orphaned path works
	if _, err := e.m.Start(context.Background(), "clienta/cam1", ""); err != nil {
		t.Fatalf("restart after orphan cleanup: %v", err)
	}
}

func TestReconcileFlagsLongRunning(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "clienta/cam1", "")

	e.advance(40 * time.Minute)
	if r := e.m.Reconcile(); len(r.LongRunning) != 0 {
		t.Fatalf("flagged too early: %v", r.LongRunning)
	}
	h := e.m.Health()
	if len(h.Issues) != 1 || h.Issues[0].Type != "long_running" {
		t.Fatalf("expected long_running issue at 40 min, got %+v", h.Issues)
	}

	e.advance(10 * time.Minute)
	if r := e.m.Reconcile(); len(r.LongRunning) != 1 {
		t.Fatalf("expected long running warning at 50 min, got %v", r.LongRunning)
	}
}

func TestHealthUtilization(t *testing.T) {
	e := newTestEnv(t, 5)
	if h := e.m.Health(); h.Status != "healthy" || h.Utilization != 0 {
		t.Fatalf("unexpected health %+v", h)
	}

	for _, p := range []string{"a/1", "a/2", "a/3", "a/4"} {
		e.m.Start(context.Background(), p, "")
	}
	if h := e.m.Health(); h.Status != "warning" || h.Utilization != 80 {
		t.Fatalf("expected warning at 80%%, got %+v", h)
	}

	e.m.Start(context.Background(), "a/5", "")
	h := e.m.Health()
	if h.Status != "critical" || len(h.Issues) != 2 {
		t.Fatalf("expected critical with two issues, got %+v", h)
	}
}

func TestCapacityReservedDuringAvailabilityProbe(t *testing.T) {
	e := newTestEnv(t, 1)
	e.avail.block = make(chan struct{})
	e.avail.entered = make(chan struct{}, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := e.m.Start(context.Background(), "clienta/cam1", "")
		errc <- err
	}()
	<-e.avail.entered

	e.avail.mu.Lock()
	e.avail.entered = nil
	e.avail.mu.Unlock()

	if _, err := e.m.Start(context.Background(), "clienta/cam2", ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error while first start is probing, got %v", err)
	}
	if _, err := e.m.Start(context.Background(), "clienta/cam1", ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("capacity is checked before duplicates, got %v", err)
	}

	close(e.avail.block)
	if err := <-errc; err != nil {
		t.Fatalf("first start: %v", err)
	}
	if e.runner.StartCount() != 1 {
		t.Fatalf("expected one process, got %d", e.runner.StartCount())
	}
}

func TestStopAll(t *testing.T) {
	e := newTestEnv(t, 5)
	e.m.Start(context.Background(), "a/1", "")
	e.m.Start(context.Background(), "a/2", "")
	e.m.Start(context.Background(), "a/3", "")
	e.m.Stop("a/3")

	stopped := e.m.StopAll()
	if len(stopped) != 2 {
		t.Fatalf("expected 2 stopped sessions, got %d", len(stopped))
	}
	for _, p := range e.runner.Processes() {
		if p.Kills() != 1 {
			t.Fatalf("process %d not killed", p.Pid())
		}
	}
	if len(e.m.Sessions()) != 0 {
		t.Fatal("registry not empty")
	}
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "3-1-2025", "clienta", "cam1")
	os.MkdirAll(sub, 0755)

	older := filepath.Join(sub, "recording_a.mp4")
	newer := filepath.Join(sub, "recording_b.mp4")
	os.WriteFile(older, []byte("aaaa"), 0644)
	os.WriteFile(newer, []byte("bb"), 0644)
	os.WriteFile(filepath.Join(sub, "notes.txt"), []byte("x"), 0644)
	past := time.Now().Add(-time.Hour)
	os.Chtimes(older, past, past)

	files, err := ListRecordings(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 recordings, got %+v", files)
	}
	if files[0].Name != "recording_b.mp4" || files[1].Size != 4 {
		t.Fatalf("unexpected order or size: %+v", files)
	}
	if files[0].Path != "3-1-2025/clienta/cam1/recording_b.mp4" {
		t.Fatalf("unexpected relative path %q", files[0].Path)
	}

	if files, err := ListRecordings(filepath.Join(dir, "missing")); err != nil || len(files) != 0 {
		t.Fatalf("missing dir should list nothing, got %v %v", files, err)
	}
}
