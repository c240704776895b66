// Package ffmpegtest provides an in-memory ffmpeg.Runner for tests.
package ffmpegtest

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"verdin/ffmpeg"
)

// Runner records every Start call and hands back fake processes that
// only exit when the test says so.
type Runner struct {
	mu       sync.Mutex
	commands []ffmpeg.Command
	procs    []*Process
	startErr error
	nextPid  int

	// OnStart runs synchronously inside Start, after the process is registered.
	OnStart func(p *Process)
	// ExitOnQuit makes Quit behave like ffmpeg receiving "q": exit code 0.
	ExitOnQuit bool

	started chan *Process
}

func NewRunner() *Runner {
	return &Runner{nextPid: 10000, started: make(chan *Process, 1024)}
}

// SetStartErr makes every following Start fail with err (nil to reset).
func (r *Runner) SetStartErr(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

func (r *Runner) Start(ctx context.Context, cmd ffmpeg.Command) (ffmpeg.Process, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	if r.startErr != nil {
		err := r.startErr
		r.mu.Unlock()
		return nil, &ffmpeg.SpawnError{Path: cmd.Path, Err: err}
	}
	r.nextPid++
	p := &Process{
		pid:        r.nextPid,
		Cmd:        cmd,
		done:       make(chan struct{}),
		exitOnQuit: r.ExitOnQuit,
	}
	r.procs = append(r.procs, p)
	hook := r.OnStart
	r.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	r.started <- p
	return p, nil
}

// Commands returns every command passed to Start, failed ones included.
func (r *Runner) Commands() []ffmpeg.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ffmpeg.Command(nil), r.commands...)
}

// Processes returns every successfully started process.
func (r *Runner) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.procs...)
}

func (r *Runner) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Next waits for the next started process.
func (r *Runner) Next(t testing.TB, timeout time.Duration) *Process {
	t.Helper()
	select {
	case p := <-r.started:
		return p
	case <-time.After(timeout):
		t.Fatalf("no process started within %v", timeout)
		return nil
	}
}

// Quiet asserts that no process starts within d.
func (r *Runner) Quiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case p := <-r.started:
		t.Fatalf("unexpected process started: %s", p.Cmd)
	case <-time.After(d):
	}
}

// Process is a fake subprocess.
type Process struct {
	Cmd ffmpeg.Command

	pid        int
	exitOnQuit bool
	done       chan struct{}
	once       sync.Once
	err        error

	mu    sync.Mutex
	quits int
	kills int
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Quit() error {
	p.mu.Lock()
	p.quits++
	p.mu.Unlock()
	if p.exitOnQuit {
		p.Exit(0)
	}
	return nil
}

func (p *Process) Signal(sig os.Signal) error {
	if sig == os.Kill {
		return p.Kill()
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.finish(&ffmpeg.ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

// Exit terminates the process with the given code. Later exits are ignored.
func (p *Process) Exit(code int) {
	if code == 0 {
		p.finish(nil)
		return
	}
	p.finish(&ffmpeg.ExitStatus{Code: code})
}

// Emit feeds one output line to the command's OnLine callback.
func (p *Process) Emit(stream, line string) {
	if p.Cmd.OnLine != nil {
		p.Cmd.OnLine(stream, line)
	}
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Quits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quits
}

func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

func (p *Process) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
