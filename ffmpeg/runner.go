package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Command describes one ffmpeg invocation.
type Command struct {
	Path string
	Args []string
	// Stdin keeps a pipe open so the process can be asked to quit with "q".
	Stdin bool
	// OnLine receives every output line, tagged with StreamStdout or StreamStderr.
	OnLine func(stream, line string)
}

func (c Command) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Process is a started subprocess.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. Safe to call more than once.
	Wait() error
	// Quit asks ffmpeg to finish the current file and exit.
	Quit() error
	Signal(sig os.Signal) error
	Kill() error
}

// Runner starts subprocesses. Tests swap it for ffmpegtest.Runner.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// SpawnError is an OS-level failure to start the binary.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus is returned by Wait when the process did not exit cleanly.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e *ExitStatus) Error() string {
	if e.Signal != "" {
		return "terminated by signal " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitStatusOf extracts the exit status from a Wait error.
// A nil error means exit code 0.
func ExitStatusOf(err error) (ExitStatus, bool) {
	if err == nil {
		return ExitStatus{}, true
	}
	var st *ExitStatus
	if errors.As(err, &st) {
		return *st, true
	}
	return ExitStatus{}, false
}

// ExecRunner runs real processes through os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (r *ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	var stdin io.WriteCloser
	if c.Stdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, &SpawnError{Path: c.Path, Err: err}
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	p := &execProcess{cmd: cmd, stdin: stdin}
	p.scanners.Add(2)
	go p.scan(stdout, StreamStdout, c.OnLine)
	go p.scan(stderr, StreamStderr, c.OnLine)
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	scanners sync.WaitGroup

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) scan(r io.Reader, stream string, onLine func(string, string)) {
	defer p.scanners.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || onLine == nil {
			continue
		}
		onLine(stream, line)
	}
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		// Pipes must be drained before cmd.Wait closes them.
		p.scanners.Wait()
		err := p.cmd.Wait()
		if p.stdin != nil {
			p.stdin.Close()
		}
		p.waitErr = exitError(p.cmd, err)
	})
	return p.waitErr
}

func (p *execProcess) Quit() error {
	if p.stdin == nil {
		return p.cmd.Process.Signal(os.Interrupt)
	}
	if _, err := io.WriteString(p.stdin, "q\n"); err != nil {
		return fmt.Errorf("write quit: %w", err)
	}
	return nil
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func exitError(cmd *exec.Cmd, err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	code := ee.ExitCode()
	if code == -1 && cmd.ProcessState != nil {
		return &ExitStatus{Code: -1, Signal: strings.TrimPrefix(cmd.ProcessState.String(), "signal: ")}
	}
	return &ExitStatus{Code: code}
}

// scanLines splits on \n or \r; ffmpeg rewrites its progress line with \r.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
