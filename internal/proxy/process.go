package proxy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// DefaultPath is the worker executable used when none is configured. It is
// resolved through PATH.
const DefaultPath = "lzma-worker"

// Process is a running worker: its three standard streams plus lifecycle.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	// Wait blocks until the process has exited. Stdout and Stderr must be
	// read to EOF first.
	Wait() error
	Kill() error
}

// Launcher starts a worker process.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Process, error)

// Launch calls f(ctx).
func (f LauncherFunc) Launch(ctx context.Context) (Process, error) { return f(ctx) }

// ExecLauncher starts the worker as a child process.
type ExecLauncher struct {
	Path string   // executable; DefaultPath if empty
	Args []string // arguments after the executable name
	Env  []string // extra KEY=VALUE pairs appended to the current environment
	Dir  string   // working directory; current directory if empty
}

// Launch starts the executable with piped standard streams. The process is
// not tied to ctx: it lives until Proxy.Close.
func (l *ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path
	if path == "" {
		path = DefaultPath
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }
