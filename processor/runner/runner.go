// Package runner spawns the external extraction tool and exposes its output
// as a stream of chunks.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const (
	// DefaultBinary is used when no tool location is configured.
	DefaultBinary = "yt-dlp"

	chunkSize = 32 * 1024
)

// LaunchError is returned when the process could not be started at all.
// It is distinct from a process that started and exited non-zero.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("Could not launch %s: %s", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Exit is the terminal status of a process.
type Exit struct {
	Code int

	// Err is set when the process could not be waited for properly.
	Err error
}

// Runner starts processes of a single executable.
type Runner struct {
	Binary string
}

// New returns a Runner for binary, or for DefaultBinary if binary is empty.
func New(binary string) *Runner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runner{Binary: binary}
}

// Process is a handle to a started child process.
//
// The caller must drain both Stdout and Stderr; Wait returns once both
// are closed and the child has been reaped.
type Process struct {
	cmd *exec.Cmd

	stdout chan []byte
	stderr chan []byte

	done chan struct{}
	exit Exit
}

// Version runs the tool's cheap version probe and returns its output.
func (r *Runner) Version(ctx context.Context) (string, error) {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, r.Binary, "--version")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("%s --version failed: %s, stderr: %s", r.Binary, err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%s --version failed: %s", r.Binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Start spawns the tool with args in dir. A *LaunchError is returned if the
// executable cannot be located or spawned.
//
// The process is not bound to a context: it runs to natural termination.
func (r *Runner) Start(args []string, dir string) (*Process, error) {
	cmd := exec.Command(r.Binary, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{r.Binary, err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, &LaunchError{r.Binary, err}
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, &LaunchError{r.Binary, err}
	}

	p := &Process{
		cmd:    cmd,
		stdout: make(chan []byte),
		stderr: make(chan []byte),
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdout, p.stdout)
	}()
	go func() {
		defer wg.Done()
		pump(stderr, p.stderr)
	}()

	go func() {
		// Wait closes the pipes, so both readers must be done first.
		wg.Wait()
		p.exit = exitOf(cmd.Wait())
		close(p.done)
	}()

	return p, nil
}

// Stdout returns the chunks written by the process to its stdout. The
// channel is closed at EOF.
func (p *Process) Stdout() <-chan []byte {
	return p.stdout
}

// Stderr returns the chunks written by the process to its stderr. The
// channel is closed at EOF.
func (p *Process) Stderr() <-chan []byte {
	return p.stderr
}

// Done is closed once the process has terminated and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process terminates and returns its exit status.
func (p *Process) Wait() Exit {
	<-p.done
	return p.exit
}

// Pid returns the OS process id of the child.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func pump(r io.Reader, out chan<- []byte) {
	defer close(out)
	for {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			out <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

func exitOf(err error) Exit {
	if err == nil {
		return Exit{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == 0 {
			// terminated by a signal
			code = -1
		}
		return Exit{Code: code}
	}
	return Exit{Code: -1, Err: err}
}
