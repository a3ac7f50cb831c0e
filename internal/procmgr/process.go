package procmgr

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/common/logger"
)

// subprocessState is the internal lifecycle of the OS process backing a
// ManagedProcess, tracked independently of the higher-level ProcessState so
// that "the OS process exited" and "the execution settled" remain distinct
// events observed at different times.
type subprocessState int32

const (
	subprocessStateRunning subprocessState = iota
	subprocessStateExited
)

// errorWrapper lets us store a possibly-nil error in an atomic.Value, which
// otherwise panics on a nil-interface Store.
type errorWrapper struct{ err error }

// Subprocess wraps an exec.Cmd for a spawned agent CLI. It is intentionally
// NOT started with exec.CommandContext: the context that triggers a spawn
// (an inbound API request, say) has nothing to do with how long the agent
// should keep running, and letting it cancel the subprocess on an unrelated
// deadline would kill live conversations out from under their issues.
type Subprocess struct {
	cmd *exec.Cmd

	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	state     atomic.Int32
	exitCode  atomic.Int32
	exitErr   atomic.Value // errorWrapper
	exited    chan struct{}
	exitOnce  sync.Once

	logger *logger.Logger
}

// NewSubprocess builds (but does not start) a subprocess for the given command.
func NewSubprocess(name string, args []string, dir string, env []string, log *logger.Logger) (*Subprocess, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	sp := &Subprocess{
		cmd:    cmd,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		exited: make(chan struct{}),
		logger: log.WithFields(zap.String("component", "subprocess"), zap.String("cmd", name)),
	}
	sp.exitErr.Store(errorWrapper{})
	return sp, nil
}

// NewSubprocessPTY builds and starts a subprocess attached to an allocated
// pseudo-terminal instead of plain pipes, for agent CLIs that refuse to run
// without one. The pty's single file descriptor serves as both Stdin and
// Stdout; there is no separate Stderr stream in this mode.
func NewSubprocessPTY(name string, args []string, dir string, env []string, log *logger.Logger) (*Subprocess, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env

	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty subprocess: %w", err)
	}

	sp := &Subprocess{
		cmd:    cmd,
		Stdin:  ptyFile,
		Stdout: ptyFile,
		exited: make(chan struct{}),
		logger: log.WithFields(zap.String("component", "subprocess"), zap.String("cmd", name), zap.Bool("pty", true)),
	}
	sp.exitErr.Store(errorWrapper{})
	go sp.waitForExit()
	return sp, nil
}

// Start launches the subprocess and begins the background wait goroutine.
func (s *Subprocess) Start() error {
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}
	go s.waitForExit()
	return nil
}

func (s *Subprocess) waitForExit() {
	err := s.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.exitCode.Store(int32(exitErr.ExitCode()))
		} else {
			s.exitCode.Store(-1)
		}
		s.exitErr.Store(errorWrapper{err: err})
	}
	s.state.Store(int32(subprocessStateExited))
	s.exitOnce.Do(func() { close(s.exited) })
}

// Exited returns a channel closed once the subprocess has exited.
func (s *Subprocess) Exited() <-chan struct{} { return s.exited }

// HasExited reports whether the OS process has already exited.
func (s *Subprocess) HasExited() bool {
	return subprocessState(s.state.Load()) == subprocessStateExited
}

// ExitCode returns the process exit code, valid only after Exited() is closed.
func (s *Subprocess) ExitCode() int { return int(s.exitCode.Load()) }

// ExitErr returns the process.Wait error, if any, valid only after Exited() is closed.
func (s *Subprocess) ExitErr() error {
	if w, ok := s.exitErr.Load().(errorWrapper); ok {
		return w.err
	}
	return nil
}

// PID returns the OS process id, or 0 if not started.
func (s *Subprocess) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// SoftStop closes stdin, signalling a well-behaved CLI to wind down on its own.
func (s *Subprocess) SoftStop() error {
	if s.Stdin == nil {
		return nil
	}
	return s.Stdin.Close()
}

// HardStop races the subprocess's natural exit against killTimeout, then
// force-kills it. Safe to call after SoftStop or on its own.
func (s *Subprocess) HardStop(ctx context.Context, killTimeout time.Duration) error {
	select {
	case <-s.exited:
		return nil
	default:
	}

	timer := time.NewTimer(killTimeout)
	defer timer.Stop()

	select {
	case <-s.exited:
		return nil
	case <-timer.C:
		if s.cmd.Process == nil {
			return nil
		}
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Warn("failed to kill subprocess", zap.Error(err))
			return err
		}
		<-s.exited
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
