package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/joncooperworks/authplugin/transport"
	"github.com/joncooperworks/authplugin/wire"
)

// process is a spawned plugin and its streams.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	grace  time.Duration
	logger *slog.Logger

	diag     *transport.Diagnostics
	diagDone chan struct{}

	exited  chan struct{}
	waitErr error
}

// Open starts program with wire.MarkerFlag and performs the handshake. The
// plugin's stderr is logged unless WithStderr is given. If the handshake
// fails the child is killed and reaped before Open returns.
func Open(ctx context.Context, program string, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	p, err := startProcess(program, o)
	if err != nil {
		o.metrics.sessionOpened(err)
		return nil, err
	}

	c := newClient(p.stdout, p.stdin, o)
	c.interrupt = p.kill
	c.release = p.close
	c.stderr = p.stderrTail

	err = c.handshake(ctx)
	o.metrics.sessionOpened(err)
	if err != nil {
		p.kill()
		_ = p.close()
		if tail := p.stderrTail(); tail != "" {
			err = fmt.Errorf("%w (plugin stderr: %s)", err, tail)
		}
		return nil, err
	}
	o.logger.Debug("auth plugin started", "program", program, "pid", p.cmd.Process.Pid)
	return c, nil
}

func startProcess(program string, o *options) (*process, error) {
	cmd := exec.Command(program, append([]string{wire.MarkerFlag}, o.args...)...)
	cmd.Env = o.env
	cmd.WaitDelay = o.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Wait closes StdoutPipe readers at exit; a plugin that greets and exits
	// at once must still be readable, so the parent owns this pipe.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		grace:  o.grace,
		logger: o.logger.With("plugin", filepath.Base(program)),
		exited: make(chan struct{}),
	}

	var stderrR, stderrW *os.File
	if o.stderr != nil {
		cmd.Stderr = o.stderr
	} else {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			_ = stdin.Close()
			_ = stdoutR.Close()
			_ = stdoutW.Close()
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}
		cmd.Stderr = stderrW
		p.diag = transport.NewDiagnostics(p.logger)
	}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			if f != nil {
				_ = f.Close()
			}
		}
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to start auth plugin %s: %w", program, err)
	}
	_ = stdoutW.Close()
	if stderrW != nil {
		_ = stderrW.Close()
		p.diagDone = make(chan struct{})
		go func() {
			defer close(p.diagDone)
			_ = p.diag.Consume(stderrR)
			_ = stderrR.Close()
		}()
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) kill() {
	_ = p.cmd.Process.Kill()
}

func (p *process) stderrTail() string {
	if p.diag == nil {
		return ""
	}
	return p.diag.Tail()
}

// close closes stdin, gives the plugin the grace period to exit, kills it
// otherwise, and reaps it. The exit status is logged, not returned.
func (p *process) close() error {
	_ = p.stdin.Close()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		p.logger.Warn("auth plugin did not exit after stdin closed, killing it", "pid", p.cmd.Process.Pid)
		p.kill()
		<-p.exited
	}

	if p.diagDone != nil {
		select {
		case <-p.diagDone:
		case <-time.After(p.grace):
			p.logger.Warn("auth plugin stderr still open after exit")
		}
	}
	closeErr := p.stdout.Close()

	var exitErr *exec.ExitError
	switch {
	case p.waitErr == nil:
	case errors.As(p.waitErr, &exitErr):
		p.logger.Debug("auth plugin exited", "status", exitErr.ProcessState.String())
	default:
		return fmt.Errorf("failed to reap auth plugin: %w", p.waitErr)
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return closeErr
	}
	return nil
}
