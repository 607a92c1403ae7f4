package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/veritaslabs/veritas/types"
)

// EngineBinaryName is the engine executable the runner spawns.
const EngineBinaryName = "veritas-engine"

// killGrace is how long a SIGTERM gets before SIGKILL.
const killGrace = 5 * time.Second

// ResolveEngineBinary locates the engine executable: an explicit configured
// path wins, then a sibling of the current executable, then $PATH.
func ResolveEngineBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured engine binary %s: %w", configured, err)
		}
		return configured, nil
	}

	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), EngineBinaryName)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}

	path, err := exec.LookPath(EngineBinaryName)
	if err != nil {
		return "", fmt.Errorf("engine binary %s not found: %w", EngineBinaryName, err)
	}
	return path, nil
}

// SpawnConfig describes one engine attempt.
type SpawnConfig struct {
	BinaryPath  string
	URL         string
	Tier        types.Tier
	VerdictMode types.VerdictMode
	Modules     []string
	Meta        types.SpawnMeta
	// StdoutFallback marks the spawn as eligible for the stdout respawn.
	// The transport itself still follows Meta.IPCMode.
	StdoutFallback bool
}

// Args builds the engine command line.
func (c *SpawnConfig) Args() []string {
	args := []string{
		c.URL,
		"--tier", string(c.Tier),
		"--verdict-mode", string(c.VerdictMode),
		"--audit-id", c.Meta.AuditID,
		"--ipc-mode", string(c.Meta.IPCMode),
		"--attempt", fmt.Sprintf("%d", c.Meta.Attempt),
	}
	if len(c.Modules) > 0 {
		args = append(args, "--modules", strings.Join(c.Modules, ","))
	}
	if c.StdoutFallback {
		args = append(args, "--use-stdout-fallback")
	}
	return args
}

// Process abstracts the engine subprocess for test injection. Graceful
// shutdown flows through context cancellation; Kill is the hard stop.
type Process interface {
	Start(ctx context.Context) error
	Stdout() io.Reader
	Stderr() io.Reader
	Kill() error
	Wait() (exitCode int, err error)
}

// ProcessFactory creates a Process for a spawn config.
type ProcessFactory func(cfg *SpawnConfig) Process

// EngineProcess is the real subprocess implementation.
type EngineProcess struct {
	cfg    *SpawnConfig
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// NewEngineProcess creates the default process wrapper.
func NewEngineProcess(cfg *SpawnConfig) Process {
	return &EngineProcess{cfg: cfg}
}

// Start spawns the engine. Stdout belongs to IPC; stderr carries engine
// diagnostics for crash reports.
func (p *EngineProcess) Start(ctx context.Context) error {
	p.cmd = exec.CommandContext(ctx, p.cfg.BinaryPath, p.cfg.Args()...)
	p.cmd.Cancel = func() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
	p.cmd.WaitDelay = killGrace

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	p.stdout = stdout

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	p.stderr = stderr

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// Stdout returns the IPC stream.
func (p *EngineProcess) Stdout() io.Reader { return p.stdout }

// Stderr returns the diagnostic stream.
func (p *EngineProcess) Stderr() io.Reader { return p.stderr }

// Kill terminates the engine immediately.
func (p *EngineProcess) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait reaps the engine and returns its exit code. Callers must drain
// stdout before Wait: reaping closes the pipe.
func (p *EngineProcess) Wait() (int, error) {
	if p.cmd == nil {
		return -1, errors.New("engine not started")
	}
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// 128+signal convention, matching shell reporting.
				return 128 + int(status.Signal()), nil
			}
			return status.ExitStatus(), nil
		}
		return -1, nil
	}
	return -1, fmt.Errorf("engine wait: %w", err)
}

var _ Process = (*EngineProcess)(nil)
