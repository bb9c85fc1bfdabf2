package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	agentclient "github.com/repoask/repoask/internal/agent/client"
	"github.com/repoask/repoask/internal/common/logger"
)

// bootOutputLines bounds how much early process output is retained for
// start failure diagnostics.
const bootOutputLines = 40

// Launcher supervises one agent server subprocess, bound to one
// workspace directory and one port.
type Launcher struct {
	binary  string
	port    int
	workDir string
	timeout time.Duration
	logger  *logger.Logger

	cmd      *exec.Cmd
	exited   chan struct{}
	stopping bool
	mu       sync.Mutex

	bootMu   sync.Mutex
	bootTail []string
}

// NewLauncher creates a launcher for the agent binary serving workDir
// on port. startupTimeout bounds the health wait in Start.
func NewLauncher(binary string, port int, workDir string, startupTimeout time.Duration, log *logger.Logger) *Launcher {
	if log == nil {
		log = logger.Default()
	}
	return &Launcher{
		binary:  binary,
		port:    port,
		workDir: workDir,
		timeout: startupTimeout,
		logger: log.WithFields(
			zap.String("component", "agent-launcher"),
			zap.Int("port", port)),
		exited: make(chan struct{}),
	}
}

// Port returns the port the agent server was asked to bind.
func (l *Launcher) Port() int { return l.port }

// BaseURL returns the HTTP address of the supervised server.
func (l *Launcher) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", l.port)
}

// Start spawns the agent server and waits until it answers health
// checks. On failure the captured process output is attached to the
// returned StartError so callers can classify the boot failure.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cmd != nil {
		l.mu.Unlock()
		return fmt.Errorf("agent server already running")
	}

	// exec.Command rather than CommandContext: shutdown is handled by
	// Stop with SIGTERM first, while CommandContext would SIGKILL on
	// context cancellation.
	cmd := exec.Command(l.binary, "serve",
		"--hostname", "127.0.0.1",
		"--port", strconv.Itoa(l.port))
	cmd.Dir = l.workDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = buildSysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return &StartError{Port: l.port, Cause: err}
	}
	l.cmd = cmd
	l.mu.Unlock()

	l.logger.Debug("agent server process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", l.workDir))

	go l.pipeOutput("stdout", bufio.NewScanner(stdout))
	go l.pipeOutput("stderr", bufio.NewScanner(stderr))
	go l.monitorExit()

	if err := l.waitForHealthy(ctx); err != nil {
		_ = cmd.Process.Kill()
		return &StartError{Port: l.port, Output: l.bootOutput(), Cause: err}
	}

	l.logger.Debug("agent server healthy")
	return nil
}

// waitForHealthy blocks until the server answers health checks, the
// process exits, or the startup timeout passes.
func (l *Launcher) waitForHealthy(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	health := agentclient.New(l.BaseURL(), l.logger)
	done := make(chan error, 1)
	go func() { done <- health.WaitForHealth(healthCtx) }()

	select {
	case err := <-done:
		return err
	case <-l.exited:
		return fmt.Errorf("agent server exited during startup")
	}
}

// Stop shuts the server down, SIGTERM first, SIGKILL when the context
// expires. Safe to call repeatedly and after exit.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.cmd == nil || l.cmd.Process == nil {
		l.mu.Unlock()
		return nil
	}
	select {
	case <-l.exited:
		l.mu.Unlock()
		return nil
	default:
	}
	l.stopping = true
	process := l.cmd.Process
	l.mu.Unlock()

	l.logger.Debug("stopping agent server", zap.Int("pid", process.Pid))

	if err := process.Signal(syscall.SIGTERM); err != nil {
		_ = process.Kill()
		<-l.exited
		return nil
	}

	select {
	case <-l.exited:
		return nil
	case <-ctx.Done():
		l.logger.Warn("graceful shutdown timed out, killing agent server")
		_ = process.Kill()
		select {
		case <-l.exited:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("agent server did not exit after kill")
		}
	}
}

// Running reports whether the subprocess is alive.
func (l *Launcher) Running() bool {
	select {
	case <-l.exited:
		return false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil && l.cmd.Process != nil
}

// pipeOutput forwards process output to the logger and retains a tail
// for boot diagnostics.
func (l *Launcher) pipeOutput(stream string, scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Text()
		l.recordBootLine(line)
		l.logger.Debug(line, zap.String("stream", stream))
	}
}

func (l *Launcher) recordBootLine(line string) {
	l.bootMu.Lock()
	defer l.bootMu.Unlock()
	l.bootTail = append(l.bootTail, line)
	if len(l.bootTail) > bootOutputLines {
		l.bootTail = l.bootTail[len(l.bootTail)-bootOutputLines:]
	}
}

func (l *Launcher) bootOutput() string {
	l.bootMu.Lock()
	defer l.bootMu.Unlock()
	return strings.Join(l.bootTail, "\n")
}

// monitorExit reaps the subprocess and signals waiters.
func (l *Launcher) monitorExit() {
	err := l.cmd.Wait()

	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()

	if err != nil && !stopping {
		l.logger.Warn("agent server exited unexpectedly", zap.Error(err))
	}
	close(l.exited)
}
