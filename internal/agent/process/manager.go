// Package process owns the ACP agent child processes and their stdio pipes.
package process

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/larkcoder/larkcoder/internal/agent/mockagent"
)

// Process is one running agent. Stdin/Stdout are the JSON-RPC wire; the
// bridge owns them after Spawn returns.
type Process struct {
	SessionID string
	Stdin     io.WriteCloser
	Stdout    io.ReadCloser

	cmd  *exec.Cmd // nil for the in-process mock agent
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the child's exit error, nil before exit or on clean exit.
// Callers must tolerate processes that are already gone.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Manager spawns at most one agent process per session id.
type Manager struct {
	log     *slog.Logger
	command string
	args    []string
	useMock bool

	mu    sync.Mutex
	procs map[string]*Process
}

func NewManager(log *slog.Logger, command string, args []string) *Manager {
	return &Manager{
		log:     log.With("component", "process-manager"),
		command: command,
		args:    args,
		useMock: os.Getenv("USE_MOCK_AGENT") != "",
		procs:   make(map[string]*Process),
	}
}

// Spawn launches the agent for a session, creating workingDir if missing.
// A second Spawn for a live session id fails.
func (m *Manager) Spawn(sessionID, workingDir string) (*Process, error) {
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procs[sessionID]; ok {
		return nil, fmt.Errorf("session %s already has a process", sessionID)
	}

	var (
		proc *Process
		err  error
	)
	if m.useMock {
		proc = m.spawnMock(sessionID)
	} else {
		proc, err = m.spawn(sessionID, workingDir)
		if err != nil {
			return nil, err
		}
	}
	m.procs[sessionID] = proc
	return proc, nil
}

func (m *Manager) spawn(sessionID, workingDir string) (*Process, error) {
	cmd := exec.Command(m.command, m.args...)
	cmd.Dir = workingDir
	// Own process group so Kill reaches shells the agent may spawn.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

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
		return nil, fmt.Errorf("starting agent %s: %w", m.command, err)
	}
	m.log.Info("agent spawned", "session_id", sessionID, "pid", cmd.Process.Pid, "cwd", workingDir)

	proc := &Process{
		SessionID: sessionID,
		Stdin:     stdin,
		Stdout:    stdout,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	go m.readStderr(sessionID, stderr)
	go m.reap(proc)

	return proc, nil
}

// spawnMock wires the in-process mock agent across pipe pairs; the returned
// Process behaves like a subprocess from the bridge's point of view.
func (m *Manager) spawnMock(sessionID string) *Process {
	agentIn, bridgeOut := io.Pipe()
	bridgeIn, agentOut := io.Pipe()

	proc := &Process{
		SessionID: sessionID,
		Stdin:     bridgeOut,
		Stdout:    bridgeIn,
		done:      make(chan struct{}),
	}

	go func() {
		mockagent.Serve(agentIn, agentOut)
		agentOut.Close()
		m.remove(sessionID, proc, nil)
	}()
	m.log.Info("mock agent attached", "session_id", sessionID)
	return proc
}

func (m *Manager) readStderr(sessionID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			m.log.Debug("agent stderr", "session_id", sessionID, "line", line)
		}
	}
}

func (m *Manager) reap(proc *Process) {
	err := proc.cmd.Wait()
	if err != nil {
		m.log.Warn("agent exited", "session_id", proc.SessionID, "error", err)
	} else {
		m.log.Info("agent exited", "session_id", proc.SessionID)
	}
	m.remove(proc.SessionID, proc, err)
}

func (m *Manager) remove(sessionID string, proc *Process, exitErr error) {
	proc.mu.Lock()
	proc.exitErr = exitErr
	proc.mu.Unlock()
	close(proc.done)

	m.mu.Lock()
	if cur, ok := m.procs[sessionID]; ok && cur == proc {
		delete(m.procs, sessionID)
	}
	m.mu.Unlock()
}

// Get returns the session's process, which may already be terminated.
func (m *Manager) Get(sessionID string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[sessionID]
	return p, ok
}

// IsAlive reports whether the session has a process that has not exited.
func (m *Manager) IsAlive(sessionID string) bool {
	p, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill terminates the session's process with SIGTERM, escalating to SIGKILL
// after 5s.
func (m *Manager) Kill(sessionID string) error {
	p, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s has no process", sessionID)
	}
	m.terminate(p)
	return nil
}

// KillAll signals SIGTERM to every child; used on shutdown.
func (m *Manager) KillAll() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	for _, p := range procs {
		m.terminate(p)
	}
}

func (m *Manager) terminate(p *Process) {
	if p.cmd == nil || p.cmd.Process == nil {
		// Mock agent: closing its input ends the serve loop.
		p.Stdin.Close()
		return
	}
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		m.log.Debug("sigterm failed", "session_id", p.SessionID, "error", err)
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		m.log.Warn("agent ignored SIGTERM, sending SIGKILL", "session_id", p.SessionID)
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
}
