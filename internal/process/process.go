package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tunnelkeeper/internal/detector"
)

var ErrAlreadyRunning = errors.New("process already running")

const (
	// killWait bounds how long Stop waits for the reaper after SIGKILL.
	killWait = 2 * time.Second
	// orphanGrace is how long leftover group members get between SIGTERM
	// and SIGKILL before a restart.
	orphanGrace = 2 * time.Second
	// settleMargin is added to WaitDelay when waiting for the previous
	// run's reaper.
	settleMargin = 500 * time.Millisecond
)

// Process is a handle on one supervised OS process. A background waiter
// reaps the child as soon as it exits; liveness is polled through IsAlive.
type Process struct {
	mu     sync.Mutex
	spec   Spec
	cmd    *exec.Cmd
	done   chan struct{} // closed once the current child has been reaped
	pgid   int           // group of the latest run, until swept
	status Status
}

func New(spec Spec) *Process {
	return &Process{spec: spec, status: Status{Name: spec.Name}}
}

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Start launches the process and returns without waiting for readiness.
// stdout and stderr are both appended to the spec's log file. env, when
// non-empty, replaces the inherited environment.
func (p *Process) Start(env []string) error {
	p.settle()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && !isClosed(p.done) {
		return fmt.Errorf("%s: %w (pid %d)", p.spec.Name, ErrAlreadyRunning, p.status.PID)
	}

	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	// Grandchildren may keep the log pipe open after the leader exits.
	cmd.WaitDelay = time.Second

	sink := p.spec.Log.ProcessWriter(p.spec.LogFile)
	if sink != nil {
		cmd.Stdout = sink
		cmd.Stderr = sink
	}
	if err := cmd.Start(); err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.pgid = cmd.Process.Pid
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.status.StoppedAt = time.Time{}
	p.status.ExitErr = ""
	p.status.Starts++
	p.writePIDFile(cmd.Process.Pid)

	go p.reap(cmd, done, sink)
	return nil
}

// settle clears what the previous run left behind once its leader is gone.
// Group members that outlived the leader are terminated, and the reaper is
// given WaitDelay to finish draining output so Start agrees with IsAlive.
func (p *Process) settle() {
	p.mu.Lock()
	cmd, done, pgid := p.cmd, p.done, p.pgid
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if !isClosed(done) {
		alive, _ := detector.PIDDetector{PID: cmd.Process.Pid}.Alive()
		if alive {
			return
		}
	}
	p.sweep(pgid, orphanGrace)
	t := time.NewTimer(cmd.WaitDelay + settleMargin)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	}
}

func (p *Process) sweep(pgid int, grace time.Duration) {
	sweepGroup(pgid, grace)
	p.mu.Lock()
	if p.pgid == pgid {
		p.pgid = 0
	}
	p.mu.Unlock()
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}, sink io.Closer) {
	err := cmd.Wait()
	if sink != nil {
		_ = sink.Close()
	}
	p.mu.Lock()
	if p.cmd == cmd {
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		if err != nil {
			p.status.ExitErr = err.Error()
		}
	}
	p.mu.Unlock()
	close(done)
}

// IsAlive reports whether the process is currently running. It never fails:
// a never-started, exited or reaped process is simply not alive.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || isClosed(done) {
		return false
	}
	alive, _ := detector.PIDDetector{PID: cmd.Process.Pid}.Alive()
	return alive
}

// Stop asks the process group to terminate with SIGTERM and escalates to
// SIGKILL after grace. When the leader has already exited only the members
// it left in its group are signalled; with none left Stop is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd, done, pgid := p.cmd, p.done, p.pgid
	p.mu.Unlock()

	defer p.removePIDFile()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if isClosed(done) {
		p.sweep(pgid, grace)
		return nil
	}
	pid := cmd.Process.Pid
	_ = signalGroup(pid, syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		p.sweep(pgid, grace)
		return nil
	case <-t.C:
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("stop %s: pid %d still running after SIGKILL", p.spec.Name, pid)
	}
}

// Done returns a channel closed when the current run has exited, or nil
// when the process was never started.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// PID returns the PID of the current run or 0 when not running.
func (p *Process) PID() int {
	if !p.IsAlive() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	alive := p.IsAlive()
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	s.Running = alive
	if !alive {
		s.PID = 0
	}
	return s
}

func (p *Process) writePIDFile(pid int) {
	if p.spec.PIDFile == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(p.spec.PIDFile), 0o750)
	_ = detector.WritePIDFile(p.spec.PIDFile, pid)
}

func (p *Process) removePIDFile() {
	p.mu.Lock()
	path := p.spec.PIDFile
	p.mu.Unlock()
	if path != "" {
		_ = os.Remove(path)
	}
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
