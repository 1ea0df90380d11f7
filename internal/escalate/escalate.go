// Package escalate implements the escalation supervisor:
// forking the VIP-up / VIP-down child processes and reconciling their
// lifecycle with COORDINATOR state transitions.
package escalate

import (
	"os/exec"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Supervisor tracks the single in-flight escalation or de-escalation child,
// if any. Leaving a command string empty makes that direction a no-op.
type Supervisor struct {
	logger log.Logger

	EscalationCommand   string
	DeescalationCommand string

	mu        sync.Mutex
	cmd       *exec.Cmd
	running   bool
	escalated bool
	holdingVIP bool
}

func New(logger log.Logger, escalationCmd, deescalationCmd string) *Supervisor {
	return &Supervisor{logger: logger, EscalationCommand: escalationCmd, DeescalationCommand: deescalationCmd}
}

// Escalate is called on entering COORDINATOR with quorum >= 0.
// delegateIP is used only to decide holdingVIP's initial value; the actual
// VIP acquisition is the forked program's job.
func (s *Supervisor) Escalate(delegateIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitRunningLocked(5 * time.Second)
	s.run(s.EscalationCommand)
	s.escalated = true
	s.holdingVIP = delegateIP != ""
}

// Deescalate is called on leaving COORDINATOR or losing quorum.
func (s *Supervisor) Deescalate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitRunningLocked(5 * time.Second)
	s.run(s.DeescalationCommand)
	s.escalated = false
	s.holdingVIP = false
}

// awaitRunningLocked blocks (holding s.mu) up to timeout for any in-flight
// child to exit, as requires before forking the opposite
// program. Must be called with s.mu held.
func (s *Supervisor) awaitRunningLocked(timeout time.Duration) {
	if !s.running || s.cmd == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		level.Warn(s.logger).Log("msg", "prior escalation child did not exit in time, proceeding anyway")
	}
	s.running = false
}

// run forks command if non-empty; it is a no-op otherwise.
// Must be called with s.mu held.
func (s *Supervisor) run(command string) {
	if command == "" {
		return
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	if err := cmd.Start(); err != nil {
		level.Error(s.logger).Log("msg", "failed to fork escalation program", "command", command, "err", err)
		return
	}
	level.Info(s.logger).Log("msg", "forked escalation program", "command", command, "pid", cmd.Process.Pid)
	s.cmd = cmd
	s.running = true
	go s.reap(cmd)
}

// reap waits for the child and logs its exit status; no automatic restart.
func (s *Supervisor) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	if s.cmd == cmd {
		s.running = false
	}
	s.mu.Unlock()
	if err != nil {
		level.Warn(s.logger).Log("msg", "escalation child exited", "err", err)
	} else {
		level.Info(s.logger).Log("msg", "escalation child exited", "status", "ok")
	}
}

// Escalated reports whether Escalate has run more recently than
// Deescalate. It is true even when no delegate IP is configured.
func (s *Supervisor) Escalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

// AwaitQuiescent waits up to timeout for any running child to exit, used by
// the event loop's graceful-shutdown path.
func (s *Supervisor) AwaitQuiescent(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitRunningLocked(timeout)
}
