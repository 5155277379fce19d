// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package command launches and supervises the optional target program of a
// capture session. The program is spawned stopped so its pid is known and
// capture can be enabled before it executes; Start releases it.
package command

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// killGracePeriod is how long Cancel waits between SIGTERM and SIGKILL.
const killGracePeriod = time.Second

// Command is a launched target program. The process exists from Run on but
// sits stopped until Start releases it.
type Command struct {
	cmd *exec.Cmd
	pid int

	startOnce  sync.Once
	cancelOnce sync.Once
	done       chan struct{}
	exitCode   int
}

// Run spawns the target program in the stopped state and registers onExit to
// be called from the supervisor goroutine when it terminates. The returned
// Command's pid is valid immediately.
//
// The stop-before-exec latch is implemented by a shell trampoline: the child
// stops itself, and only after Start sends SIGCONT does it exec the real
// program. The pid stays the same across the exec.
func Run(argv []string, env []string, workDir string, onExit func()) (*Command, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty capture command")
	}

	shellArgs := append([]string{"-c", `kill -STOP $$; exec "$0" "$@"`}, argv...)
	cmd := exec.Command("/bin/sh", shellArgs...)
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if env != nil {
		cmd.Env = env
	}
	// Own process group so Cancel reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to run command %s: %v", argv[0], err)
	}

	c := &Command{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	go c.supervise(onExit)
	return c, nil
}

func (c *Command) supervise(onExit func()) {
	err := c.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		c.exitCode = exitErr.ExitCode()
	} else if err != nil {
		log.Errorf("Wait for command failed: %v", err)
		c.exitCode = -1
	}
	close(c.done)
	if onExit != nil {
		onExit()
	}
}

// Pid returns the pid of the target program.
func (c *Command) Pid() int {
	return c.pid
}

// Start releases the stopped target so it execs the real program.
func (c *Command) Start() {
	c.startOnce.Do(func() {
		log.Debugf("Releasing command (PID: %d)", c.pid)
		if err := unix.Kill(c.pid, unix.SIGCONT); err != nil {
			log.Errorf("Failed to release command %d: %v", c.pid, err)
		}
	})
}

// Cancel terminates the target: SIGTERM first, SIGKILL after a grace period.
// A stopped target is continued first so the signals are delivered.
func (c *Command) Cancel() {
	c.cancelOnce.Do(func() {
		pgid := -c.pid
		_ = unix.Kill(pgid, unix.SIGCONT)
		_ = unix.Kill(pgid, unix.SIGTERM)
		go func() {
			select {
			case <-c.done:
			case <-time.After(killGracePeriod):
				log.Debugf("Command %d ignored SIGTERM, killing", c.pid)
				_ = unix.Kill(pgid, unix.SIGKILL)
			}
		}()
	})
}

// Join blocks until the target has been waited on.
func (c *Command) Join() {
	<-c.done
}

// ExitCode returns the exit status once Join has returned.
func (c *Command) ExitCode() int {
	return c.exitCode
}
