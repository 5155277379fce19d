// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStoppedUntilStart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")

	var exited atomic.Bool
	c, err := Run([]string{"/bin/sh", "-c", "touch " + marker}, nil, "",
		func() { exited.Store(true) })
	require.NoError(t, err)
	require.Positive(t, c.Pid())

	// The trampoline self-stops before exec; the marker must not appear
	// until the command is released.
	time.Sleep(200 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "command ran before Start")
	assert.False(t, exited.Load())

	c.Start()
	c.Join()
	assert.True(t, exited.Load())
	assert.Equal(t, 0, c.ExitCode())

	_, statErr = os.Stat(marker)
	assert.NoError(t, statErr)
}

func TestCancelTerminates(t *testing.T) {
	exit := make(chan struct{})
	c, err := Run([]string{"/bin/sh", "-c", "sleep 60"}, nil, "",
		func() { close(exit) })
	require.NoError(t, err)

	c.Start()
	time.Sleep(50 * time.Millisecond)
	c.Cancel()

	select {
	case <-exit:
	case <-time.After(5 * time.Second):
		t.Fatal("command did not terminate after Cancel")
	}
	c.Join()
	assert.NotEqual(t, 0, c.ExitCode())
}

func TestCancelBeforeStart(t *testing.T) {
	c, err := Run([]string{"/bin/true"}, nil, "", nil)
	require.NoError(t, err)

	// Cancel must get a stopped command moving again so it can die.
	c.Cancel()

	done := make(chan struct{})
	go func() {
		c.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stopped command was not reaped after Cancel")
	}
}

func TestRunFailure(t *testing.T) {
	_, err := Run(nil, nil, "", nil)
	assert.Error(t, err)
}

func TestProcessGroup(t *testing.T) {
	c, err := Run([]string{"/bin/sleep", "30"}, nil, "", nil)
	require.NoError(t, err)
	defer func() {
		c.Cancel()
		c.Join()
	}()

	pgid, err := unix.Getpgid(c.Pid())
	require.NoError(t, err)
	assert.Equal(t, c.Pid(), pgid)
}
