// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juitem/gator/sender"
)

func TestNotifyCollapsesPosts(t *testing.T) {
	n := NewNotify()

	// Many posts while nobody waits collapse into one wakeup.
	for i := 0; i < 10; i++ {
		n.Post()
	}
	assert.True(t, n.WaitFor(time.Second))

	// The next wait times out instead of hanging.
	start := time.Now()
	assert.False(t, n.WaitFor(50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGateSeeding(t *testing.T) {
	g := NewGate(2)
	done := make(chan struct{})
	go func() {
		g.Wait()
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("seeded permits were not consumable")
	}

	// An empty gate blocks until posted.
	blocked := make(chan struct{})
	go func() {
		g.Wait()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("gate handed out a permit it did not have")
	case <-time.After(100 * time.Millisecond):
	}
	g.Post()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("posted permit was not consumable")
	}
}

func TestBufferDrainAfterComplete(t *testing.T) {
	var b Buffer
	b.Put([]byte("one"))
	b.Put([]byte("two"))
	assert.False(t, b.Done())

	b.SetComplete()
	// Data buffered before completion must still reach the sink.
	assert.False(t, b.Done())

	local := sender.NewLocal(false)
	dir := t.TempDir()
	require.NoError(t, local.CreateDataFile(dir))
	b.Drain(local)
	local.Shutdown()

	data, err := os.ReadFile(filepath.Join(dir, sender.DataFileName))
	require.NoError(t, err)
	assert.Equal(t, []byte("onetwo"), data)
	assert.True(t, b.Done())

	// Done is monotonic; late puts are ignored.
	b.Put([]byte("late"))
	assert.True(t, b.Done())
}
