// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package polled

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
)

type nopSession struct{}

func (nopSession) PostNotify() {}
func (nopSession) EndSession() {}

type countingDriver struct {
	key   int
	polls atomic.Int64
}

func (d *countingDriver) Name() string { return "counting" }

func (d *countingDriver) ResetCounters() {}

func (d *countingDriver) ClaimCounter(string) bool { return true }

func (d *countingDriver) SetupCounter(*agent.Counter) bool { return true }

func (d *countingDriver) ClaimSpe(int, agent.SpeConfig) (agent.CapturedSpe, bool) {
	return agent.CapturedSpe{}, false
}

func (d *countingDriver) Poll() []agent.PolledValue {
	n := d.polls.Add(1)
	return []agent.PolledValue{{Key: d.key, Value: uint64(n)}}
}

func drainAll(t *testing.T, s *Source) []byte {
	t.Helper()
	local := sender.NewLocal(false)
	dir := t.TempDir()
	require.NoError(t, local.CreateDataFile(dir))
	s.Write(local)
	local.Shutdown()
	raw, err := os.ReadFile(filepath.Join(dir, sender.DataFileName))
	require.NoError(t, err)
	return raw
}

func TestPolledSource(t *testing.T) {
	driver := &countingDriver{key: 7}
	notify := source.NewNotify()
	s := New(nopSession{}, notify, []agent.PolledDriver{driver}, 10*time.Millisecond)

	require.True(t, s.Prepare())
	s.Start()

	require.True(t, notify.WaitFor(2*time.Second))
	time.Sleep(50 * time.Millisecond)

	s.Interrupt()
	s.Join()

	data := drainAll(t, s)
	require.NotEmpty(t, data)
	require.Zero(t, len(data)%20)

	// First record carries the driver's key and first sample.
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(data[8:]))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(data[12:]))
	assert.True(t, s.IsDone())
}

func TestPrepareNeedsDrivers(t *testing.T) {
	s := New(nopSession{}, source.NewNotify(), nil, 0)
	assert.False(t, s.Prepare())
}

func TestSystemDriverClaims(t *testing.T) {
	d := NewSystemDriver()
	assert.True(t, d.ClaimCounter(CounterCPUUser))
	assert.True(t, d.ClaimCounter(CounterMemUsed))
	assert.False(t, d.ClaimCounter("cycles"))

	drivers := agent.NewDrivers([]agent.Driver{d}, []agent.PolledDriver{d})
	counters := drivers.SetupCounters([]agent.CounterConfig{
		{Name: CounterCPUUser},
		{Name: CounterMemUsed},
	})
	require.Len(t, counters, 2)
	assert.True(t, agent.PolledEligible(counters, drivers.Polled()))

	// Only the enabled counters are sampled.
	values := d.Poll()
	assert.Len(t, values, 2)
}

func TestSystemDriverPollsOnlyEnabled(t *testing.T) {
	d := NewSystemDriver()
	drivers := agent.NewDrivers([]agent.Driver{d}, []agent.PolledDriver{d})
	counters := drivers.SetupCounters([]agent.CounterConfig{
		{Name: CounterMemUsed},
	})
	require.Len(t, counters, 1)

	values := d.Poll()
	require.Len(t, values, 1)
	assert.Equal(t, counters[0].Key, values[0].Key)
	assert.Positive(t, values[0].Value)
}
