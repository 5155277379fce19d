// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package child

import (
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/juitem/gator/agent"
	"github.com/juitem/gator/sender"
	"github.com/juitem/gator/source"
)

// dummyPrimary produces a fixed-size batch on an interval until interrupted.
type dummyPrimary struct {
	deps     PrimaryDeps
	interval time.Duration
	payload  int

	buf           source.Buffer
	interruptOnce sync.Once
	interrupted   chan struct{}
	runDone       chan struct{}
	ran           bool
}

func newDummyPrimary(deps PrimaryDeps, interval time.Duration, payload int) *dummyPrimary {
	return &dummyPrimary{
		deps:        deps,
		interval:    interval,
		payload:     payload,
		interrupted: make(chan struct{}),
		runDone:     make(chan struct{}),
	}
}

func (d *dummyPrimary) Prepare() bool { return true }

func (d *dummyPrimary) Start() {}

func (d *dummyPrimary) Run() {
	d.ran = true
	defer close(d.runDone)
	defer d.buf.SetComplete()

	if d.deps.Started != nil {
		d.deps.Started()
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.interrupted:
			return
		case <-ticker.C:
			d.buf.Put(make([]byte, d.payload))
			d.deps.Notify.Post()
		}
	}
}

func (d *dummyPrimary) Write(s *sender.Sender) { d.buf.Drain(s) }

func (d *dummyPrimary) IsDone() bool { return d.buf.Done() }

func (d *dummyPrimary) Interrupt() {
	d.interruptOnce.Do(func() { close(d.interrupted) })
}

func (d *dummyPrimary) Join() {
	if d.ran {
		<-d.runDone
	}
}

// dummyAux is a silent auxiliary source honoring the Source contract.
type dummyAux struct {
	buf           source.Buffer
	interruptOnce sync.Once
	interrupts    int
	mu            sync.Mutex
}

func (d *dummyAux) Prepare() bool { return true }

func (d *dummyAux) Start() {}

func (d *dummyAux) Run() {}

func (d *dummyAux) Write(s *sender.Sender) { d.buf.Drain(s) }

func (d *dummyAux) IsDone() bool { return d.buf.Done() }

func (d *dummyAux) Interrupt() {
	d.mu.Lock()
	d.interrupts++
	d.mu.Unlock()
	d.interruptOnce.Do(func() { d.buf.SetComplete() })
}

func (d *dummyAux) interruptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

func (d *dummyAux) Join() {}

// testHarness wires a dummy primary and one dummy auxiliary.
type testHarness struct {
	primary *dummyPrimary
	aux     *dummyAux
}

func (h *testHarness) factories(interval time.Duration, payload int) SourceFactories {
	return SourceFactories{
		Primary: func(deps PrimaryDeps) source.Source {
			h.primary = newDummyPrimary(deps, interval, payload)
			return h.primary
		},
		ExternalTrace: func(AuxDeps) source.Source {
			h.aux = &dummyAux{}
			return h.aux
		},
	}
}

func runChild(t *testing.T, c *Child) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("session did not shut down in time")
	}
}

func newLocalChild(t *testing.T, cfg agent.SessionConfig,
	factories SourceFactories) *Child {
	t.Helper()
	if cfg.TargetPath == "" {
		cfg.TargetPath = filepath.Join(t.TempDir(), "capture.apc")
	}
	c, err := NewLocal(agent.NewDrivers(nil, nil), cfg, factories)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// analyzerPeer connects a live child to a scripted analyzer endpoint.
func analyzerPeer(t *testing.T) (*sender.Socket, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	sock := sender.NewSocketFromFD(fds[0])
	peer := os.NewFile(uintptr(fds[1]), "analyzer")
	t.Cleanup(func() {
		sock.Close()
		peer.Close()
	})
	return sock, peer
}

func writeCommand(t *testing.T, peer *os.File, cmdType uint8) {
	t.Helper()
	var frame [5]byte
	frame[0] = cmdType
	_, err := peer.Write(frame[:])
	require.NoError(t, err)
}

type frame struct {
	kind    uint8
	payload []byte
}

// readFrames drains the analyzer side until EOF.
func readFrames(t *testing.T, peer *os.File) []frame {
	t.Helper()
	var frames []frame
	for {
		var header [5]byte
		if _, err := io.ReadFull(peer, header[:]); err != nil {
			return frames
		}
		length := binary.LittleEndian.Uint32(header[1:])
		payload := make([]byte, length)
		_, err := io.ReadFull(peer, payload)
		require.NoError(t, err)
		frames = append(frames, frame{kind: header[0], payload: payload})
	}
}

func countKind(frames []frame, kind uint8) int {
	n := 0
	for _, f := range frames {
		if f.kind == kind {
			n++
		}
	}
	return n
}

func TestDurationDrivenStop(t *testing.T) {
	h := &testHarness{}
	dir := filepath.Join(t.TempDir(), "capture.apc")
	c := newLocalChild(t, agent.SessionConfig{
		TargetPath: dir,
		Duration:   2 * time.Second,
	}, h.factories(100*time.Millisecond, 16))

	start := time.Now()
	done := runChild(t, c)
	waitDone(t, done, 4*time.Second)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3500*time.Millisecond)

	// Roughly one 16-byte batch per 100ms over 2s.
	data, err := os.ReadFile(filepath.Join(dir, sender.DataFileName))
	require.NoError(t, err)
	batches := len(data) / 16
	assert.GreaterOrEqual(t, batches, 12)
	assert.LessOrEqual(t, batches, 24)

	// The capture directory is complete.
	_, err = os.Stat(filepath.Join(dir, "captured.xml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "counters.xml"))
	assert.NoError(t, err)
}

func TestRemoteStop(t *testing.T) {
	h := &testHarness{}
	sock, peer := analyzerPeer(t)
	c, err := NewLive(agent.NewDrivers(nil, nil), agent.SessionConfig{},
		sock, h.factories(50*time.Millisecond, 16))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	done := runChild(t, c)

	writeCommand(t, peer, sender.CommandAPCStart)
	time.Sleep(500 * time.Millisecond)
	writeCommand(t, peer, sender.CommandAPCStop)

	waitDone(t, done, 3*time.Second)

	frames := readFrames(t, peer)
	require.NotEmpty(t, frames)
	assert.Positive(t, countKind(frames, sender.ResponseData))
	// The end-of-capture marker is the very last frame.
	assert.Equal(t, sender.ResponseAPCEnd, frames[len(frames)-1].kind)
}

func TestPingDuringCapture(t *testing.T) {
	h := &testHarness{}
	sock, peer := analyzerPeer(t)
	c, err := NewLive(agent.NewDrivers(nil, nil), agent.SessionConfig{},
		sock, h.factories(50*time.Millisecond, 16))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	done := runChild(t, c)
	writeCommand(t, peer, sender.CommandAPCStart)

	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		writeCommand(t, peer, sender.CommandPing)
	}
	time.Sleep(100 * time.Millisecond)
	writeCommand(t, peer, sender.CommandAPCStop)
	waitDone(t, done, 3*time.Second)

	frames := readFrames(t, peer)
	assert.Equal(t, 5, countKind(frames, sender.ResponseAck))
	assert.Positive(t, countKind(frames, sender.ResponseData))
	assert.Equal(t, sender.ResponseAPCEnd, frames[len(frames)-1].kind)
}

func TestUnknownCommandIgnored(t *testing.T) {
	h := &testHarness{}
	sock, peer := analyzerPeer(t)
	c, err := NewLive(agent.NewDrivers(nil, nil), agent.SessionConfig{},
		sock, h.factories(50*time.Millisecond, 8))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	done := runChild(t, c)
	writeCommand(t, peer, sender.CommandAPCStart)
	time.Sleep(150 * time.Millisecond)

	// Unknown opcode, then a stop header with nonzero length: both ignored.
	writeCommand(t, peer, 0x66)
	_, err = peer.Write([]byte{sender.CommandAPCStop, 1, 0, 0, 0})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("session ended on an invalid command")
	default:
	}

	writeCommand(t, peer, sender.CommandAPCStop)
	waitDone(t, done, 3*time.Second)
}

func TestCommandExitStopsSession(t *testing.T) {
	h := &testHarness{}
	dir := filepath.Join(t.TempDir(), "capture.apc")
	c := newLocalChild(t, agent.SessionConfig{
		TargetPath:     dir,
		CaptureCommand: []string{"/bin/true"},
		StopOnExit:     true,
	}, h.factories(20*time.Millisecond, 16))

	start := time.Now()
	done := runChild(t, c)
	waitDone(t, done, 5*time.Second)
	assert.Less(t, time.Since(start), 3*time.Second)

	_, err := os.Stat(filepath.Join(dir, "captured.xml"))
	assert.NoError(t, err)
}

func TestWatchedPidsDrain(t *testing.T) {
	sleep1 := exec.Command("/bin/sleep", "30")
	require.NoError(t, sleep1.Start())
	sleep2 := exec.Command("/bin/sleep", "30")
	require.NoError(t, sleep2.Start())
	defer func() {
		sleep1.Process.Kill()
		sleep2.Process.Kill()
		sleep1.Wait()
		sleep2.Wait()
	}()

	h := &testHarness{}
	c := newLocalChild(t, agent.SessionConfig{
		Pids:       []int{sleep1.Process.Pid, sleep2.Process.Pid},
		StopOnExit: true,
	}, h.factories(50*time.Millisecond, 16))

	done := runChild(t, c)

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, sleep1.Process.Kill())
	_, _ = sleep1.Process.Wait()
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, sleep2.Process.Kill())
	killedAt := time.Now()
	_, _ = sleep2.Process.Wait()

	waitDone(t, done, 5*time.Second)
	assert.Less(t, time.Since(killedAt), 3*time.Second)
}

func TestOneShotHoldsPipeline(t *testing.T) {
	h := &testHarness{}
	dir := filepath.Join(t.TempDir(), "capture.apc")
	c := newLocalChild(t, agent.SessionConfig{
		TargetPath: dir,
		OneShot:    true,
	}, h.factories(20*time.Millisecond, 16))

	done := runChild(t, c)

	// The sender is gated: no data may reach the sink before the session
	// ends, even though the primary keeps producing.
	time.Sleep(400 * time.Millisecond)
	data, err := os.ReadFile(filepath.Join(dir, sender.DataFileName))
	require.NoError(t, err)
	assert.Empty(t, data)

	c.EndSession()
	waitDone(t, done, 3*time.Second)

	data, err = os.ReadFile(filepath.Join(dir, sender.DataFileName))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestSignalEndsSession(t *testing.T) {
	h := &testHarness{}
	c := newLocalChild(t, agent.SessionConfig{},
		h.factories(20*time.Millisecond, 16))

	done := runChild(t, c)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGTERM))
	waitDone(t, done, 3*time.Second)

	assert.Equal(t, int32(unix.SIGTERM), c.signalNum.Load())
}

func TestInterruptReachesEverySource(t *testing.T) {
	h := &testHarness{}
	c := newLocalChild(t, agent.SessionConfig{},
		h.factories(20*time.Millisecond, 16))

	done := runChild(t, c)
	time.Sleep(150 * time.Millisecond)
	c.EndSession()
	waitDone(t, done, 3*time.Second)

	require.NotNil(t, h.aux)
	assert.GreaterOrEqual(t, h.aux.interruptCount(), 1)
	assert.True(t, h.aux.IsDone())
	assert.True(t, h.primary.IsDone())
}

func TestSingletonExclusive(t *testing.T) {
	h := &testHarness{}
	c := newLocalChild(t, agent.SessionConfig{},
		h.factories(time.Hour, 16))

	_, err := NewLocal(agent.NewDrivers(nil, nil), agent.SessionConfig{},
		h.factories(time.Hour, 16))
	assert.Error(t, err)

	done := runChild(t, c)
	c.EndSession()
	waitDone(t, done, 3*time.Second)
}
