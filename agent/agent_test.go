// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	name     string
	claims   map[string]bool
	setupOK  bool
	resets   int
	speClaim string
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) ResetCounters() { d.resets++ }

func (d *fakeDriver) ClaimCounter(name string) bool { return d.claims[name] }

func (d *fakeDriver) SetupCounter(*Counter) bool { return d.setupOK }

func (d *fakeDriver) ClaimSpe(_ int, spe SpeConfig) (CapturedSpe, bool) {
	if spe.ID == d.speClaim {
		return CapturedSpe{ID: spe.ID, Key: NextKey()}, true
	}
	return CapturedSpe{}, false
}

func TestMergeCountersPriority(t *testing.T) {
	explicit := []CounterConfig{{Name: "cycles", Event: 1}}
	fromFile := []CounterConfig{{Name: "cycles", Event: 99}, {Name: "instructions"}}

	merged := MergeCounters(explicit, fromFile)
	require.Len(t, merged, 2)
	assert.Equal(t, 1, merged[0].Event, "explicit counter must win")
	assert.Equal(t, "instructions", merged[1].Name)
}

func TestSetupCounters(t *testing.T) {
	good := &fakeDriver{name: "good", claims: map[string]bool{"cycles": true}, setupOK: true}
	bad := &fakeDriver{name: "bad", claims: map[string]bool{"branches": true}, setupOK: false}
	drivers := NewDrivers([]Driver{good, bad}, nil)

	counters := drivers.SetupCounters([]CounterConfig{
		{Name: "cycles"},
		{Name: "branches"},
		{Name: "unclaimed"},
	})

	require.Len(t, counters, 1)
	assert.Equal(t, "cycles", counters[0].Name)
	assert.True(t, counters[0].Enabled)
	assert.Positive(t, counters[0].Key)
	assert.Same(t, good, counters[0].Driver())
	assert.Equal(t, 1, good.resets)
	assert.Equal(t, 1, bad.resets)
}

func TestSetupSpes(t *testing.T) {
	d := &fakeDriver{name: "spe", speClaim: "armv8_spe"}
	drivers := NewDrivers([]Driver{d}, nil)

	captured := drivers.SetupSpes(1009, []SpeConfig{
		{ID: "armv8_spe"},
		{ID: "nobody_claims_this"},
	})
	require.Len(t, captured, 1)
	assert.Equal(t, "armv8_spe", captured[0].ID)
}

func TestLoadCaptureConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
counters:
  - name: cycles
    event: 0x11
  - name: cache_misses
spes:
  - id: armv8_spe
    min_latency: 100
`), 0o644))

	cfg, err := LoadCaptureConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Counters, 2)
	assert.Equal(t, "cycles", cfg.Counters[0].Name)
	assert.Equal(t, 0x11, cfg.Counters[0].Event)
	require.Len(t, cfg.Spes, 1)
	assert.Equal(t, 100, cfg.Spes[0].MinLatency)

	_, err = LoadCaptureConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplySessionXML(t *testing.T) {
	cfg := &SessionConfig{}
	doc := []byte(`<session version="1" sample_rate="normal" duration="30"` +
		` capture_working_dir="/tmp" capture_command="ls -l" stop_gator="yes"/>`)
	require.NoError(t, ApplySessionXML(cfg, doc))

	assert.Equal(t, 30*time.Second, cfg.Duration)
	assert.Equal(t, 1009, cfg.SampleRate)
	assert.Equal(t, []string{"ls", "-l"}, cfg.CaptureCommand)
	assert.Equal(t, "/tmp", cfg.WorkingDir)
	assert.True(t, cfg.StopOnExit)
}

func TestApplySessionXMLKeepsExplicitSettings(t *testing.T) {
	cfg := &SessionConfig{
		Duration:       5 * time.Second,
		CaptureCommand: []string{"/bin/true"},
	}
	doc := []byte(`<session version="1" duration="30" capture_command="ls"/>`)
	require.NoError(t, ApplySessionXML(cfg, doc))

	assert.Equal(t, 5*time.Second, cfg.Duration)
	assert.Equal(t, []string{"/bin/true"}, cfg.CaptureCommand)
}

func TestApplySessionXMLErrors(t *testing.T) {
	cfg := &SessionConfig{}
	assert.Error(t, ApplySessionXML(cfg, []byte("not xml")))
	assert.Error(t, ApplySessionXML(cfg,
		[]byte(`<session version="1" sample_rate="warp"/>`)))
}
