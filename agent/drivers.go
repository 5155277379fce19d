// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// keyAllocator hands out capture counter keys. Key 0 is reserved.
var keyAllocator atomic.Int32

// NextKey allocates a fresh capture counter key.
func NextKey() int {
	return int(keyAllocator.Add(1))
}

// Counter is one configured counter bound to the driver that claimed it.
type Counter struct {
	CounterConfig
	Key     int
	Enabled bool
	driver  Driver
}

// Driver returns the driver that claimed this counter.
func (c *Counter) Driver() Driver {
	return c.driver
}

// Driver is one counter provider. Drivers are registered once at startup and
// shared across sessions by the daemon; the session child only configures
// them.
type Driver interface {
	// Name identifies the driver in logs and the counters catalog.
	Name() string

	// ResetCounters clears any per-session counter state.
	ResetCounters()

	// ClaimCounter reports whether this driver provides the named counter.
	ClaimCounter(name string) bool

	// SetupCounter configures a claimed counter for capture. Returns false
	// if the counter cannot be enabled.
	SetupCounter(c *Counter) bool

	// ClaimSpe tries to claim an SPE configuration. ok is false when the
	// driver does not handle it.
	ClaimSpe(sampleRate int, spe SpeConfig) (captured CapturedSpe, ok bool)
}

// PolledDriver is a driver whose counters are read by the userspace polled
// source rather than a kernel facility.
type PolledDriver interface {
	Driver

	// Poll samples all enabled counters, returning (key, value) pairs.
	Poll() []PolledValue
}

// PolledValue is one polled counter sample.
type PolledValue struct {
	Key   int
	Value uint64
}

// Drivers is the registry the daemon hands to each session child.
type Drivers struct {
	all    []Driver
	polled []PolledDriver
}

// NewDrivers builds a registry. Polled drivers must also appear in all.
func NewDrivers(all []Driver, polled []PolledDriver) *Drivers {
	return &Drivers{all: all, polled: polled}
}

// All returns every registered driver.
func (d *Drivers) All() []Driver {
	return d.all
}

// Polled returns the polled subset.
func (d *Drivers) Polled() []PolledDriver {
	return d.polled
}

// SetupCounters resets every driver, then binds each requested counter to
// the driver that claims it. Unclaimed counters are logged and skipped.
// The returned slice holds only the enabled counters.
func (d *Drivers) SetupCounters(requested []CounterConfig) []*Counter {
	for _, driver := range d.all {
		driver.ResetCounters()
	}

	counters := make([]*Counter, 0, len(requested))
	for _, cfg := range requested {
		claimed := false
		for _, driver := range d.all {
			if !driver.ClaimCounter(cfg.Name) {
				continue
			}
			counter := &Counter{
				CounterConfig: cfg,
				Key:           NextKey(),
				driver:        driver,
			}
			if driver.SetupCounter(counter) {
				counter.Enabled = true
				counters = append(counters, counter)
			} else {
				log.Warnf("Driver %s failed to set up counter %s",
					driver.Name(), cfg.Name)
			}
			claimed = true
			break
		}
		if !claimed {
			log.Warnf("No driver claimed counter %s", cfg.Name)
		}
	}
	return counters
}

// SetupSpes resolves the requested SPE configurations to the captured set.
// Unclaimed configurations warn, they do not fault the session.
func (d *Drivers) SetupSpes(sampleRate int, spes []SpeConfig) []CapturedSpe {
	captured := make([]CapturedSpe, 0, len(spes))
	for _, spe := range spes {
		claimed := false
		for _, driver := range d.all {
			if got, ok := driver.ClaimSpe(sampleRate, spe); ok {
				captured = append(captured, got)
				claimed = true
				break
			}
		}
		if !claimed {
			log.Warnf("No driver claimed %s", spe.ID)
		}
	}
	return captured
}

// PolledEligible reports whether any polled driver has work to do for the
// enabled counter set.
func PolledEligible(counters []*Counter, polled []PolledDriver) bool {
	for _, c := range counters {
		for _, p := range polled {
			if c.Enabled && c.driver == Driver(p) {
				return true
			}
		}
	}
	return false
}
