// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package polled

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/agent"
)

// System counter names provided by the system driver.
const (
	CounterCPUUser   = "system_cpu_user"
	CounterCPUSystem = "system_cpu_system"
	CounterCPUIdle   = "system_cpu_idle"
	CounterMemUsed   = "system_mem_used"
	CounterMemFree   = "system_mem_free"
)

// SystemDriver exposes whole-system CPU time and memory counters as polled
// counters.
type SystemDriver struct {
	counters map[string]*agent.Counter
}

// NewSystemDriver creates the driver.
func NewSystemDriver() *SystemDriver {
	return &SystemDriver{counters: make(map[string]*agent.Counter)}
}

// Name identifies the driver.
func (d *SystemDriver) Name() string { return "system" }

// ResetCounters drops all per-session state.
func (d *SystemDriver) ResetCounters() {
	d.counters = make(map[string]*agent.Counter)
}

// ClaimCounter claims the five system counters named above.
func (d *SystemDriver) ClaimCounter(name string) bool {
	switch name {
	case CounterCPUUser, CounterCPUSystem, CounterCPUIdle,
		CounterMemUsed, CounterMemFree:
		return true
	}
	return false
}

// SetupCounter enables a claimed counter.
func (d *SystemDriver) SetupCounter(c *agent.Counter) bool {
	d.counters[c.Name] = c
	return true
}

// ClaimSpe never claims; SPE is a CPU facility.
func (d *SystemDriver) ClaimSpe(int, agent.SpeConfig) (agent.CapturedSpe, bool) {
	return agent.CapturedSpe{}, false
}

// Poll samples the enabled counters.
func (d *SystemDriver) Poll() []agent.PolledValue {
	values := make([]agent.PolledValue, 0, len(d.counters))

	wantCPU := d.counters[CounterCPUUser] != nil ||
		d.counters[CounterCPUSystem] != nil ||
		d.counters[CounterCPUIdle] != nil
	if wantCPU {
		times, err := cpu.Times(false)
		if err != nil || len(times) == 0 {
			log.Debugf("Failed to read CPU times: %v", err)
		} else {
			values = d.appendValue(values, CounterCPUUser, centis(times[0].User))
			values = d.appendValue(values, CounterCPUSystem, centis(times[0].System))
			values = d.appendValue(values, CounterCPUIdle, centis(times[0].Idle))
		}
	}

	if d.counters[CounterMemUsed] != nil || d.counters[CounterMemFree] != nil {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Debugf("Failed to read memory stats: %v", err)
		} else {
			values = d.appendValue(values, CounterMemUsed, vm.Used)
			values = d.appendValue(values, CounterMemFree, vm.Free)
		}
	}
	return values
}

func (d *SystemDriver) appendValue(values []agent.PolledValue, name string,
	value uint64) []agent.PolledValue {
	if c := d.counters[name]; c != nil {
		values = append(values, agent.PolledValue{Key: c.Key, Value: value})
	}
	return values
}

// centis converts seconds to centiseconds, the granularity the analyzer
// displays CPU time in.
func centis(seconds float64) uint64 {
	return uint64(seconds * 100)
}
