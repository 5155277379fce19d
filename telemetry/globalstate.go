// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"github.com/juitem/gator/xsync"
)

// globalStateData is everything guarded by the store lock.
type globalStateData struct {
	requested map[EventID]int
	catalog   []EventAndProperties
}

// GlobalStateStore is the daemon-side GlobalState implementation: the
// requested counter set is filled from the session configuration before the
// telemetry source starts, and the device catalog accumulates as directories
// arrive.
type GlobalStateStore struct {
	mode   CaptureMode
	period uint32

	data xsync.RWMutex[globalStateData]
}

// NewGlobalStateStore creates a store for the given capture mode and sample
// period.
func NewGlobalStateStore(mode CaptureMode, period uint32) *GlobalStateStore {
	return &GlobalStateStore{
		mode:   mode,
		period: period,
		data: xsync.NewRWMutex(globalStateData{
			requested: map[EventID]int{},
		}),
	}
}

// Request registers one requested event and its capture key.
func (g *GlobalStateStore) Request(id EventID, key int) {
	data := g.data.WLock()
	defer g.data.WUnlock(&data)
	data.requested[id] = key
}

// RequestedCounters implements GlobalState.
func (g *GlobalStateStore) RequestedCounters() map[EventID]int {
	data := g.data.RLock()
	defer g.data.RUnlock(&data)

	out := make(map[EventID]int, len(data.requested))
	for id, key := range data.requested {
		out[id] = key
	}
	return out
}

// CaptureMode implements GlobalState.
func (g *GlobalStateStore) CaptureMode() CaptureMode { return g.mode }

// SamplePeriod implements GlobalState.
func (g *GlobalStateStore) SamplePeriod() uint32 { return g.period }

// AddEvents implements GlobalState.
func (g *GlobalStateStore) AddEvents(events []EventAndProperties) {
	data := g.data.WLock()
	defer g.data.WUnlock(&data)
	data.catalog = append(data.catalog, events...)
}

// Events returns the accumulated device catalog.
func (g *GlobalStateStore) Events() []EventAndProperties {
	data := g.data.RLock()
	defer g.data.RUnlock(&data)
	return append([]EventAndProperties(nil), data.catalog...)
}
