// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"errors"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/xsync"
)

// ErrSelectionFailed is returned when the device send queue rejects a
// selection command.
var ErrSelectionFailed = errors.New("telemetry: failed to send counter selection")

// categoryEvent locates an event inside the stored directory: the index of
// its category plus the event uid within that category.
type categoryEvent struct {
	index int
	uid   uint16
}

// trackerState is everything guarded by the tracker lock.
type trackerState struct {
	devices     map[uint16]DeviceRecord
	counterSets map[uint16]CounterSetRecord
	categories  []CategoryRecord

	globalIDToCategoryEvent map[EventID]categoryEvent

	// requestedEventUIDs maps directory event uids to the capture key and
	// core of the matching requested event. Rebuilt on every directory.
	requestedEventUIDs map[uint16]KeyAndCore

	activePeriodic map[uint16]struct{}
	activePerJob   map[uint16]struct{}

	captureActive bool
}

// SessionStateTracker consumes the telemetry packet stream of one connected
// device session. All public methods are safe for concurrent use.
type SessionStateTracker struct {
	globalState GlobalState
	consumer    CounterConsumer
	sendQueue   SessionPacketSender

	state xsync.RWMutex[trackerState]
}

// NewSessionStateTracker wires a tracker to the daemon global state, the
// downstream counter consumer and the device send queue.
func NewSessionStateTracker(globalState GlobalState, consumer CounterConsumer,
	sendQueue SessionPacketSender) *SessionStateTracker {
	return &SessionStateTracker{
		globalState: globalState,
		consumer:    consumer,
		sendQueue:   sendQueue,
		state: xsync.NewRWMutex(trackerState{
			devices:                 map[uint16]DeviceRecord{},
			counterSets:             map[uint16]CounterSetRecord{},
			globalIDToCategoryEvent: map[EventID]categoryEvent{},
			requestedEventUIDs:      map[uint16]KeyAndCore{},
			activePeriodic:          map[uint16]struct{}{},
			activePerJob:            map[uint16]struct{}{},
		}),
	}
}

// OnCounterDirectory replaces the available catalog. A directory yielding
// duplicate event ids is a protocol violation and is rejected wholesale.
func (t *SessionStateTracker) OnCounterDirectory(devices map[uint16]DeviceRecord,
	counterSets map[uint16]CounterSetRecord, categories []CategoryRecord) bool {
	state := t.state.WLock()
	defer t.state.WUnlock(&state)

	newGlobal := make(map[EventID]categoryEvent)
	catalog := make([]EventAndProperties, 0)

	for catIndex, cat := range categories {
		var deviceName, counterSetName string
		hasDevice := cat.DeviceUID != 0
		hasCounterSet := cat.CounterSetUID != 0
		var counterSetCount uint16

		if hasDevice {
			dev, ok := devices[cat.DeviceUID]
			if !ok {
				log.Errorf("Counter directory category %s references unknown device %d",
					cat.Name, cat.DeviceUID)
				return false
			}
			deviceName = dev.Name
		}
		if hasCounterSet {
			cs, ok := counterSets[cat.CounterSetUID]
			if !ok {
				log.Errorf("Counter directory category %s references unknown counter set %d",
					cat.Name, cat.CounterSetUID)
				return false
			}
			counterSetName = cs.Name
			counterSetCount = cs.Count
		}

		for _, event := range cat.Events {
			id := EventID{
				Category:      cat.Name,
				Device:        deviceName,
				HasDevice:     hasDevice,
				CounterSet:    counterSetName,
				HasCounterSet: hasCounterSet,
				Name:          event.Name,
			}
			if _, dup := newGlobal[id]; dup {
				log.Errorf("Duplicate event %s/%s in counter directory",
					id.Category, id.Name)
				return false
			}
			newGlobal[id] = categoryEvent{index: catIndex, uid: event.UID}
			catalog = append(catalog, EventAndProperties{
				ID: id,
				Properties: EventProperties{
					CounterSetCount: counterSetCount,
					Class:           event.Class,
					Interpolation:   event.Interpolation,
					Multiplier:      event.Multiplier,
					Description:     event.Description,
					Units:           event.Units,
				},
			})
		}
	}

	sort.Slice(catalog, func(i, j int) bool {
		return catalog[i].ID.Compare(catalog[j].ID) < 0
	})
	t.globalState.AddEvents(catalog)

	requested := formRequestedUIDs(t.globalState.RequestedCounters(),
		newGlobal, categories, devices)

	state.devices = devices
	state.counterSets = counterSets
	state.categories = categories
	state.globalIDToCategoryEvent = newGlobal
	state.requestedEventUIDs = requested

	if state.captureActive {
		if !t.sendSelectionLocked(state) {
			log.Warnf("Failed to refresh counter selection after directory change")
		}
	}
	return true
}

// formRequestedUIDs intersects the globally requested events with the
// directory catalog, producing the uid -> (key, core) translation map. When
// two categories yield the same uid, a category with a bound device wins;
// between equals the lexicographically earlier event id wins.
func formRequestedUIDs(eventIDsToKey map[EventID]int,
	idToCategoryEvent map[EventID]categoryEvent,
	categories []CategoryRecord,
	devices map[uint16]DeviceRecord) map[uint16]KeyAndCore {
	ids := make([]EventID, 0, len(eventIDsToKey))
	for id := range eventIDsToKey {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

	type winner struct {
		kc    KeyAndCore
		bound bool
	}
	winners := make(map[uint16]winner)

	for _, id := range ids {
		ce, ok := idToCategoryEvent[id]
		if !ok {
			continue
		}
		cat := categories[ce.index]

		core := AllCores
		bound := false
		if cat.DeviceUID != 0 {
			if dev, ok := devices[cat.DeviceUID]; ok {
				bound = true
				if dev.Core != AllCores {
					core = dev.Core
				}
			}
		}

		if existing, ok := winners[ce.uid]; ok {
			// Earlier ids were visited first, so an equal-priority
			// candidate never displaces the incumbent.
			if existing.bound || !bound {
				continue
			}
		}
		winners[ce.uid] = winner{
			kc:    KeyAndCore{Key: eventIDsToKey[id], Core: core},
			bound: bound,
		}
	}

	requested := make(map[uint16]KeyAndCore, len(winners))
	for uid, w := range winners {
		requested[uid] = w.kc
	}
	return requested
}

// OnPeriodicCounterSelection records the device's periodic selection and
// forwards an activation event per requested uid. Unrequested uids are
// dropped silently.
func (t *SessionStateTracker) OnPeriodicCounterSelection(period uint32,
	uids []uint16) bool {
	state := t.state.WLock()
	defer t.state.WUnlock(&state)

	log.Debugf("Periodic counter selection: period=%dus uids=%d", period, len(uids))
	state.activePeriodic = uidSet(uids)
	t.emitActivationsLocked(state, uids)
	return true
}

// OnPerJobCounterSelection records the device's per-job selection.
func (t *SessionStateTracker) OnPerJobCounterSelection(objectID uint64,
	uids []uint16) bool {
	state := t.state.WLock()
	defer t.state.WUnlock(&state)

	log.Debugf("Per-job counter selection: object=%#x uids=%d", objectID, len(uids))
	state.activePerJob = uidSet(uids)
	t.emitActivationsLocked(state, uids)
	return true
}

func (t *SessionStateTracker) emitActivationsLocked(state *trackerState,
	uids []uint16) {
	ordered := append([]uint16(nil), uids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, uid := range ordered {
		if kc, ok := state.requestedEventUIDs[uid]; ok {
			t.consumer.CounterActivated(kc)
		}
	}
}

// OnPeriodicCounterCapture translates one periodic capture packet and
// forwards it downstream. Unknown uids are dropped.
func (t *SessionStateTracker) OnPeriodicCounterCapture(timestamp uint64,
	values map[uint16]uint32) bool {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	for _, uid := range sortedUids(values) {
		if kc, ok := state.requestedEventUIDs[uid]; ok {
			t.consumer.CounterValue(timestamp, kc, values[uid])
		}
	}
	return true
}

// OnPerJobCounterCapture translates one per-job capture packet and forwards
// it downstream. Unknown uids are dropped.
func (t *SessionStateTracker) OnPerJobCounterCapture(isPre bool,
	timestamp, objectRef uint64, values map[uint16]uint32) bool {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	for _, uid := range sortedUids(values) {
		if kc, ok := state.requestedEventUIDs[uid]; ok {
			t.consumer.CounterValuePerJob(isPre, timestamp, objectRef,
				kc, values[uid])
		}
	}
	return true
}

// DoEnableCapture starts capturing: the requested uids that exist in the
// current directory are sent as the selection. A send-queue refusal aborts
// the enable.
func (t *SessionStateTracker) DoEnableCapture() error {
	state := t.state.WLock()
	defer t.state.WUnlock(&state)

	state.captureActive = true
	if !t.sendSelectionLocked(state) {
		state.captureActive = false
		return ErrSelectionFailed
	}
	return nil
}

// DoDisableCapture stops capturing and sends an empty selection.
func (t *SessionStateTracker) DoDisableCapture() error {
	state := t.state.WLock()
	defer t.state.WUnlock(&state)

	state.captureActive = false
	if !t.sendSelectionLocked(state) {
		return ErrSelectionFailed
	}
	return nil
}

// sendSelectionLocked emits the current selection through the send queue:
// all requested-and-available uids while capture is active, none otherwise.
func (t *SessionStateTracker) sendSelectionLocked(state *trackerState) bool {
	var uids []uint16
	if state.captureActive {
		uids = make([]uint16, 0, len(state.requestedEventUIDs))
		for uid := range state.requestedEventUIDs {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	}

	switch t.globalState.CaptureMode() {
	case CaptureModePerJob:
		return t.sendQueue.SendPerJobCounterSelection(0, uids)
	default:
		return t.sendQueue.SendPeriodicCounterSelection(
			t.globalState.SamplePeriod(), uids)
	}
}

// ActiveUIDs returns the union of the periodic and per-job selections.
func (t *SessionStateTracker) ActiveUIDs() []uint16 {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	union := make(map[uint16]struct{}, len(state.activePeriodic)+len(state.activePerJob))
	for uid := range state.activePeriodic {
		union[uid] = struct{}{}
	}
	for uid := range state.activePerJob {
		union[uid] = struct{}{}
	}
	uids := make([]uint16, 0, len(union))
	for uid := range union {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// RequestedUIDs returns a copy of the current uid translation map.
func (t *SessionStateTracker) RequestedUIDs() map[uint16]KeyAndCore {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	out := make(map[uint16]KeyAndCore, len(state.requestedEventUIDs))
	for uid, kc := range state.requestedEventUIDs {
		out[uid] = kc
	}
	return out
}

func uidSet(uids []uint16) map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}
	return set
}

func sortedUids(values map[uint16]uint32) []uint16 {
	uids := make([]uint16, 0, len(values))
	for uid := range values {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}
