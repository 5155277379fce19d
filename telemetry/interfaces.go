// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

// CaptureMode selects how the device samples counters.
type CaptureMode int

const (
	// CaptureModePeriodic samples on a fixed period.
	CaptureModePeriodic CaptureMode = iota
	// CaptureModePerJob samples around job boundaries.
	CaptureModePerJob
)

// GlobalState gives the tracker access to daemon-wide session-independent
// state. Implementations must be safe for concurrent use.
type GlobalState interface {
	// RequestedCounters maps each globally requested event to its capture
	// counter key.
	RequestedCounters() map[EventID]int

	// CaptureMode returns the requested capture mode.
	CaptureMode() CaptureMode

	// SamplePeriod returns the requested sample period in microseconds.
	SamplePeriod() uint32

	// AddEvents publishes the events available from the connected device.
	AddEvents([]EventAndProperties)
}

// CounterConsumer receives translated counter traffic for the output
// pipeline.
type CounterConsumer interface {
	// CounterActivated reports that a requested counter became part of the
	// active selection.
	CounterActivated(kc KeyAndCore)

	// CounterValue delivers one periodic counter sample.
	CounterValue(timestamp uint64, kc KeyAndCore, value uint32)

	// CounterValuePerJob delivers one per-job counter sample.
	CounterValuePerJob(isPre bool, timestamp, objectRef uint64,
		kc KeyAndCore, value uint32)
}

// SessionPacketSender emits selection commands to the device. Both methods
// report whether the command was queued.
type SessionPacketSender interface {
	SendPeriodicCounterSelection(period uint32, uids []uint16) bool
	SendPerJobCounterSelection(objectID uint64, uids []uint16) bool
}
