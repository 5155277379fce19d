// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry tracks the state of one accelerator telemetry session:
// it reconciles the counter directory advertised by the device with the
// counters the user requested and emits selection commands back to the
// device.
package telemetry

import "strings"

// AllCores marks a counter value that is not bound to a particular core.
const AllCores = -1

// EventID identifies a counter event across devices and counter sets. The
// Device and CounterSet fields are optional; absence sorts before any
// present value.
type EventID struct {
	Category      string
	Device        string
	HasDevice     bool
	CounterSet    string
	HasCounterSet bool
	Name          string
}

// compareOptional orders optional strings with absent first.
func compareOptional(aSet bool, a string, bSet bool, b string) int {
	if !aSet && !bSet {
		return 0
	}
	if !aSet {
		return -1
	}
	if !bSet {
		return 1
	}
	return strings.Compare(a, b)
}

// Compare defines the total order on EventIDs: lexicographic over the tuple
// (category, device, counter set, name).
func (e EventID) Compare(o EventID) int {
	if c := strings.Compare(e.Category, o.Category); c != 0 {
		return c
	}
	if c := compareOptional(e.HasDevice, e.Device, o.HasDevice, o.Device); c != 0 {
		return c
	}
	if c := compareOptional(e.HasCounterSet, e.CounterSet,
		o.HasCounterSet, o.CounterSet); c != 0 {
		return c
	}
	return strings.Compare(e.Name, o.Name)
}

// EventProperties describes a directory event for the global event catalog.
type EventProperties struct {
	CounterSetCount uint16
	Class           uint16
	Interpolation   uint16
	Multiplier      float64
	Description     string
	Units           string
}

// EventAndProperties pairs a catalog entry with its identity.
type EventAndProperties struct {
	ID         EventID
	Properties EventProperties
}

// KeyAndCore is the capture counter key and core number a device event maps
// to. Core is AllCores when the event is not bound to a core.
type KeyAndCore struct {
	Key  int
	Core int
}

// DeviceRecord is one device advertised by the counter directory. Core is
// AllCores unless the device has a fixed core binding.
type DeviceRecord struct {
	UID  uint16
	Name string
	Core int
}

// CounterSetRecord is one counter set advertised by the counter directory.
type CounterSetRecord struct {
	UID   uint16
	Name  string
	Count uint16
}

// EventRecord is one event within a directory category.
type EventRecord struct {
	UID           uint16
	Name          string
	Class         uint16
	Interpolation uint16
	Multiplier    float64
	Description   string
	Units         string
}

// CategoryRecord is one directory category. DeviceUID and CounterSetUID are
// zero when the category has no such association.
type CategoryRecord struct {
	Name          string
	DeviceUID     uint16
	CounterSetUID uint16
	Events        []EventRecord
}
