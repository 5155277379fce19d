// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventfd wraps a kernel eventfd used as a one-shot, edge-triggered
// cross-thread signal. Signal performs nothing but a raw 8-byte write, so it
// is safe to call from signal-delivery context.
package eventfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is an edge-triggered one-shot latch backed by an eventfd.
type Event struct {
	fd int
}

// New creates the eventfd. The descriptor is close-on-exec so it does not
// leak into launched target commands.
func New() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd failed: %v", err)
	}
	return &Event{fd: fd}, nil
}

// Fd returns the raw descriptor for pollers.
func (e *Event) Fd() int {
	return e.fd
}

// Signal makes the eventfd readable. Only a raw write; no allocation, no
// locking, no logging.
func (e *Event) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(e.fd, buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("eventfd short write: %d", n)
	}
	return nil
}

// Consume reads the eventfd once, clearing the latch.
func (e *Event) Consume() error {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	return err
}

// Close releases the descriptor.
func (e *Event) Close() error {
	return unix.Close(e.fd)
}
