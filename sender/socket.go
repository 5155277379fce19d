// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Socket wraps the raw analyzer connection descriptor handed down by the
// parent process. Raw fd access is required so the stop thread can multiplex
// it against the end-session eventfd with poll(2).
type Socket struct {
	fd int
}

// NewSocketFromFD adopts an inherited connection descriptor.
func NewSocketFromFD(fd int) *Socket {
	return &Socket{fd: fd}
}

// Fd returns the raw descriptor for pollers.
func (s *Socket) Fd() int {
	return s.fd
}

// ReceiveN reads exactly len(buf) bytes. Returns io.EOF if the peer closed
// the connection before any byte of the read arrived.
func (s *Socket) ReceiveN(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(s.fd, buf[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			if total == 0 {
				return io.EOF
			}
			return errors.New("connection closed mid-read")
		}
		total += n
	}
	return nil
}

// Write sends the whole buffer, retrying on short writes.
func (s *Socket) Write(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(s.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Shutdown flushes and half-closes the write side so the peer observes a
// clean end of stream.
func (s *Socket) Shutdown() {
	_ = unix.Shutdown(s.fd, unix.SHUT_WR)
}

// Close releases the descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}
