// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package sender is the single-writer framed emitter of the capture child.
// Frames are (kind u8, length u32 little-endian, payload). With a socket
// target every kind is written; with a local capture directory DATA goes to
// the data file and control kinds are dropped.
package sender

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
)

// Response kinds written to the analyzer.
const (
	ResponseData   uint8 = 0x01
	ResponseAck    uint8 = 0x02
	ResponseError  uint8 = 0x03
	ResponseAPCEnd uint8 = 0x04
)

// Commands read from the analyzer.
const (
	CommandRequestXML uint8 = 0x00
	CommandAPCStop    uint8 = 0x01
	CommandAPCStart   uint8 = 0x02
	CommandPing       uint8 = 0x03
	CommandDeliverXML uint8 = 0x04
	CommandDisconnect uint8 = 0x05
)

// DataFileName is the capture data file inside the APC directory.
const DataFileName = "0000000000"

// ErrInvalidTarget is returned when a data file is requested without a local
// capture directory target.
var ErrInvalidTarget = errors.New("sender: no local capture target")

// Sender frames payloads to the analyzer socket or the local data file.
// Exactly one goroutine (the sender thread) calls WriteData during steady
// state; the fault path is the only other permitted caller and only after
// the sender thread joined or before it started. The internal mutex makes
// the setup-time ERROR path safe regardless.
type Sender struct {
	mu       sync.Mutex
	socket   *Socket
	firstErr error

	dataFile *os.File
	dataW    io.Writer
	zstdW    *zstd.Encoder
	digest   hash.Hash
	compress bool
}

// New creates a sender for the given socket, or a local-capture sender when
// socket is nil.
func New(socket *Socket) *Sender {
	return &Sender{socket: socket}
}

// NewLocal creates a local-capture sender that will compress the data file
// when compress is set.
func NewLocal(compress bool) *Sender {
	return &Sender{compress: compress}
}

// IsLocal reports whether the sender writes to a local capture directory.
func (s *Sender) IsLocal() bool {
	return s.socket == nil
}

// CreateDataFile opens the capture data file inside dir. Idempotent; calling
// it on a socket-target sender fails with ErrInvalidTarget.
func (s *Sender) CreateDataFile(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.socket != nil {
		return ErrInvalidTarget
	}
	if s.dataFile != nil {
		return nil
	}

	name := DataFileName
	if s.compress {
		name += ".zst"
	}
	f, err := os.OpenFile(filepath.Join(dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("unable to create data file in %s: %v", dir, err)
	}
	s.dataFile = f
	s.digest = sha256.New()

	if s.compress {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			s.dataFile = nil
			return fmt.Errorf("unable to create zstd writer: %v", err)
		}
		s.zstdW = zw
		s.dataW = io.MultiWriter(zw, s.digest)
	} else {
		s.dataW = io.MultiWriter(f, s.digest)
	}
	return nil
}

// WriteData frames and emits one payload. A nil payload with length zero is
// a valid control frame. Returns an error on sink I/O failure, which the
// caller treats as fatal, and ErrInvalidTarget for a DATA frame on a local
// sender whose data file was not created; the first error is also latched
// for Err.
func (s *Sender) WriteData(payload []byte, kind uint8, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.writeDataLocked(payload, kind, flush)
	if err != nil && s.firstErr == nil {
		s.firstErr = err
	}
	return err
}

// Err returns the first error returned by WriteData, if any.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Sender) writeDataLocked(payload []byte, kind uint8, flush bool) error {
	if s.socket == nil {
		// Local capture: control frames have no home in the data file.
		if kind != ResponseData {
			log.Debugf("Dropping response type %d for local capture", kind)
			return nil
		}
		if s.dataW == nil {
			return ErrInvalidTarget
		}
		if _, err := s.dataW.Write(payload); err != nil {
			return fmt.Errorf("data file write failed: %v", err)
		}
		if flush {
			if err := s.syncLocked(); err != nil {
				return err
			}
		}
		return nil
	}

	var header [5]byte
	header[0] = kind
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if err := s.socket.Write(header[:]); err != nil {
		return fmt.Errorf("socket write failed: %v", err)
	}
	if len(payload) > 0 {
		if err := s.socket.Write(payload); err != nil {
			return fmt.Errorf("socket write failed: %v", err)
		}
	}
	return nil
}

func (s *Sender) syncLocked() error {
	if s.zstdW != nil {
		if err := s.zstdW.Flush(); err != nil {
			return fmt.Errorf("zstd flush failed: %v", err)
		}
	}
	if s.dataFile != nil {
		if err := s.dataFile.Sync(); err != nil {
			return fmt.Errorf("data file sync failed: %v", err)
		}
	}
	return nil
}

// DataDigest returns the hex SHA-256 of all payload bytes written to the
// local data file so far, or "" for socket targets.
func (s *Sender) DataDigest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.digest == nil {
		return ""
	}
	return fmt.Sprintf("%x", s.digest.Sum(nil))
}

// Shutdown flushes and closes the target. After Shutdown the sender must not
// be written to again.
func (s *Sender) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.zstdW != nil {
		if err := s.zstdW.Close(); err != nil {
			log.Errorf("Failed to finish compressed data file: %v", err)
		}
		s.zstdW = nil
	}
	if s.dataFile != nil {
		if err := s.dataFile.Close(); err != nil {
			log.Errorf("Failed to close data file: %v", err)
		}
		s.dataFile = nil
		s.dataW = nil
	}
	if s.socket != nil {
		s.socket.Shutdown()
	}
}
