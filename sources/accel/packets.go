// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package accel

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/juitem/gator/telemetry"
)

// Device stream packet types. Both directions use the same
// (type u8, length u32 LE, payload) framing.
const (
	packetCounterDirectory  uint8 = 0x00
	packetPeriodicSelection uint8 = 0x01
	packetPerJobSelection   uint8 = 0x02
	packetPeriodicCapture   uint8 = 0x03
	packetPerJobCapture     uint8 = 0x04
)

// maxPacketLength bounds a single packet so a corrupt length cannot make us
// allocate unbounded memory.
const maxPacketLength = 1 << 20

// readPacket reads one framed packet from the device stream.
func readPacket(r io.Reader) (uint8, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[1:])
	if length > maxPacketLength {
		return 0, nil, fmt.Errorf("oversized packet: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

func writePacket(w io.Writer, packetType uint8, payload []byte) error {
	var header [5]byte
	header[0] = packetType
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// payloadReader decodes little-endian fields, latching the first error.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func (r *payloadReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("truncated packet at offset %d", r.off)
	}
}

func (r *payloadReader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *payloadReader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *payloadReader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *payloadReader) str() string {
	n := int(r.u16())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return ""
	}
	v := string(r.buf[r.off : r.off+n])
	r.off += n
	return v
}

func (r *payloadReader) uids() []uint16 {
	n := int(r.u16())
	uids := make([]uint16, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		uids = append(uids, r.u16())
	}
	return uids
}

func (r *payloadReader) values() map[uint16]uint32 {
	n := int(r.u16())
	values := make(map[uint16]uint32, n)
	for i := 0; i < n && r.err == nil; i++ {
		uid := r.u16()
		values[uid] = r.u32()
	}
	return values
}

// decodeCounterDirectory parses a directory packet into tracker records.
func decodeCounterDirectory(payload []byte) (map[uint16]telemetry.DeviceRecord,
	map[uint16]telemetry.CounterSetRecord, []telemetry.CategoryRecord, error) {
	r := &payloadReader{buf: payload}

	devices := make(map[uint16]telemetry.DeviceRecord)
	for i, n := 0, int(r.u16()); i < n && r.err == nil; i++ {
		rec := telemetry.DeviceRecord{UID: r.u16()}
		rec.Core = int(int32(r.u32()))
		rec.Name = r.str()
		devices[rec.UID] = rec
	}

	counterSets := make(map[uint16]telemetry.CounterSetRecord)
	for i, n := 0, int(r.u16()); i < n && r.err == nil; i++ {
		rec := telemetry.CounterSetRecord{UID: r.u16()}
		rec.Count = r.u16()
		rec.Name = r.str()
		counterSets[rec.UID] = rec
	}

	var categories []telemetry.CategoryRecord
	for i, n := 0, int(r.u16()); i < n && r.err == nil; i++ {
		cat := telemetry.CategoryRecord{
			DeviceUID:     r.u16(),
			CounterSetUID: r.u16(),
			Name:          r.str(),
		}
		for j, m := 0, int(r.u16()); j < m && r.err == nil; j++ {
			cat.Events = append(cat.Events, telemetry.EventRecord{
				UID:           r.u16(),
				Class:         r.u16(),
				Interpolation: r.u16(),
				Multiplier:    r.f64(),
				Name:          r.str(),
				Description:   r.str(),
				Units:         r.str(),
			})
		}
		categories = append(categories, cat)
	}

	if r.err != nil {
		return nil, nil, nil, r.err
	}
	return devices, counterSets, categories, nil
}

// Encoders for the selection commands sent back to the device.

func encodeSelectionUids(buf []byte, uids []uint16) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(uids)))
	for _, uid := range uids {
		buf = binary.LittleEndian.AppendUint16(buf, uid)
	}
	return buf
}

func encodePeriodicSelection(period uint32, uids []uint16) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, period)
	return encodeSelectionUids(buf, uids)
}

func encodePerJobSelection(objectID uint64, uids []uint16) []byte {
	buf := binary.LittleEndian.AppendUint64(nil, objectID)
	return encodeSelectionUids(buf, uids)
}
