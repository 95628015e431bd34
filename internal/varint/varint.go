// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package varint implements the unsigned-LEB128 and zig-zag signed
// varint encodings used by the heaptrace wire format, plus a generic
// delta-encoding helper applied to monotonically-drifting integer
// fields (thread ids, pointers, frame ids, line numbers).
//
// The unsigned codec is adapted from ogle's probe/varint.go, which
// itself was copied out of encoding/binary to avoid a dependency; we
// keep that same shape here since no third-party varint library
// appears anywhere in the retrieved corpus.
package varint

import (
	"errors"
	"io"
)

// MaxLen64 is the maximum length of a varint-encoded 64-bit integer.
const MaxLen64 = 10

var errOverflow = errors.New("heaptrace varint: value overflows a 64-bit integer")

// PutUvarint encodes x into buf and returns the number of bytes written.
// It panics if buf is too small.
func PutUvarint(buf []byte, x uint64) int {
	i := 0
	for x >= 0x80 {
		buf[i] = byte(x) | 0x80
		x >>= 7
		i++
	}
	buf[i] = byte(x)
	return i + 1
}

// AppendUvarint appends the varint encoding of x to buf and returns
// the extended slice.
func AppendUvarint(buf []byte, x uint64) []byte {
	var tmp [MaxLen64]byte
	n := PutUvarint(tmp[:], x)
	return append(buf, tmp[:n]...)
}

// ReadUvarint reads an encoded unsigned integer from r.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return x, err
		}
		if b < 0x80 {
			if i > 9 || (i == 9 && b > 1) {
				return x, errOverflow
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

// ZigZagEncode maps a signed integer to an unsigned one so that
// numbers with a small absolute value have a small encoding,
// regardless of sign.
func ZigZagEncode(x int64) uint64 {
	return uint64((x << 1) ^ (x >> 63))
}

// ZigZagDecode reverses ZigZagEncode.
func ZigZagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// AppendSignedVarint appends the zig-zag varint encoding of x.
func AppendSignedVarint(buf []byte, x int64) []byte {
	return AppendUvarint(buf, ZigZagEncode(x))
}

// ReadSignedVarint reads a zig-zag encoded signed integer from r.
func ReadSignedVarint(r io.ByteReader) (int64, error) {
	u, err := ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	return ZigZagDecode(u), nil
}

// Delta tracks the previous value of a monotonically-drifting integer
// field and encodes/decodes only the signed difference between
// successive values, matching records.h's DeltaEncodedFields.
type Delta struct {
	prev int64
}

// Encode returns new-prev as a zig-zag varint appended to buf, and
// updates the tracked previous value to new.
func (d *Delta) Encode(buf []byte, new int64) []byte {
	out := AppendSignedVarint(buf, new-d.prev)
	d.prev = new
	return out
}

// Decode reads a zig-zag varint delta from r, adds it to the tracked
// previous value, stores and returns the new absolute value.
func (d *Delta) Decode(r io.ByteReader) (int64, error) {
	delta, err := ReadSignedVarint(r)
	if err != nil {
		return 0, err
	}
	d.prev += delta
	return d.prev, nil
}

// Reset zeroes the tracked previous value, used when a new tracker
// generation invalidates previously emitted deltas.
func (d *Delta) Reset() {
	d.prev = 0
}
