// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package archinfo describes the per-architecture constants the
// codec and the native symbol patcher need: pointer width and byte
// order. Adapted from golang-debug's arch package, which described
// the same machines for breakpoint insertion; repurposed here for
// wire-codec pointer width and Mach-O stub decoding instead.
package archinfo

import "encoding/binary"

// Info holds the architecture-specific facts the tracker needs.
type Info struct {
	PointerSize int
	ByteOrder   binary.ByteOrder
}

var AMD64 = Info{PointerSize: 8, ByteOrder: binary.LittleEndian}
var ARM64 = Info{PointerSize: 8, ByteOrder: binary.LittleEndian}
var I386 = Info{PointerSize: 4, ByteOrder: binary.LittleEndian}

// Uintptr decodes a pointer-sized value from buf according to a.
func (a Info) Uintptr(buf []byte) uint64 {
	switch a.PointerSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	default:
		panic("archinfo: unsupported pointer size")
	}
}
