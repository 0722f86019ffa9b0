package memutils

import (
	"fmt"
	"math"

	cerrors "github.com/cockroachdb/errors"
)

// GpuPointer is an opaque handle to a location inside some pool's memory. It packs the index of
// the memory type the pool allocates from, the index of the pool within that memory type, and a byte
// offset within the pool's block into a single 64-bit value.
//
// Pointers are comparable and hashable. Comparing two pointers is only meaningful when both were
// issued by the same pool.
type GpuPointer uint64

const (
	offsetBits    = 48
	poolIndexBits = 11
	typeIndexBits = 5

	poolIndexShift = offsetBits
	typeIndexShift = offsetBits + poolIndexBits

	// MaxOffset is the largest byte offset a GpuPointer can carry
	MaxOffset int = 1<<offsetBits - 1
	// MaxPoolIndex is the largest pool index a GpuPointer can carry
	MaxPoolIndex int = 1<<poolIndexBits - 1
	// MaxMemoryTypeIndex is the largest memory type index a GpuPointer can carry
	MaxMemoryTypeIndex int = 1<<typeIndexBits - 1

	offsetMask    GpuPointer = GpuPointer(MaxOffset)
	poolIndexMask GpuPointer = GpuPointer(MaxPoolIndex) << poolIndexShift
	typeIndexMask GpuPointer = GpuPointer(MaxMemoryTypeIndex) << typeIndexShift
)

const (
	// ZeroPointer points at offset 0 and carries no memory type or pool information
	ZeroPointer GpuPointer = 0
	// NullPointer has every bit set. It is returned for zero-size allocations and freeing it is
	// always a no-op.
	NullPointer GpuPointer = math.MaxUint64
)

// NewGpuPointer builds a pointer from its parts. An error is returned if any part is out of range.
func NewGpuPointer(memoryTypeIndex, poolIndex, offset int) (GpuPointer, error) {
	if offset < 0 || offset > MaxOffset {
		return NullPointer, cerrors.Newf("offset %d does not fit in a GpuPointer", offset)
	}

	return GpuPointer(offset).WithLocation(memoryTypeIndex, poolIndex)
}

// WithLocation returns a copy of this pointer tagged with a memory type index and pool index. The
// offset is untouched.
func (p GpuPointer) WithLocation(memoryTypeIndex, poolIndex int) (GpuPointer, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex > MaxMemoryTypeIndex {
		return NullPointer, cerrors.Newf("memory type index %d does not fit in a GpuPointer", memoryTypeIndex)
	}
	if poolIndex < 0 || poolIndex > MaxPoolIndex {
		return NullPointer, cerrors.Newf("pool index %d does not fit in a GpuPointer", poolIndex)
	}

	return (p & offsetMask) |
		GpuPointer(poolIndex)<<poolIndexShift |
		GpuPointer(memoryTypeIndex)<<typeIndexShift, nil
}

// MemoryTypeIndex returns the memory type index encoded in this pointer
func (p GpuPointer) MemoryTypeIndex() int {
	return int((p & typeIndexMask) >> typeIndexShift)
}

// PoolIndex returns the pool index encoded in this pointer
func (p GpuPointer) PoolIndex() int {
	return int((p & poolIndexMask) >> poolIndexShift)
}

// Offset returns the byte offset of this pointer within its pool's block
func (p GpuPointer) Offset() int {
	return int(p & offsetMask)
}

// Agnostic strips the memory type and pool index, leaving only the offset
func (p GpuPointer) Agnostic() GpuPointer {
	return p & offsetMask
}

// IsNull returns true if the offset part of this pointer has every bit set
func (p GpuPointer) IsNull() bool {
	return p&offsetMask == offsetMask
}

// Align rounds the offset of this pointer up to the next multiple of boundary. A boundary of 0 or 1
// returns the pointer unchanged. Passing a boundary that is not a power of two is a programming error
// and panics; pools validate alignment before it ever reaches this method.
func (p GpuPointer) Align(boundary uint) GpuPointer {
	if boundary <= 1 {
		return p
	}

	err := CheckPow2(boundary, "boundary")
	if err != nil {
		panic(err)
	}

	aligned, ok := TryAlignUp(p.Offset(), boundary)
	if !ok || aligned > MaxOffset {
		panic(cerrors.Newf("aligning %s to %d overflows the pointer offset", p, boundary))
	}

	return (p &^ offsetMask) | GpuPointer(aligned)
}

// Add advances the offset of this pointer by a number of bytes
func (p GpuPointer) Add(bytes int) GpuPointer {
	offset := p.Offset() + bytes
	if offset < 0 || offset > MaxOffset {
		panic(cerrors.Newf("adding %d bytes to %s overflows the pointer offset", bytes, p))
	}

	return (p &^ offsetMask) | GpuPointer(offset)
}

// AddPointer advances the offset of this pointer by the offset of another pointer
func (p GpuPointer) AddPointer(other GpuPointer) GpuPointer {
	return p.Add(other.Offset())
}

func (p GpuPointer) String() string {
	if p == NullPointer {
		return "NULL"
	}
	return fmt.Sprintf("T%dP%d@0x%X", p.MemoryTypeIndex(), p.PoolIndex(), p.Offset())
}
