package memutils_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils"
)

func TestPointerLayout(t *testing.T) {
	ptr, err := memutils.NewGpuPointer(5, 300, 0x42)
	require.NoError(t, err)

	require.Equal(t, 5, ptr.MemoryTypeIndex())
	require.Equal(t, 300, ptr.PoolIndex())
	require.Equal(t, 0x42, ptr.Offset())
	require.Equal(t, memutils.GpuPointer(0x42), ptr.Agnostic())
	require.Equal(t, memutils.GpuPointer(5<<59|300<<48|0x42), ptr)
	require.Equal(t, "T5P300@0x42", ptr.String())

	ptr, err = memutils.NewGpuPointer(memutils.MaxMemoryTypeIndex, memutils.MaxPoolIndex, memutils.MaxOffset-1)
	require.NoError(t, err)
	require.Equal(t, memutils.MaxMemoryTypeIndex, ptr.MemoryTypeIndex())
	require.Equal(t, memutils.MaxPoolIndex, ptr.PoolIndex())
	require.False(t, ptr.IsNull())
}

func TestPointerOutOfRange(t *testing.T) {
	_, err := memutils.NewGpuPointer(32, 0, 0)
	require.Error(t, err)

	_, err = memutils.NewGpuPointer(0, 2048, 0)
	require.Error(t, err)

	_, err = memutils.NewGpuPointer(0, 0, memutils.MaxOffset+1)
	require.Error(t, err)

	_, err = memutils.NewGpuPointer(-1, 0, 0)
	require.Error(t, err)
}

func TestPointerSentinels(t *testing.T) {
	require.True(t, memutils.NullPointer.IsNull())
	require.False(t, memutils.ZeroPointer.IsNull())
	require.Equal(t, 0, memutils.ZeroPointer.Offset())
	require.Equal(t, "NULL", memutils.NullPointer.String())

	tagged, err := memutils.NullPointer.Agnostic().WithLocation(3, 7)
	require.NoError(t, err)
	require.True(t, tagged.IsNull())
}

func TestPointerAlign(t *testing.T) {
	ptr, err := memutils.NewGpuPointer(2, 9, 100)
	require.NoError(t, err)

	aligned := ptr.Align(16)
	require.Equal(t, 112, aligned.Offset())
	require.Equal(t, 2, aligned.MemoryTypeIndex())
	require.Equal(t, 9, aligned.PoolIndex())

	require.Equal(t, ptr, ptr.Align(0))
	require.Equal(t, ptr, ptr.Align(1))
	require.Equal(t, ptr, ptr.Align(4))

	for shift := 0; shift <= 12; shift++ {
		boundary := uint(1) << shift
		for offset := 0; offset < 5000; offset += 37 {
			aligned := memutils.GpuPointer(offset).Align(boundary)
			require.Zero(t, aligned.Offset()%int(boundary))
			require.GreaterOrEqual(t, aligned.Offset(), offset)
			require.Less(t, aligned.Offset(), offset+int(boundary))
		}
	}

	require.PanicsWithError(t, "boundary is 24: number must be a power of two", func() {
		ptr.Align(24)
	})
	require.Panics(t, func() {
		memutils.GpuPointer(16).Align(1 << 63)
	})
}

func TestPointerArithmetic(t *testing.T) {
	ptr, err := memutils.NewGpuPointer(1, 1, 10)
	require.NoError(t, err)

	require.Equal(t, 30, ptr.Add(20).Offset())
	require.Equal(t, 1, ptr.Add(20).PoolIndex())

	other, err := memutils.NewGpuPointer(4, 4, 5)
	require.NoError(t, err)
	sum := ptr.AddPointer(other)
	require.Equal(t, 15, sum.Offset())
	require.Equal(t, 1, sum.MemoryTypeIndex())

	require.Less(t, uint64(ptr), uint64(ptr.Add(1)))

	require.Panics(t, func() {
		memutils.GpuPointer(memutils.MaxOffset).Add(1)
	})
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint(0), "zero"))
	require.NoError(t, memutils.CheckPow2(uint(1), "one"))
	require.NoError(t, memutils.CheckPow2(4096, "page"))

	err := memutils.CheckPow2(uint(12), "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Equal(t, "alignment is 12: number must be a power of two", err.Error())
}

func TestAlignUpDown(t *testing.T) {
	require.Equal(t, 112, memutils.AlignUp(100, 16))
	require.Equal(t, 96, memutils.AlignDown(100, 16))
	require.Equal(t, 100, memutils.AlignUp(100, 0))
	require.Equal(t, 128, memutils.AlignUp(128, 64))
}

func TestTryAlignUp(t *testing.T) {
	aligned, ok := memutils.TryAlignUp(100, 16)
	require.True(t, ok)
	require.Equal(t, 112, aligned)

	aligned, ok = memutils.TryAlignUp(100, 0)
	require.True(t, ok)
	require.Equal(t, 100, aligned)

	aligned, ok = memutils.TryAlignUp(16, 1<<62)
	require.True(t, ok)
	require.Equal(t, 1<<62, aligned)

	// The alignment does not fit in an int
	_, ok = memutils.TryAlignUp(16, 1<<63)
	require.False(t, ok)

	// Rounding up would wrap past math.MaxInt
	_, ok = memutils.TryAlignUp(1<<62+1, 1<<62)
	require.False(t, ok)
	_, ok = memutils.TryAlignUp(math.MaxInt, 2)
	require.False(t, ok)
}
