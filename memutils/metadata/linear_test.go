package metadata_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

func TestLinearAlloc(t *testing.T) {
	linear := metadata.NewLinearAllocator(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	linear.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	ptr, err := linear.Allocate(1, 100)
	require.NoError(t, err)
	require.Equal(t, 0, ptr.Offset())

	stats.Clear()
	linear.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	ptr, err = linear.Allocate(64, 50)
	require.NoError(t, err)
	require.Equal(t, 128, ptr.Offset())
	require.Equal(t, 150, linear.Size())
	require.Equal(t, 178, linear.Offset())
	require.Equal(t, 2, linear.AllocationCount())
	require.NoError(t, linear.Validate())
}

func TestLinearOutOfMemory(t *testing.T) {
	linear := metadata.NewLinearAllocator(64)

	ptr, err := linear.Allocate(8, 40)
	require.NoError(t, err)
	require.Equal(t, 0, ptr.Offset())

	_, err = linear.Allocate(8, 40)
	require.Error(t, err)

	var oom memutils.OutOfMemoryError
	require.True(t, errors.As(err, &oom))
	require.Equal(t, memutils.OutOfMemoryError{RequestedSize: 40}, oom)

	// A failed allocation leaves the allocator untouched
	require.Equal(t, 40, linear.Size())
	require.Equal(t, 40, linear.Offset())

	ptr, err = linear.Allocate(8, 24)
	require.NoError(t, err)
	require.Equal(t, 40, ptr.Offset())
	require.Equal(t, 64, linear.Offset())
}

func TestLinearOversizedRequests(t *testing.T) {
	linear := metadata.NewLinearAllocator(1024)

	_, err := linear.Allocate(16, 16)
	require.NoError(t, err)

	var oom memutils.OutOfMemoryError
	_, err = linear.Allocate(1, math.MaxInt)
	require.True(t, errors.As(err, &oom))
	require.Equal(t, memutils.OutOfMemoryError{RequestedSize: math.MaxInt}, oom)

	_, err = linear.Allocate(1<<63, 16)
	require.True(t, errors.As(err, &oom))
	require.Equal(t, memutils.OutOfMemoryError{RequestedSize: 16}, oom)

	_, err = linear.Allocate(2048, 16)
	require.True(t, errors.As(err, &oom))

	require.Equal(t, 16, linear.Size())
	require.Equal(t, 16, linear.Offset())
	require.Equal(t, 1, linear.AllocationCount())
	require.NoError(t, linear.Validate())

	ptr, err := linear.Allocate(16, 1008)
	require.NoError(t, err)
	require.Equal(t, 16, ptr.Offset())
}

func TestLinearMonotonic(t *testing.T) {
	linear := metadata.NewLinearAllocator(4096)

	last := -1
	for i := 0; i < 20; i++ {
		align := uint(1) << (i % 8)
		ptr, err := linear.Allocate(align, 17+i)
		require.NoError(t, err)
		require.Greater(t, ptr.Offset(), last)
		require.Zero(t, ptr.Offset()%int(align))
		last = ptr.Offset()

		size := linear.Size()
		require.NoError(t, linear.Free(ptr))
		require.Equal(t, size, linear.Size())
	}
}

func TestLinearReset(t *testing.T) {
	linear := metadata.NewLinearAllocator(256)

	linear.Reset()
	require.Equal(t, 0, linear.Size())
	require.True(t, linear.IsEmpty())

	_, err := linear.Allocate(16, 100)
	require.NoError(t, err)
	_, err = linear.Allocate(16, 100)
	require.NoError(t, err)
	_, err = linear.Allocate(16, 100)
	require.Error(t, err)

	linear.Reset()
	linear.Reset()
	require.Equal(t, 0, linear.Size())
	require.Equal(t, 0, linear.Offset())
	require.NoError(t, linear.Validate())

	ptr, err := linear.Allocate(16, 256)
	require.NoError(t, err)
	require.Equal(t, 0, ptr.Offset())
	require.Equal(t, linear.Capacity(), linear.Size())
}

func TestLinearZeroSize(t *testing.T) {
	linear := metadata.NewLinearAllocator(64)

	ptr, err := linear.Allocate(8, 0)
	require.NoError(t, err)
	require.True(t, ptr.IsNull())
	require.Equal(t, 0, linear.Size())
	require.True(t, linear.IsEmpty())
	require.NoError(t, linear.Free(ptr))
}
