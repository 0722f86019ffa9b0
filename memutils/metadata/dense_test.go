package metadata_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

type allocation struct {
	offset int
	size   int
}

func liveAllocations(t *testing.T, dense *metadata.DenseAllocator) []allocation {
	var allocs []allocation
	err := dense.VisitAllocations(func(offset, size int) error {
		allocs = append(allocs, allocation{offset: offset, size: size})
		return nil
	})
	require.NoError(t, err)
	return allocs
}

func TestDenseReusesFirstGap(t *testing.T) {
	dense := metadata.NewDenseAllocator(1024, 0)

	first, err := dense.Allocate(16, 100)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset())

	second, err := dense.Allocate(16, 200)
	require.NoError(t, err)
	require.Equal(t, 112, second.Offset())
	require.Equal(t, 300, dense.Size())

	require.NoError(t, dense.Free(first))
	require.Equal(t, 200, dense.Size())

	third, err := dense.Allocate(16, 50)
	require.NoError(t, err)
	require.Equal(t, 0, third.Offset())

	require.Equal(t, []allocation{
		{offset: 0, size: 50},
		{offset: 112, size: 200},
	}, liveAllocations(t, dense))
	require.NoError(t, dense.Validate())
}

func TestDenseMinTimePrefersTail(t *testing.T) {
	dense := metadata.NewDenseAllocator(1024, metadata.AllocationStrategyMinTime)

	first, err := dense.Allocate(16, 100)
	require.NoError(t, err)
	_, err = dense.Allocate(16, 200)
	require.NoError(t, err)
	require.NoError(t, dense.Free(first))

	third, err := dense.Allocate(16, 50)
	require.NoError(t, err)
	require.Equal(t, 320, third.Offset())

	fourth, err := dense.Allocate(16, 640)
	require.NoError(t, err)
	require.Equal(t, 384, fourth.Offset())

	// Once the tail is full, the scan from the head finds the hole at 0
	hole, err := dense.Allocate(16, 90)
	require.NoError(t, err)
	require.Equal(t, 0, hole.Offset())
	require.NoError(t, dense.Validate())
}

func TestDenseMinMemoryPicksSmallestGap(t *testing.T) {
	dense := metadata.NewDenseAllocator(1000, metadata.AllocationStrategyMinMemory)

	var ptrs []memutils.GpuPointer
	for i := 0; i < 5; i++ {
		ptr, err := dense.Allocate(1, 100)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	// Leaves free ranges of 100, 200 and 500 bytes
	require.NoError(t, dense.Free(ptrs[0]))
	require.NoError(t, dense.Free(ptrs[2]))
	require.NoError(t, dense.Free(ptrs[3]))

	ptr, err := dense.Allocate(1, 150)
	require.NoError(t, err)
	require.Equal(t, 200, ptr.Offset())

	ptr, err = dense.Allocate(1, 80)
	require.NoError(t, err)
	require.Equal(t, 0, ptr.Offset())
	require.NoError(t, dense.Validate())
}

func TestDenseOutOfMemory(t *testing.T) {
	dense := metadata.NewDenseAllocator(256, 0)

	_, err := dense.Allocate(1, 257)
	require.Error(t, err)

	var oom memutils.OutOfMemoryError
	require.True(t, errors.As(err, &oom))
	require.Equal(t, 257, oom.RequestedSize)

	first, err := dense.Allocate(1, 100)
	require.NoError(t, err)
	_, err = dense.Allocate(1, 100)
	require.NoError(t, err)
	require.NoError(t, dense.Free(first))

	// 156 bytes are free in total, but the largest contiguous range is 100 bytes
	_, err = dense.Allocate(1, 120)
	require.True(t, errors.As(err, &oom))
	require.Equal(t, 120, oom.RequestedSize)
	require.Equal(t, 100, dense.Size())

	_, err = dense.Allocate(1, 100)
	require.NoError(t, err)

	// 56 bytes remain at offset 200, but alignment pushes the request past the end
	_, err = dense.Allocate(16, 56)
	require.True(t, errors.As(err, &oom))
}

func TestDenseHugeAlignment(t *testing.T) {
	for _, strategy := range []metadata.AllocationStrategy{
		metadata.AllocationStrategyMinOffset,
		metadata.AllocationStrategyMinTime,
		metadata.AllocationStrategyMinMemory,
	} {
		dense := metadata.NewDenseAllocator(1024, strategy)

		first, err := dense.Allocate(16, 16)
		require.NoError(t, err)
		require.Equal(t, 0, first.Offset())

		for _, align := range []uint{1 << 63, 1 << 62, 2048} {
			_, err = dense.Allocate(align, 16)
			var oom memutils.OutOfMemoryError
			require.True(t, errors.As(err, &oom), "alignment %d", align)
			require.Equal(t, 16, oom.RequestedSize)
		}

		require.Equal(t, []allocation{{offset: 0, size: 16}}, liveAllocations(t, dense))
		require.Equal(t, 1, dense.AllocationCount())
		require.NoError(t, dense.Validate())
	}
}

func TestDenseZeroSize(t *testing.T) {
	dense := metadata.NewDenseAllocator(256, 0)

	_, err := dense.Allocate(1, 100)
	require.NoError(t, err)

	ptr, err := dense.Allocate(16, 0)
	require.NoError(t, err)
	require.True(t, ptr.IsNull())
	require.Equal(t, memutils.NullPointer, ptr)
	require.Equal(t, 100, dense.Size())
	require.Equal(t, 1, dense.AllocationCount())

	require.NoError(t, dense.Free(ptr))
	require.Equal(t, 100, dense.Size())
	require.Equal(t, []allocation{{offset: 0, size: 100}}, liveAllocations(t, dense))
	require.NoError(t, dense.Validate())
}

func TestDenseUnknownPointer(t *testing.T) {
	dense := metadata.NewDenseAllocator(256, 0)

	ptr, err := dense.Allocate(16, 32)
	require.NoError(t, err)
	_, err = dense.Allocate(16, 32)
	require.NoError(t, err)

	err = dense.Free(ptr.Add(8))
	var unknown memutils.UnknownPointerError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, ptr.Add(8), unknown.Pointer)

	require.NoError(t, dense.Free(ptr))
	err = dense.Free(ptr)
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, 32, dense.Size())

	require.NoError(t, dense.Free(memutils.NullPointer))
}

func TestDenseRoundTrip(t *testing.T) {
	dense := metadata.NewDenseAllocator(512, 0)

	_, err := dense.Allocate(8, 64)
	require.NoError(t, err)
	mid, err := dense.Allocate(8, 128)
	require.NoError(t, err)
	_, err = dense.Allocate(8, 64)
	require.NoError(t, err)

	before := dense.Size()
	require.NoError(t, dense.Free(mid))
	ptr, err := dense.Allocate(64, 100)
	require.NoError(t, err)
	require.Equal(t, mid.Offset(), ptr.Offset())
	require.NoError(t, dense.Free(ptr))

	ptr, err = dense.Allocate(8, 128)
	require.NoError(t, err)
	require.Equal(t, mid.Offset(), ptr.Offset())
	require.Equal(t, before, dense.Size())
}

func TestDenseReset(t *testing.T) {
	dense := metadata.NewDenseAllocator(1024, 0)

	dense.Reset()
	require.True(t, dense.IsEmpty())

	for i := 0; i < 4; i++ {
		_, err := dense.Allocate(16, 200)
		require.NoError(t, err)
	}

	dense.Reset()
	dense.Reset()
	require.Equal(t, 0, dense.Size())
	require.Equal(t, 0, dense.AllocationCount())
	require.Empty(t, liveAllocations(t, dense))
	require.NoError(t, dense.Validate())

	ptr, err := dense.Allocate(4096, 1024)
	require.NoError(t, err)
	require.Equal(t, 0, ptr.Offset())
}

func TestDenseStatistics(t *testing.T) {
	dense := metadata.NewDenseAllocator(1000, 0)

	first, err := dense.Allocate(1, 100)
	require.NoError(t, err)
	_, err = dense.Allocate(1, 300)
	require.NoError(t, err)
	require.NoError(t, dense.Free(first))

	var stats memutils.DetailedStatistics
	stats.Clear()
	dense.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 300,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  300,
		AllocationSizeMax:  300,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 600,
	}, stats)

	var simple memutils.Statistics
	dense.AddStatistics(&simple)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      1000,
		AllocationCount: 1,
		AllocationBytes: 300,
	}, simple)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	dense.BlockJsonData(&obj)
	dense.SuballocationsJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 1000,
		"UnusedBytes": 700,
		"Allocations": 1,
		"UnusedRanges": 2,
		"Suballocations": [
			{"Offset": 0, "Type": "FREE", "Size": 100},
			{"Offset": 100, "Type": "USED", "Size": 300},
			{"Offset": 400, "Type": "FREE", "Size": 600}
		]
	}`, string(writer.Bytes()))
}

func TestDenseRandomOperations(t *testing.T) {
	for _, strategy := range []metadata.AllocationStrategy{
		0,
		metadata.AllocationStrategyMinTime,
		metadata.AllocationStrategyMinMemory,
	} {
		t.Run(strategy.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(1234))
			dense := metadata.NewDenseAllocator(64*1024, strategy)

			live := map[memutils.GpuPointer]int{}
			for i := 0; i < 2000; i++ {
				if len(live) > 0 && rng.Intn(3) == 0 {
					for ptr, size := range live {
						before := dense.Size()
						require.NoError(t, dense.Free(ptr))
						require.Equal(t, before-size, dense.Size())
						delete(live, ptr)
						break
					}
				} else {
					align := uint(1) << rng.Intn(13)
					size := 1 + rng.Intn(2048)
					ptr, err := dense.Allocate(align, size)
					if err != nil {
						var oom memutils.OutOfMemoryError
						require.True(t, errors.As(err, &oom))
						continue
					}

					require.Zero(t, ptr.Offset()%int(align))
					live[ptr] = size
				}

				require.NoError(t, dense.Validate())

				total := 0
				for _, size := range live {
					total += size
				}
				require.Equal(t, total, dense.Size())
			}

			allocs := liveAllocations(t, dense)
			require.True(t, sort.SliceIsSorted(allocs, func(i, j int) bool {
				return allocs[i].offset < allocs[j].offset
			}))
			for i := 1; i < len(allocs); i++ {
				require.LessOrEqual(t, allocs[i-1].offset+allocs[i-1].size, allocs[i].offset)
			}
			require.LessOrEqual(t, dense.Size(), dense.Capacity())
		})
	}
}
