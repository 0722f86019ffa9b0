package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
)

// AllocatorKind identifies the algorithm behind an Allocator
type AllocatorKind uint32

const (
	// AllocatorKindDense is a first-fit allocator that can free individual allocations. See DenseAllocator.
	AllocatorKindDense AllocatorKind = iota
	// AllocatorKindLinear is a bump allocator that can only be reset as a whole. See LinearAllocator.
	AllocatorKindLinear
)

var allocatorKindMapping = map[AllocatorKind]string{
	AllocatorKindDense:  "Dense",
	AllocatorKindLinear: "Linear",
}

func (k AllocatorKind) String() string {
	return allocatorKindMapping[k]
}

// Allocator manages sub-allocations within a single block of memory with one of the algorithms
// in this package. It is a small value type that dispatches on its kind; the zero value is not usable.
type Allocator struct {
	kind   AllocatorKind
	linear *LinearAllocator
	dense  *DenseAllocator
}

// NewAllocator creates an Allocator of the requested kind managing capacity bytes. strategy is
// ignored by linear allocators.
func NewAllocator(kind AllocatorKind, capacity int, strategy AllocationStrategy) Allocator {
	switch kind {
	case AllocatorKindLinear:
		return Allocator{kind: kind, linear: NewLinearAllocator(capacity)}
	case AllocatorKindDense:
		return Allocator{kind: kind, dense: NewDenseAllocator(capacity, strategy)}
	default:
		panic("unknown allocator kind")
	}
}

// Kind returns the algorithm behind this allocator
func (a Allocator) Kind() AllocatorKind { return a.kind }

// Allocate reserves size bytes aligned to align and returns their offset
func (a Allocator) Allocate(align uint, size int) (memutils.GpuPointer, error) {
	switch a.kind {
	case AllocatorKindLinear:
		return a.linear.Allocate(align, size)
	case AllocatorKindDense:
		return a.dense.Allocate(align, size)
	default:
		panic("unknown allocator kind")
	}
}

// Free releases an allocation. Linear allocators ignore frees.
func (a Allocator) Free(ptr memutils.GpuPointer) error {
	switch a.kind {
	case AllocatorKindLinear:
		return a.linear.Free(ptr)
	case AllocatorKindDense:
		return a.dense.Free(ptr)
	default:
		panic("unknown allocator kind")
	}
}

// Reset frees every allocation at once
func (a Allocator) Reset() {
	switch a.kind {
	case AllocatorKindLinear:
		a.linear.Reset()
	case AllocatorKindDense:
		a.dense.Reset()
	default:
		panic("unknown allocator kind")
	}
}

// Size returns the number of bytes currently allocated
func (a Allocator) Size() int {
	switch a.kind {
	case AllocatorKindLinear:
		return a.linear.Size()
	case AllocatorKindDense:
		return a.dense.Size()
	default:
		panic("unknown allocator kind")
	}
}

// Capacity returns the size of the managed block
func (a Allocator) Capacity() int {
	switch a.kind {
	case AllocatorKindLinear:
		return a.linear.Capacity()
	case AllocatorKindDense:
		return a.dense.Capacity()
	default:
		panic("unknown allocator kind")
	}
}

func (a Allocator) AllocationCount() int {
	switch a.kind {
	case AllocatorKindLinear:
		return a.linear.AllocationCount()
	case AllocatorKindDense:
		return a.dense.AllocationCount()
	default:
		panic("unknown allocator kind")
	}
}

func (a Allocator) IsEmpty() bool {
	return a.AllocationCount() == 0
}

func (a Allocator) Validate() error {
	switch a.kind {
	case AllocatorKindLinear:
		return a.linear.Validate()
	case AllocatorKindDense:
		return a.dense.Validate()
	default:
		panic("unknown allocator kind")
	}
}

// VisitAllocations calls visit once for each live allocation in address order. Linear allocators
// do not track individual allocations and report the allocated region as a single range.
func (a Allocator) VisitAllocations(visit func(offset, size int) error) error {
	switch a.kind {
	case AllocatorKindLinear:
		if a.linear.IsEmpty() {
			return nil
		}
		return visit(0, a.linear.Offset())
	case AllocatorKindDense:
		return a.dense.VisitAllocations(visit)
	default:
		panic("unknown allocator kind")
	}
}

func (a Allocator) AddStatistics(stats *memutils.Statistics) {
	switch a.kind {
	case AllocatorKindLinear:
		a.linear.AddStatistics(stats)
	case AllocatorKindDense:
		a.dense.AddStatistics(stats)
	default:
		panic("unknown allocator kind")
	}
}

func (a Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	switch a.kind {
	case AllocatorKindLinear:
		a.linear.AddDetailedStatistics(stats)
	case AllocatorKindDense:
		a.dense.AddDetailedStatistics(stats)
	default:
		panic("unknown allocator kind")
	}
}

// BlockJsonData populates a json object with information about this allocator. If detailed is
// true, dense allocators also list every allocation and free range.
func (a Allocator) BlockJsonData(json *jwriter.ObjectState, detailed bool) {
	json.Name("Kind").String(a.kind.String())

	switch a.kind {
	case AllocatorKindLinear:
		a.linear.BlockJsonData(json)
	case AllocatorKindDense:
		a.dense.BlockJsonData(json)
		if detailed {
			a.dense.SuballocationsJsonData(json)
		}
	default:
		panic("unknown allocator kind")
	}
}
