package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpumem/memutils"
)

const noBlock = -1

// usedBlock is a single live allocation. Blocks live in DenseAllocator.nodes and refer to their
// neighbors by index.
type usedBlock struct {
	offset int
	size   int
	prev   int
	next   int
}

// DenseAllocator is a general-purpose allocator over a block of capacity bytes which can free
// individual allocations. Live allocations are kept in a doubly-linked list sorted by offset, so
// free space is implicitly the gaps between neighbors. Allocation and free are O(n) in the number of
// live allocations in the worst case.
//
// The list nodes are stored in a single slice and linked by index. Slots vacated by Free are reused
// by later allocations, and Reset drops the whole list in O(1).
type DenseAllocator struct {
	BlockMetadataBase

	strategy AllocationStrategy

	nodes     []usedBlock
	freeSlots []int
	head      int
	tail      int

	used            int
	allocationCount int
}

var _ memutils.Validatable = &DenseAllocator{}

// NewDenseAllocator creates a DenseAllocator managing capacity bytes. strategy decides which free
// range new allocations are placed in; see AllocationStrategy.
func NewDenseAllocator(capacity int, strategy AllocationStrategy) *DenseAllocator {
	return &DenseAllocator{
		BlockMetadataBase: NewBlockMetadata(capacity),
		strategy:          strategy,
		head:              noBlock,
		tail:              noBlock,
	}
}

// Strategy returns the placement strategy this allocator was created with
func (a *DenseAllocator) Strategy() AllocationStrategy { return a.strategy }

// Allocate finds room for size bytes aligned to align and returns its offset. If no free range can
// hold the request, a memutils.OutOfMemoryError is returned. Zero-size requests always succeed and
// return memutils.NullPointer.
func (a *DenseAllocator) Allocate(align uint, size int) (memutils.GpuPointer, error) {
	if size == 0 {
		return memutils.NullPointer, nil
	}
	if size < 0 {
		return memutils.NullPointer, errors.Errorf("allocation size %d is negative", size)
	}
	memutils.DebugCheckPow2(align, "align")

	// Not enough free bytes in total, regardless of where they are
	if size > a.Capacity()-a.used {
		return memutils.NullPointer, memutils.OutOfMemoryError{RequestedSize: size}
	}

	var prev, offset int
	var found bool

	switch a.strategy.placement() {
	case AllocationStrategyMinTime:
		prev, offset, found = a.findAfterTail(align, size)
		if !found {
			prev, offset, found = a.findFirstFit(align, size)
		}
	case AllocationStrategyMinMemory:
		prev, offset, found = a.findBestFit(align, size)
	default:
		prev, offset, found = a.findFirstFit(align, size)
	}

	if !found {
		return memutils.NullPointer, memutils.OutOfMemoryError{RequestedSize: size}
	}

	a.insertAfter(prev, offset, size)
	a.used += size
	a.allocationCount++
	memutils.DebugValidate(a)

	return memutils.GpuPointer(offset), nil
}

// Free releases the allocation that starts at ptr's offset. Type and pool bits in ptr are ignored.
// Null pointers are ignored. If no allocation starts at the offset, a memutils.UnknownPointerError
// is returned.
func (a *DenseAllocator) Free(ptr memutils.GpuPointer) error {
	if ptr.IsNull() {
		return nil
	}

	offset := ptr.Offset()
	for index := a.head; index != noBlock; index = a.nodes[index].next {
		node := a.nodes[index]
		if node.offset == offset {
			a.unlink(index)
			memutils.DebugValidate(a)
			return nil
		}

		if node.offset > offset {
			break
		}
	}

	return memutils.UnknownPointerError{Pointer: ptr}
}

// Reset frees every allocation at once
func (a *DenseAllocator) Reset() {
	a.nodes = a.nodes[:0]
	a.freeSlots = a.freeSlots[:0]
	a.head = noBlock
	a.tail = noBlock
	a.used = 0
	a.allocationCount = 0
}

// Size returns the sum of the sizes of all live allocations
func (a *DenseAllocator) Size() int { return a.used }

// AllocationCount returns the number of live allocations
func (a *DenseAllocator) AllocationCount() int { return a.allocationCount }

// SumFreeSize returns the number of bytes not covered by a live allocation. Alignment may prevent
// an allocation of this size from succeeding.
func (a *DenseAllocator) SumFreeSize() int { return a.Capacity() - a.used }

// IsEmpty returns true if there are no live allocations
func (a *DenseAllocator) IsEmpty() bool { return a.allocationCount == 0 }

// VisitAllocations calls visit once for each live allocation in address order. If visit returns an
// error, iteration stops and the error is returned.
func (a *DenseAllocator) VisitAllocations(visit func(offset, size int) error) error {
	for index := a.head; index != noBlock; index = a.nodes[index].next {
		node := a.nodes[index]
		err := visit(node.offset, node.size)
		if err != nil {
			return err
		}
	}

	return nil
}

// visitGaps calls visit for each free range in address order, including the range before the first
// allocation and the range after the last. Ranges may be empty. prev is the index of the allocation
// before the range. Iteration stops when visit returns true.
func (a *DenseAllocator) visitGaps(visit func(prev, start, end int) bool) {
	prev := noBlock
	start := 0

	for index := a.head; index != noBlock; index = a.nodes[index].next {
		node := a.nodes[index]
		if visit(prev, start, node.offset) {
			return
		}

		prev = index
		start = node.offset + node.size
	}

	visit(prev, start, a.Capacity())
}

func fitsInRange(start, end int, align uint, size int) (int, bool) {
	offset, ok := memutils.TryAlignUp(start, align)
	return offset, ok && offset <= end && size <= end-offset
}

func (a *DenseAllocator) findAfterTail(align uint, size int) (prev int, offset int, found bool) {
	start := 0
	if a.tail != noBlock {
		start = a.nodes[a.tail].offset + a.nodes[a.tail].size
	}

	offset, found = fitsInRange(start, a.Capacity(), align, size)
	return a.tail, offset, found
}

func (a *DenseAllocator) findFirstFit(align uint, size int) (prev int, offset int, found bool) {
	a.visitGaps(func(gapPrev, start, end int) bool {
		gapOffset, fits := fitsInRange(start, end, align, size)
		if fits {
			prev, offset, found = gapPrev, gapOffset, true
		}
		return fits
	})

	return prev, offset, found
}

func (a *DenseAllocator) findBestFit(align uint, size int) (prev int, offset int, found bool) {
	bestSize := 0

	a.visitGaps(func(gapPrev, start, end int) bool {
		gapOffset, fits := fitsInRange(start, end, align, size)
		if fits && (!found || end-start < bestSize) {
			prev, offset, found = gapPrev, gapOffset, true
			bestSize = end - start
		}
		return false
	})

	return prev, offset, found
}

func (a *DenseAllocator) insertAfter(prev int, offset, size int) {
	next := a.head
	if prev != noBlock {
		next = a.nodes[prev].next
	}

	node := usedBlock{
		offset: offset,
		size:   size,
		prev:   prev,
		next:   next,
	}

	var index int
	if len(a.freeSlots) > 0 {
		index = a.freeSlots[len(a.freeSlots)-1]
		a.freeSlots = a.freeSlots[:len(a.freeSlots)-1]
		a.nodes[index] = node
	} else {
		index = len(a.nodes)
		a.nodes = append(a.nodes, node)
	}

	if prev == noBlock {
		a.head = index
	} else {
		a.nodes[prev].next = index
	}

	if next == noBlock {
		a.tail = index
	} else {
		a.nodes[next].prev = index
	}
}

func (a *DenseAllocator) unlink(index int) {
	node := a.nodes[index]

	if node.prev == noBlock {
		a.head = node.next
	} else {
		a.nodes[node.prev].next = node.next
	}

	if node.next == noBlock {
		a.tail = node.prev
	} else {
		a.nodes[node.next].prev = node.prev
	}

	a.nodes[index] = usedBlock{prev: noBlock, next: noBlock}
	a.freeSlots = append(a.freeSlots, index)
	a.used -= node.size
	a.allocationCount--
}

func (a *DenseAllocator) Validate() error {
	if (a.head == noBlock) != (a.tail == noBlock) {
		return errors.Errorf("head is %d but tail is %d", a.head, a.tail)
	}

	prev := noBlock
	prevEnd := 0
	visited := 0
	sum := 0

	for index := a.head; index != noBlock; index = a.nodes[index].next {
		if index < 0 || index >= len(a.nodes) {
			return errors.Errorf("block index %d is outside the node list (%d nodes)", index, len(a.nodes))
		}
		visited++
		if visited > len(a.nodes) {
			return errors.New("used block list contains a cycle")
		}

		node := a.nodes[index]
		if node.prev != prev {
			return errors.Errorf("block %d has prev %d but follows block %d", index, node.prev, prev)
		}
		if node.size <= 0 {
			return errors.Errorf("block %d has invalid size %d", index, node.size)
		}
		if node.offset < prevEnd {
			return errors.Errorf("block %d at offset %d overlaps the previous block, which ends at %d", index, node.offset, prevEnd)
		}
		if node.offset+node.size > a.Capacity() {
			return errors.Errorf("block %d ends at %d, past the end of the block (%d)", index, node.offset+node.size, a.Capacity())
		}

		sum += node.size
		prevEnd = node.offset + node.size
		prev = index
	}

	if prev != a.tail {
		return errors.Errorf("list ends at block %d but tail is %d", prev, a.tail)
	}
	if visited != a.allocationCount {
		return errors.Errorf("list holds %d blocks but allocation count is %d", visited, a.allocationCount)
	}
	if visited+len(a.freeSlots) != len(a.nodes) {
		return errors.Errorf("%d live blocks and %d free slots do not account for %d nodes", visited, len(a.freeSlots), len(a.nodes))
	}
	if sum != a.used {
		return errors.Errorf("live blocks sum to %d bytes but used size is %d", sum, a.used)
	}

	return nil
}

func (a *DenseAllocator) unusedRangeCount() int {
	count := 0
	a.visitGaps(func(prev, start, end int) bool {
		if end > start {
			count++
		}
		return false
	})
	return count
}

// AddStatistics sums this allocator's statistics into stats
func (a *DenseAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.AddBlock(a.Capacity())
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.used
}

// AddDetailedStatistics sums this allocator's statistics, including every allocation and free range,
// into stats
func (a *DenseAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(a.Capacity())

	a.visitGaps(func(prev, start, end int) bool {
		if end > start {
			stats.AddUnusedRange(end - start)
		}
		return false
	})

	_ = a.VisitAllocations(func(offset, size int) error {
		stats.AddAllocation(size)
		return nil
	})
}

// BlockJsonData populates a json object with information about this allocator
func (a *DenseAllocator) BlockJsonData(json *jwriter.ObjectState) {
	a.BlockMetadataBase.BlockJsonData(json, a.SumFreeSize(), a.allocationCount, a.unusedRangeCount())
}

// SuballocationsJsonData writes every allocation and free range to a "Suballocations" array
func (a *DenseAllocator) SuballocationsJsonData(json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	a.visitGaps(func(prev, start, end int) bool {
		if prev != noBlock {
			node := a.nodes[prev]
			writeSuballocation(&arrayState, node.offset, node.size, "USED")
		}
		if end > start {
			writeSuballocation(&arrayState, start, end-start, "FREE")
		}
		return false
	})
}

func writeSuballocation(arrayState *jwriter.ArrayState, offset, size int, suballocationType string) {
	obj := arrayState.Object()
	defer obj.End()

	obj.Name("Offset").Int(offset)
	obj.Name("Type").String(suballocationType)
	obj.Name("Size").Int(size)
}
