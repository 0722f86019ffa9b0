package pools

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/pools/internal/utils"
	"golang.org/x/exp/slog"
)

// LinearPool is a bump allocator over a single memory block, intended for transient data that is
// thrown away every frame. Allocations are O(1) and can only be reclaimed all at once with Reset.
//
// The block is allocated lazily by the first Allocate call, using that request's memory type bits
// and properties. Every later request must be compatible with the block that was chosen, or
// ErrIncompatibleMemory is returned. Release frees the block so that the pool can pick a new memory
// type on the next Allocate.
type LinearPool struct {
	logger *slog.Logger
	device Device
	mutex  utils.OptionalRWMutex

	capacity  int
	block     *MemoryBlock
	allocator metadata.Allocator
}

// NewLinearPool creates a LinearPool that will allocate a block of capacity bytes from device
func NewLinearPool(logger *slog.Logger, device Device, capacity int, options PoolOptions) (*LinearPool, error) {
	if capacity <= 0 {
		return nil, errors.Newf("linear pool capacity must be positive, but was %d", capacity)
	}

	return &LinearPool{
		logger:   logger,
		device:   device,
		mutex:    utils.OptionalRWMutex{UseMutex: options.Flags&CreateExternallySynchronized == 0},
		capacity: capacity,
	}, nil
}

// Allocate places requirements.Size bytes after the previous allocation. If the pool's block does not
// have enough space left, an OutOfMemoryError is returned.
func (p *LinearPool) Allocate(requirements MemoryRequirements, properties MemoryPropertyFlags) (NativeMemory, memutils.GpuPointer, error) {
	p.logger.Debug("LinearPool::Allocate")

	err := validateRequirements(requirements)
	if err != nil {
		return nil, memutils.NullPointer, err
	}

	if requirements.Size == 0 {
		return nil, memutils.NullPointer, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block == nil {
		block, err := AllocateMemoryBlock(p.logger, p.device, MemoryRequirements{
			Size:           p.capacity,
			Alignment:      requirements.Alignment,
			MemoryTypeBits: requirements.MemoryTypeBits,
		}, properties)
		if err != nil {
			return nil, memutils.NullPointer, err
		}

		p.block = block
		p.allocator = metadata.NewAllocator(metadata.AllocatorKindLinear, block.Size(), 0)
	} else if !p.block.Accepts(requirements.MemoryTypeBits, properties) {
		return nil, memutils.NullPointer, errors.Wrapf(ErrIncompatibleMemory,
			"linear pool holds memory type %d (%s), but request accepts types 0x%x with properties %s",
			p.block.MemoryTypeIndex(), p.block.Properties(), uint32(requirements.MemoryTypeBits), properties)
	}

	ptr, err := p.allocator.Allocate(requirements.Alignment, requirements.Size)
	if err != nil {
		return nil, memutils.NullPointer, err
	}

	return p.block.Memory(), ptr, nil
}

// Free does not reclaim anything: a linear pool can only be emptied with Reset. Calling Free is
// harmless but is logged, since it usually means the pool was chosen by mistake.
func (p *LinearPool) Free(ptr memutils.GpuPointer) error {
	if ptr.IsNull() {
		return nil
	}

	p.logger.Warn("LinearPool::Free has no effect; use Reset to reclaim memory", slog.String("pointer", ptr.String()))
	return nil
}

// Reset frees every allocation in the pool at once. The memory block is kept.
func (p *LinearPool) Reset() {
	p.logger.Debug("LinearPool::Reset")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block != nil {
		p.allocator.Reset()
	}
}

// Release frees the pool's memory block, invalidating every pointer issued by the pool. The next
// Allocate call will allocate a new block, possibly from a different memory type.
func (p *LinearPool) Release() error {
	p.logger.Debug("LinearPool::Release")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block == nil {
		return nil
	}

	err := p.block.Destroy()
	p.block = nil
	p.allocator = metadata.Allocator{}
	return err
}

// Size returns the number of bytes allocated since the last Reset
func (p *LinearPool) Size() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block == nil {
		return 0
	}
	return p.allocator.Size()
}

// Capacity returns the size of the pool's memory block, whether or not it has been allocated yet
func (p *LinearPool) Capacity() int {
	return p.capacity
}

// MemoryTypeIndex returns the memory type of the pool's block. The second return value is false
// if no block is allocated.
func (p *LinearPool) MemoryTypeIndex() (int, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block == nil {
		return 0, false
	}
	return p.block.MemoryTypeIndex(), true
}

// AddStatistics sums the pool's statistics into stats
func (p *LinearPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block != nil {
		p.allocator.AddStatistics(stats)
	}
}

// AddDetailedStatistics sums the pool's detailed statistics into stats
func (p *LinearPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block != nil {
		p.allocator.AddDetailedStatistics(stats)
	}
}

// BuildStatsString returns a json document describing the pool
func (p *LinearPool) BuildStatsString(detailed bool) string {
	var stats memutils.DetailedStatistics
	stats.Clear()
	p.AddDetailedStatistics(&stats)

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return buildStatsString(func(json *jwriter.ObjectState) {
		totalObj := json.Name("Total").Object()
		writeDetailedStatistics(&totalObj, &stats)
		totalObj.End()

		if p.block != nil {
			blockObj := json.Name("Block").Object()
			writeBlock(&blockObj, p.block, p.allocator, detailed)
			blockObj.End()
		}
	})
}
