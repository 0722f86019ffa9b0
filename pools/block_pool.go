package pools

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/pools/internal/utils"
	"golang.org/x/exp/slog"
)

// BlockPool is a general-purpose pool over a single memory block that can free individual
// allocations. Freed ranges are reused by later allocations; see metadata.DenseAllocator.
type BlockPool struct {
	logger *slog.Logger
	mutex  utils.OptionalRWMutex

	block     *MemoryBlock
	allocator metadata.Allocator
}

// NewBlockPool creates a BlockPool that takes ownership of block
func NewBlockPool(logger *slog.Logger, block *MemoryBlock, options PoolOptions) *BlockPool {
	return &BlockPool{
		logger:    logger,
		mutex:     utils.OptionalRWMutex{UseMutex: options.Flags&CreateExternallySynchronized == 0},
		block:     block,
		allocator: metadata.NewAllocator(metadata.AllocatorKindDense, block.Size(), options.Strategy),
	}
}

// CreateBlockPool allocates a new memory block of requirements.Size bytes from device and creates a
// BlockPool over it
func CreateBlockPool(logger *slog.Logger, device Device, requirements MemoryRequirements, properties MemoryPropertyFlags, options PoolOptions) (*BlockPool, error) {
	block, err := AllocateMemoryBlock(logger, device, requirements, properties)
	if err != nil {
		return nil, err
	}

	return NewBlockPool(logger, block, options), nil
}

// Allocate finds room in the pool's block for requirements.Size bytes. If there is no free range
// large enough, an OutOfMemoryError is returned. If the block's memory type is not in
// requirements.MemoryTypeBits or lacks any of properties, ErrIncompatibleMemory is returned.
func (p *BlockPool) Allocate(requirements MemoryRequirements, properties MemoryPropertyFlags) (NativeMemory, memutils.GpuPointer, error) {
	p.logger.Debug("BlockPool::Allocate")

	err := validateRequirements(requirements)
	if err != nil {
		return nil, memutils.NullPointer, err
	}

	if requirements.Size == 0 {
		return nil, memutils.NullPointer, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.allocateLocked(requirements, properties)
}

func (p *BlockPool) allocateLocked(requirements MemoryRequirements, properties MemoryPropertyFlags) (NativeMemory, memutils.GpuPointer, error) {
	if p.block == nil {
		return nil, memutils.NullPointer, errors.WithStack(ErrBlockDestroyed)
	}

	if !p.block.Accepts(requirements.MemoryTypeBits, properties) {
		return nil, memutils.NullPointer, errors.Wrapf(ErrIncompatibleMemory,
			"block pool holds memory type %d (%s), but request accepts types 0x%x with properties %s",
			p.block.MemoryTypeIndex(), p.block.Properties(), uint32(requirements.MemoryTypeBits), properties)
	}

	ptr, err := p.allocator.Allocate(requirements.Alignment, requirements.Size)
	if err != nil {
		return nil, memutils.NullPointer, err
	}

	return p.block.Memory(), ptr, nil
}

// Free releases an allocation made by this pool. Memory type and pool index bits in ptr are
// ignored. If ptr does not point at the start of a live allocation, an UnknownPointerError is returned.
func (p *BlockPool) Free(ptr memutils.GpuPointer) error {
	if ptr.IsNull() {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block == nil {
		return UnknownPointerError{Pointer: ptr}
	}

	err := p.allocator.Free(ptr.Agnostic())
	var unknown UnknownPointerError
	if errors.As(err, &unknown) {
		return UnknownPointerError{Pointer: ptr}
	}
	return err
}

// Reset frees every allocation in the pool at once. The memory block is kept.
func (p *BlockPool) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block != nil {
		p.allocator.Reset()
	}
}

// Size returns the sum of the sizes of all live allocations
func (p *BlockPool) Size() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block == nil {
		return 0
	}
	return p.allocator.Size()
}

// Capacity returns the size of the pool's memory block, or 0 after Destroy
func (p *BlockPool) Capacity() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block == nil {
		return 0
	}
	return p.block.Size()
}

// MemoryTypeIndex returns the memory type of the pool's block
func (p *BlockPool) MemoryTypeIndex() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block == nil {
		return 0
	}
	return p.block.MemoryTypeIndex()
}

// IsEmpty returns true if the pool has no live allocations
func (p *BlockPool) IsEmpty() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.block == nil || p.allocator.IsEmpty()
}

// Validate performs internal consistency checks on the pool's allocator
func (p *BlockPool) Validate() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block == nil {
		return nil
	}
	return p.allocator.Validate()
}

// Destroy frees the pool's memory block. If allocations are still live, each is logged, nothing is
// freed, and an error is returned.
func (p *BlockPool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.block == nil {
		return errors.WithStack(ErrBlockDestroyed)
	}

	if !p.allocator.IsEmpty() {
		err := p.allocator.VisitAllocations(func(offset, size int) error {
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("memoryType", p.block.MemoryTypeIndex()),
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
			return nil
		})
		if err != nil {
			p.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("%d allocations were not freed before the destruction of this pool", p.allocator.AllocationCount())
	}

	err := p.block.Destroy()
	if err != nil {
		return err
	}

	p.block = nil
	p.allocator = metadata.Allocator{}
	return nil
}

// AddStatistics sums the pool's statistics into stats
func (p *BlockPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block != nil {
		p.allocator.AddStatistics(stats)
	}
}

// AddDetailedStatistics sums the pool's detailed statistics into stats
func (p *BlockPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block != nil {
		p.allocator.AddDetailedStatistics(stats)
	}
}

func (p *BlockPool) blockJsonData(json *jwriter.ObjectState, detailed bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.block != nil {
		writeBlock(json, p.block, p.allocator, detailed)
	}
}

// BuildStatsString returns a json document describing the pool. If detailed is true, every
// allocation and free range is listed.
func (p *BlockPool) BuildStatsString(detailed bool) string {
	var stats memutils.DetailedStatistics
	stats.Clear()
	p.AddDetailedStatistics(&stats)

	return buildStatsString(func(json *jwriter.ObjectState) {
		totalObj := json.Name("Total").Object()
		writeDetailedStatistics(&totalObj, &stats)
		totalObj.End()

		blockObj := json.Name("Block").Object()
		p.blockJsonData(&blockObj, detailed)
		blockObj.End()
	})
}
