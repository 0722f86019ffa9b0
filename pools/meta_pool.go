package pools

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/pools/internal/utils"
	"golang.org/x/exp/slog"
)

type memoryTypePools struct {
	memoryTypeIndex int
	properties      MemoryPropertyFlags
	// pools is indexed by pool index. Slots emptied by Trim are nil until reused.
	pools []*BlockPool
}

func (t *memoryTypePools) freeSlot() int {
	for index, pool := range t.pools {
		if pool == nil {
			return index
		}
	}

	return len(t.pools)
}

func (t *memoryTypePools) setPool(index int, pool *BlockPool) {
	if index == len(t.pools) {
		t.pools = append(t.pools, pool)
		return
	}

	t.pools[index] = pool
}

func (t *memoryTypePools) trimTrailing() {
	end := len(t.pools)
	for end > 0 && t.pools[end-1] == nil {
		end--
	}
	t.pools = t.pools[:end]
}

// MetaPool is the top-level pool. It allocates memory blocks from the device on demand, keeps one
// BlockPool per block, and routes every request to a pool on a compatible memory type.
//
// Allocate first tries existing pools on every compatible memory type, starting with the types that
// are already in use, and then a new block on each compatible memory type. A new block is the
// preferred block size if the device can provide it, or else the largest of a half, a quarter or an
// eighth of that size that still fits the request. As a last resort, a block of exactly the
// requested size is tried. Only when every compatible memory type is exhausted is an
// OutOfMemoryError returned.
//
// Pointers returned by a MetaPool carry the memory type and pool index they were allocated from, so
// Free can find the pool again.
type MetaPool struct {
	logger *slog.Logger
	device Device
	mutex  utils.OptionalRWMutex

	preferredBlockSize int
	strategy           metadata.AllocationStrategy

	memoryTypes []MemoryType
	typePools   *swiss.Map[int, *memoryTypePools]
	// usedTypes lists memory types with pools in the order they were first used
	usedTypes []int
}

// NewMetaPool creates an empty MetaPool. No memory is allocated until the first Allocate call.
func NewMetaPool(logger *slog.Logger, device Device, options MetaPoolOptions) (*MetaPool, error) {
	memoryTypes := device.MemoryTypes()
	if len(memoryTypes) > memutils.MaxMemoryTypeIndex+1 {
		return nil, errors.Newf("device reports %d memory types, but at most %d are supported", len(memoryTypes), memutils.MaxMemoryTypeIndex+1)
	}

	preferredBlockSize := options.PreferredBlockSize
	if preferredBlockSize < 0 {
		return nil, errors.Newf("preferred block size must not be negative, but was %d", preferredBlockSize)
	}
	if preferredBlockSize == 0 {
		preferredBlockSize = DefaultPreferredBlockSize
	}

	return &MetaPool{
		logger: logger,
		device: device,
		mutex:  utils.OptionalRWMutex{UseMutex: options.Flags&CreateExternallySynchronized == 0},

		preferredBlockSize: preferredBlockSize,
		strategy:           options.Strategy,

		memoryTypes: memoryTypes,
		typePools:   swiss.NewMap[int, *memoryTypePools](uint32(len(memoryTypes))),
	}, nil
}

func (p *MetaPool) candidateTypes(requirements MemoryRequirements, properties MemoryPropertyFlags) []int {
	candidates := make([]int, 0, len(p.memoryTypes))

	compatible := func(memoryTypeIndex int) bool {
		return requirements.MemoryTypeBits.Contains(memoryTypeIndex) &&
			p.memoryTypes[memoryTypeIndex].PropertyFlags.Contains(properties)
	}

	for _, memoryTypeIndex := range p.usedTypes {
		if compatible(memoryTypeIndex) {
			candidates = append(candidates, memoryTypeIndex)
		}
	}

	for memoryTypeIndex := range p.memoryTypes {
		_, used := p.typePools.Get(memoryTypeIndex)
		if !used && compatible(memoryTypeIndex) {
			candidates = append(candidates, memoryTypeIndex)
		}
	}

	return candidates
}

// Allocate finds room for requirements.Size bytes on a memory type in requirements.MemoryTypeBits
// that supports every flag in properties, allocating new memory blocks as needed.
func (p *MetaPool) Allocate(requirements MemoryRequirements, properties MemoryPropertyFlags) (NativeMemory, memutils.GpuPointer, error) {
	p.logger.Debug("MetaPool::Allocate")

	err := validateRequirements(requirements)
	if err != nil {
		return nil, memutils.NullPointer, err
	}

	if requirements.Size == 0 {
		return nil, memutils.NullPointer, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	candidates := p.candidateTypes(requirements, properties)
	if len(candidates) == 0 {
		return nil, memutils.NullPointer, UnsupportedRequirementsError{
			MemoryTypeBits: requirements.MemoryTypeBits,
			Properties:     properties,
		}
	}

	for _, memoryTypeIndex := range candidates {
		memory, ptr, found, err := p.allocateFromExistingPools(memoryTypeIndex, requirements, properties)
		if err != nil {
			return nil, memutils.NullPointer, err
		}
		if found {
			return memory, ptr, nil
		}
	}

	var lastErr error
	for _, memoryTypeIndex := range candidates {
		memory, ptr, err := p.allocateFromNewPool(memoryTypeIndex, requirements, properties)
		if err == nil {
			return memory, ptr, nil
		}

		var oom OutOfMemoryError
		if errors.As(err, &oom) {
			continue
		}
		if !errors.Is(err, ErrDeviceOutOfMemory) {
			return nil, memutils.NullPointer, err
		}

		lastErr = err
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Memory type exhausted, trying next",
			slog.Int("memoryType", memoryTypeIndex),
		)
	}

	var oomErr error = OutOfMemoryError{RequestedSize: requirements.Size}
	if lastErr != nil {
		oomErr = errors.WithSecondaryError(oomErr, lastErr)
	}
	return nil, memutils.NullPointer, oomErr
}

func (p *MetaPool) allocateFromExistingPools(memoryTypeIndex int, requirements MemoryRequirements, properties MemoryPropertyFlags) (NativeMemory, memutils.GpuPointer, bool, error) {
	typePools, used := p.typePools.Get(memoryTypeIndex)
	if !used {
		return nil, memutils.NullPointer, false, nil
	}

	for poolIndex, pool := range typePools.pools {
		if pool == nil || pool.Capacity()-pool.Size() < requirements.Size {
			continue
		}

		memory, ptr, err := pool.Allocate(requirements, properties)
		if err != nil {
			var oom OutOfMemoryError
			if errors.As(err, &oom) {
				continue
			}
			return nil, memutils.NullPointer, false, err
		}

		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing pool",
			slog.Int("memoryType", memoryTypeIndex),
			slog.Int("pool.index", poolIndex),
		)

		memory, ptr, err = p.tagPointer(memory, ptr, memoryTypeIndex, poolIndex)
		return memory, ptr, err == nil, err
	}

	return nil, memutils.NullPointer, false, nil
}

func (p *MetaPool) allocateFromNewPool(memoryTypeIndex int, requirements MemoryRequirements, properties MemoryPropertyFlags) (NativeMemory, memutils.GpuPointer, error) {
	typePools, used := p.typePools.Get(memoryTypeIndex)
	if !used {
		typePools = &memoryTypePools{
			memoryTypeIndex: memoryTypeIndex,
			properties:      p.memoryTypes[memoryTypeIndex].PropertyFlags,
		}
	}

	poolIndex := typePools.freeSlot()
	if poolIndex > memutils.MaxPoolIndex {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "Memory type has no free pool slots",
			slog.Int("memoryType", memoryTypeIndex),
		)
		return nil, memutils.NullPointer, OutOfMemoryError{RequestedSize: requirements.Size}
	}

	block, err := p.createBlock(memoryTypeIndex, typePools.properties, requirements.Size)
	if err != nil {
		return nil, memutils.NullPointer, err
	}

	pool := NewBlockPool(p.logger, block, PoolOptions{
		Flags:    CreateExternallySynchronized,
		Strategy: p.strategy,
	})
	memory, ptr, err := pool.Allocate(requirements, properties)
	if err != nil {
		destroyErr := pool.Destroy()
		return nil, memutils.NullPointer, errors.CombineErrors(err, destroyErr)
	}

	if !used {
		p.typePools.Put(memoryTypeIndex, typePools)
		p.usedTypes = append(p.usedTypes, memoryTypeIndex)
	}
	typePools.setPool(poolIndex, pool)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new pool",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("pool.index", poolIndex),
		slog.Int("pool.size", block.Size()),
	)
	return p.tagPointer(memory, ptr, memoryTypeIndex, poolIndex)
}

func (p *MetaPool) createBlock(memoryTypeIndex int, properties MemoryPropertyFlags, requestedSize int) (*MemoryBlock, error) {
	var lastErr error
	lastTried := 0

	for shift := 0; shift <= maxBlockSizeShift; shift++ {
		blockSize := p.preferredBlockSize >> shift
		if blockSize < requestedSize {
			break
		}

		block, err := allocateMemoryBlockOnType(p.logger, p.device, memoryTypeIndex, properties, blockSize)
		if err == nil {
			return block, nil
		}
		if !errors.Is(err, ErrDeviceOutOfMemory) {
			return nil, err
		}

		lastErr = err
		lastTried = blockSize
	}

	if lastTried == requestedSize {
		return nil, lastErr
	}

	return allocateMemoryBlockOnType(p.logger, p.device, memoryTypeIndex, properties, requestedSize)
}

func (p *MetaPool) tagPointer(memory NativeMemory, ptr memutils.GpuPointer, memoryTypeIndex, poolIndex int) (NativeMemory, memutils.GpuPointer, error) {
	tagged, err := ptr.WithLocation(memoryTypeIndex, poolIndex)
	if err != nil {
		return nil, memutils.NullPointer, err
	}

	return memory, tagged, nil
}

func (p *MetaPool) poolFor(ptr memutils.GpuPointer) *BlockPool {
	typePools, ok := p.typePools.Get(ptr.MemoryTypeIndex())
	if !ok || ptr.PoolIndex() >= len(typePools.pools) {
		return nil
	}

	return typePools.pools[ptr.PoolIndex()]
}

// Free releases an allocation made by this pool. The memory type and pool index encoded in ptr select
// the pool to free from. If ptr was not issued by this pool, an UnknownPointerError is returned.
func (p *MetaPool) Free(ptr memutils.GpuPointer) error {
	p.logger.Debug("MetaPool::Free")

	if ptr.IsNull() {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	pool := p.poolFor(ptr)
	if pool == nil {
		return UnknownPointerError{Pointer: ptr}
	}

	return pool.Free(ptr)
}

func (p *MetaPool) visitPools(visit func(typePools *memoryTypePools, poolIndex int, pool *BlockPool)) {
	for _, memoryTypeIndex := range p.usedTypes {
		typePools, _ := p.typePools.Get(memoryTypeIndex)
		for poolIndex, pool := range typePools.pools {
			if pool != nil {
				visit(typePools, poolIndex, pool)
			}
		}
	}
}

// Reset frees every allocation in every pool. Memory blocks are kept; use Trim to release them.
func (p *MetaPool) Reset() {
	p.logger.Debug("MetaPool::Reset")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.visitPools(func(_ *memoryTypePools, _ int, pool *BlockPool) {
		pool.Reset()
	})
}

// Trim returns the memory blocks of all pools without live allocations to the device. The indices
// of the remaining pools do not change, so their pointers stay valid.
func (p *MetaPool) Trim() error {
	p.logger.Debug("MetaPool::Trim")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	p.visitPools(func(typePools *memoryTypePools, poolIndex int, pool *BlockPool) {
		if !pool.IsEmpty() {
			return
		}

		destroyErr := pool.Destroy()
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
			return
		}

		typePools.pools[poolIndex] = nil
	})

	for _, memoryTypeIndex := range p.usedTypes {
		typePools, _ := p.typePools.Get(memoryTypeIndex)
		typePools.trimTrailing()
	}

	return err
}

// Destroy returns every memory block to the device. Pools that still have live allocations are
// logged and kept, and an error is returned.
func (p *MetaPool) Destroy() error {
	p.logger.Debug("MetaPool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	p.visitPools(func(typePools *memoryTypePools, poolIndex int, pool *BlockPool) {
		destroyErr := pool.Destroy()
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
			return
		}

		typePools.pools[poolIndex] = nil
	})

	for _, memoryTypeIndex := range p.usedTypes {
		typePools, _ := p.typePools.Get(memoryTypeIndex)
		typePools.trimTrailing()
	}

	return err
}

// Size returns the sum of the sizes of all live allocations in all pools
func (p *MetaPool) Size() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	size := 0
	p.visitPools(func(_ *memoryTypePools, _ int, pool *BlockPool) {
		size += pool.Size()
	})
	return size
}

// Capacity returns the total size of all memory blocks currently held
func (p *MetaPool) Capacity() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	capacity := 0
	p.visitPools(func(_ *memoryTypePools, _ int, pool *BlockPool) {
		capacity += pool.Capacity()
	})
	return capacity
}

// PoolCount returns the number of pools currently held for a memory type
func (p *MetaPool) PoolCount(memoryTypeIndex int) int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	typePools, ok := p.typePools.Get(memoryTypeIndex)
	if !ok {
		return 0
	}

	count := 0
	for _, pool := range typePools.pools {
		if pool != nil {
			count++
		}
	}
	return count
}

// AddStatistics sums the statistics of every pool into stats
func (p *MetaPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	p.visitPools(func(_ *memoryTypePools, _ int, pool *BlockPool) {
		pool.AddStatistics(stats)
	})
}

// AddDetailedStatistics sums the detailed statistics of every pool into stats
func (p *MetaPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	p.visitPools(func(_ *memoryTypePools, _ int, pool *BlockPool) {
		pool.AddDetailedStatistics(stats)
	})
}

// BuildStatsString returns a json document describing every memory type and pool. If detailed is
// true, every allocation and free range is listed.
func (p *MetaPool) BuildStatsString(detailed bool) string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return buildStatsString(func(json *jwriter.ObjectState) {
		var total memutils.DetailedStatistics
		total.Clear()
		p.visitPools(func(_ *memoryTypePools, _ int, pool *BlockPool) {
			pool.AddDetailedStatistics(&total)
		})

		totalObj := json.Name("Total").Object()
		writeDetailedStatistics(&totalObj, &total)
		totalObj.End()

		typesObj := json.Name("MemoryTypes").Object()
		defer typesObj.End()

		for _, memoryTypeIndex := range p.usedTypes {
			typePools, _ := p.typePools.Get(memoryTypeIndex)

			typeObj := typesObj.Name(strconv.Itoa(memoryTypeIndex)).Object()
			typeObj.Name("Properties").String(typePools.properties.String())

			var typeStats memutils.DetailedStatistics
			typeStats.Clear()
			for _, pool := range typePools.pools {
				if pool != nil {
					pool.AddDetailedStatistics(&typeStats)
				}
			}

			statsObj := typeObj.Name("Stats").Object()
			writeDetailedStatistics(&statsObj, &typeStats)
			statsObj.End()

			blocksObj := typeObj.Name("Blocks").Object()
			for poolIndex, pool := range typePools.pools {
				if pool == nil {
					continue
				}

				blockObj := blocksObj.Name(strconv.Itoa(poolIndex)).Object()
				pool.blockJsonData(&blockObj, detailed)
				blockObj.End()
			}
			blocksObj.End()

			typeObj.End()
		}
	})
}
