package pools

import "github.com/vkngwrapper/gpumem/memutils/metadata"

const (
	// DefaultPreferredBlockSize is the value that is used as MetaPoolOptions.PreferredBlockSize when
	// none is provided. It is equal to 256Mb.
	DefaultPreferredBlockSize int = 256 * 1024 * 1024

	// maxBlockSizeShift is the number of times a MetaPool will halve its preferred block size when
	// the device runs out of memory
	maxBlockSizeShift = 3
)

// PoolOptions contains optional settings when creating a LinearPool or BlockPool
type PoolOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy decides where a BlockPool places new allocations within its block. It is ignored by
	// LinearPool.
	Strategy metadata.AllocationStrategy
}

// MetaPoolOptions contains optional settings when creating a MetaPool
type MetaPoolOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy decides where new allocations are placed within each block
	Strategy metadata.AllocationStrategy
	// PreferredBlockSize is the size of the memory blocks the MetaPool allocates from the device. When
	// the device runs out of memory, smaller blocks are tried, down to an eighth of this size.
	// Requests larger than this size get a block of their own. If 0, DefaultPreferredBlockSize is used.
	PreferredBlockSize int
}
