package pools

import "github.com/vkngwrapper/core/v2/common"

// MemoryPropertyFlags describes the properties of a memory type. The values match the
// corresponding Vulkan flags so they can be converted directly.
type MemoryPropertyFlags int32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

// Contains returns true if every flag in other is also present in f
func (f MemoryPropertyFlags) Contains(other MemoryPropertyFlags) bool {
	return f&other == other
}

const (
	// MemoryPropertyDeviceLocal indicates memory that is most efficient for device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped for host access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host writes are visible to the device without explicit flushes
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates memory that is cached on the host
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory that is only backed on demand
	MemoryPropertyLazilyAllocated
	// MemoryPropertyProtected indicates memory that only the device and protected queue operations
	// can access
	MemoryPropertyProtected
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")
	MemoryPropertyProtected.Register("Protected")
}

// MemoryTypeFlags is a bitmask of memory type indices, where bit i set means memory type i is acceptable
type MemoryTypeFlags uint32

// Contains returns true if the memory type at memoryTypeIndex is in the mask
func (f MemoryTypeFlags) Contains(memoryTypeIndex int) bool {
	if memoryTypeIndex < 0 || memoryTypeIndex >= 32 {
		return false
	}
	return f&(1<<memoryTypeIndex) != 0
}

// AllMemoryTypes accepts any memory type
const AllMemoryTypes MemoryTypeFlags = ^MemoryTypeFlags(0)

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this pool will not be synchronized internally. The
	// consumer must guarantee the pool is used from only one goroutine at a time or is synchronized
	// by some other mechanism, but performance may improve because internal mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}
