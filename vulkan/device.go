package vulkan

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/pools"
	"golang.org/x/exp/slog"
)

// LogicalDevice is the part of core1_0.Device used to allocate memory. Any core1_0.Device satisfies it.
type LogicalDevice interface {
	AllocateMemory(allocationCallbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
	IsDeviceExtensionActive(extensionName string) bool
}

// PhysicalDevice is the part of core1_0.PhysicalDevice used to discover memory types and heaps
type PhysicalDevice interface {
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
}

// DefaultPriority is the ext_memory_priority value used when DeviceOptions.Priority is 0
const DefaultPriority float32 = 0.5

// DeviceOptions configures a Device
type DeviceOptions struct {
	// AllocationCallbacks is passed to every vkAllocateMemory and vkFreeMemory call
	AllocationCallbacks *driver.AllocationCallbacks
	// MemoryCallbacks, if not nil, is notified of every block allocation and free
	MemoryCallbacks MemoryCallbacks
	// HeapSizeLimits caps the number of bytes that can be allocated from each memory heap. If provided,
	// it must have one entry per heap. An entry of 0 means the heap is only limited by its size.
	HeapSizeLimits []int
	// Priority is the ext_memory_priority value applied to every block, if the extension is active
	Priority float32
	// AllocateNext is added to the end of the MemoryAllocateInfo chain for every block
	AllocateNext common.Options
}

// Device adapts a vkngwrapper device to pools.Device. It keeps per-heap budget counters, so one
// Device can back any number of pools from multiple goroutines.
type Device struct {
	logger *slog.Logger

	device              LogicalDevice
	allocationCallbacks *driver.AllocationCallbacks
	memoryCallbacks     MemoryCallbacks
	allocateNext        common.Options

	useMemoryPriority bool
	priority          float32

	memoryTypes []pools.MemoryType
	heapSizes   []int
	heapLimits  []int

	blockCount [common.MaxMemoryHeaps]int32
	blockBytes [common.MaxMemoryHeaps]int64
}

var (
	_ pools.Device   = &Device{}
	_ LogicalDevice  = core1_0.Device(nil)
	_ PhysicalDevice = core1_0.PhysicalDevice(nil)
)

// NewDevice reads the memory types and heaps of physicalDevice and creates a Device that allocates
// from device
func NewDevice(logger *slog.Logger, device LogicalDevice, physicalDevice PhysicalDevice, options DeviceOptions) (*Device, error) {
	memoryProperties := physicalDevice.MemoryProperties()
	if memoryProperties == nil {
		return nil, errors.New("physical device did not report memory properties")
	}

	heapCount := len(memoryProperties.MemoryHeaps)
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("physical device reports %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}
	if len(options.HeapSizeLimits) > 0 && len(options.HeapSizeLimits) != heapCount {
		return nil, errors.Newf("DeviceOptions.HeapSizeLimits has %d entries, but the physical device has %d memory heaps",
			len(options.HeapSizeLimits), heapCount)
	}

	priority := options.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 0 || priority > 1 {
		return nil, errors.Newf("memory priority must be between 0 and 1, but was %f", priority)
	}

	d := &Device{
		logger: logger,

		device:              device,
		allocationCallbacks: options.AllocationCallbacks,
		memoryCallbacks:     options.MemoryCallbacks,
		allocateNext:        options.AllocateNext,

		useMemoryPriority: device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		priority:          priority,

		heapSizes:  make([]int, heapCount),
		heapLimits: make([]int, heapCount),
	}

	for heapIndex, heap := range memoryProperties.MemoryHeaps {
		d.heapSizes[heapIndex] = heap.Size
		d.heapLimits[heapIndex] = heap.Size

		if len(options.HeapSizeLimits) > 0 && options.HeapSizeLimits[heapIndex] > 0 &&
			options.HeapSizeLimits[heapIndex] < heap.Size {
			d.heapLimits[heapIndex] = options.HeapSizeLimits[heapIndex]
		}
	}

	for memoryTypeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but the physical device has %d memory heaps",
				memoryTypeIndex, memoryType.HeapIndex, heapCount)
		}

		d.memoryTypes = append(d.memoryTypes, pools.MemoryType{
			PropertyFlags: pools.MemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		})
	}

	return d, nil
}

// MemoryTypes returns the memory types of the physical device
func (d *Device) MemoryTypes() []pools.MemoryType {
	return d.memoryTypes
}

func (d *Device) reserveHeapBytes(heapIndex, size int) error {
	for {
		current := atomic.LoadInt64(&d.blockBytes[heapIndex])
		target := current + int64(size)

		if target > int64(d.heapLimits[heapIndex]) {
			return errors.Mark(
				errors.Newf("allocating %d bytes would exceed the %d byte limit of heap %d", size, d.heapLimits[heapIndex], heapIndex),
				pools.ErrDeviceOutOfMemory,
			)
		}

		if atomic.CompareAndSwapInt64(&d.blockBytes[heapIndex], current, target) {
			break
		}
	}

	atomic.AddInt32(&d.blockCount[heapIndex], 1)
	return nil
}

func (d *Device) releaseHeapBytes(heapIndex, size int) {
	newBytes := atomic.AddInt64(&d.blockBytes[heapIndex], int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCount := atomic.AddInt32(&d.blockCount[heapIndex], -1)
	if newCount < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateMemory allocates a core1_0.DeviceMemory of size bytes from memoryTypeIndex. If the device
// is out of memory, or the allocation would exceed the heap's limit, the returned error is marked
// with pools.ErrDeviceOutOfMemory.
func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (pools.NativeMemory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryTypes) {
		return nil, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}

	heapIndex := d.memoryTypes[memoryTypeIndex].HeapIndex
	err := d.reserveHeapBytes(heapIndex, size)
	if err != nil {
		return nil, err
	}

	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.Next = d.allocateNext
	allocInfo.MemoryTypeIndex = memoryTypeIndex
	allocInfo.AllocationSize = size

	if d.useMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	memory, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocInfo)
	if err != nil {
		d.releaseHeapBytes(heapIndex, size)

		if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
			err = errors.Mark(err, pools.ErrDeviceOutOfMemory)
		}
		return nil, errors.Wrapf(err, "vkAllocateMemory failed with %s", res)
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "    vkAllocateMemory",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("heap", heapIndex),
		slog.Int("size", size),
	)

	if d.memoryCallbacks != nil {
		d.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	}

	return memory, nil
}

// FreeMemory frees a block allocated by AllocateMemory and returns its bytes to the heap budget
func (d *Device) FreeMemory(memoryTypeIndex int, size int, memory pools.NativeMemory) {
	deviceMemory, ok := memory.(core1_0.DeviceMemory)
	if !ok {
		panic(fmt.Sprintf("attempted to free native memory of type %T, which was not allocated by this device", memory))
	}

	if d.memoryCallbacks != nil {
		d.memoryCallbacks.Free(memoryTypeIndex, deviceMemory, size)
	}

	deviceMemory.Free(d.allocationCallbacks)

	heapIndex := d.memoryTypes[memoryTypeIndex].HeapIndex
	d.releaseHeapBytes(heapIndex, size)

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "    vkFreeMemory",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("heap", heapIndex),
		slog.Int("size", size),
	)
}

// HeapUsage returns the number of bytes currently allocated from a memory heap
func (d *Device) HeapUsage(heapIndex int) int {
	return int(atomic.LoadInt64(&d.blockBytes[heapIndex]))
}

// HeapBudgets returns the block statistics, usage and limit of every memory heap
func (d *Device) HeapBudgets() []Budget {
	budgets := make([]Budget, len(d.heapSizes))

	for heapIndex := range budgets {
		blockBytes := int(atomic.LoadInt64(&d.blockBytes[heapIndex]))

		budgets[heapIndex].Statistics.BlockCount = int(atomic.LoadInt32(&d.blockCount[heapIndex]))
		budgets[heapIndex].Statistics.BlockBytes = blockBytes
		budgets[heapIndex].Usage = blockBytes
		budgets[heapIndex].Budget = d.heapLimits[heapIndex]
	}

	return budgets
}

// Budget describes the memory allocated from a single heap
type Budget struct {
	Statistics memutils.Statistics
	// Usage is the number of bytes currently allocated from the heap
	Usage int
	// Budget is the number of bytes that may be allocated from the heap: its size, or the configured
	// limit if that is lower
	Budget int
}
