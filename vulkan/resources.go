package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/pools"
)

// Buffer is the part of core1_0.Buffer needed to place a buffer in pooled memory
type Buffer interface {
	MemoryRequirements() *core1_0.MemoryRequirements
	BindBufferMemory(memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
}

// Image is the part of core1_0.Image needed to place an image in pooled memory
type Image interface {
	MemoryRequirements() *core1_0.MemoryRequirements
	BindImageMemory(memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
}

var (
	_ Buffer = core1_0.Buffer(nil)
	_ Image  = core1_0.Image(nil)
)

func convertRequirements(requirements *core1_0.MemoryRequirements) pools.MemoryRequirements {
	return pools.MemoryRequirements{
		Size:           requirements.Size,
		Alignment:      uint(requirements.Alignment),
		MemoryTypeBits: pools.MemoryTypeFlags(requirements.MemoryTypeBits),
	}
}

// BufferMemoryRequirements returns the size, alignment and acceptable memory types of buffer
func BufferMemoryRequirements(buffer Buffer) pools.MemoryRequirements {
	return convertRequirements(buffer.MemoryRequirements())
}

// ImageMemoryRequirements returns the size, alignment and acceptable memory types of image
func ImageMemoryRequirements(image Image) pools.MemoryRequirements {
	return convertRequirements(image.MemoryRequirements())
}

// Allocation is a range of pooled memory bound to a resource
type Allocation struct {
	Memory  core1_0.DeviceMemory
	Pointer memutils.GpuPointer
	Size    int
}

func allocateAndBind(pool pools.MemoryPool, requirements pools.MemoryRequirements, properties pools.MemoryPropertyFlags, bind func(memory core1_0.DeviceMemory, offset int) (common.VkResult, error)) (Allocation, common.VkResult, error) {
	if requirements.Size == 0 {
		return Allocation{}, core1_0.VKErrorUnknown, errors.New("cannot bind a resource with no memory requirements")
	}

	native, ptr, err := pool.Allocate(requirements, properties)
	if err != nil {
		var oom pools.OutOfMemoryError
		if errors.As(err, &oom) || errors.Is(err, pools.ErrDeviceOutOfMemory) {
			return Allocation{}, core1_0.VKErrorOutOfDeviceMemory, err
		}
		return Allocation{}, core1_0.VKErrorUnknown, err
	}

	memory, ok := native.(core1_0.DeviceMemory)
	if !ok {
		err = errors.Newf("pool returned native memory of type %T, which is not a core1_0.DeviceMemory", native)
		return Allocation{}, core1_0.VKErrorUnknown, errors.CombineErrors(err, pool.Free(ptr))
	}

	res, err := bind(memory, ptr.Offset())
	if err != nil {
		return Allocation{}, res, errors.CombineErrors(err, pool.Free(ptr))
	}

	return Allocation{
		Memory:  memory,
		Pointer: ptr,
		Size:    requirements.Size,
	}, res, nil
}

// AllocateForBuffer allocates memory for buffer from pool and binds the buffer to it. If binding
// fails, the allocation is freed.
func AllocateForBuffer(pool pools.MemoryPool, buffer Buffer, properties pools.MemoryPropertyFlags) (Allocation, common.VkResult, error) {
	return allocateAndBind(pool, BufferMemoryRequirements(buffer), properties, buffer.BindBufferMemory)
}

// AllocateForImage allocates memory for image from pool and binds the image to it. If binding
// fails, the allocation is freed.
func AllocateForImage(pool pools.MemoryPool, image Image, properties pools.MemoryPropertyFlags) (Allocation, common.VkResult, error) {
	return allocateAndBind(pool, ImageMemoryRequirements(image), properties, image.BindImageMemory)
}
