package vulkan

import "github.com/vkngwrapper/core/v2/core1_0"

//go:generate mockgen -source callbacks.go -destination ./mocks/callbacks.go -package mocks

// MemoryCallbacks is notified whenever a block of device memory is allocated or freed
type MemoryCallbacks interface {
	Allocate(memoryType int, memory core1_0.DeviceMemory, size int)
	Free(memoryType int, memory core1_0.DeviceMemory, size int)
}
