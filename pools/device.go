package pools

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mocks

// NativeMemory is a handle to a block of memory allocated by a Device. Pools never look inside it;
// it is handed back to the caller so resources can be bound to it.
type NativeMemory any

// MemoryType is one of the memory types a Device can allocate from
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// MemoryRequirements describes the memory a resource needs
type MemoryRequirements struct {
	// Size is the number of bytes required
	Size int
	// Alignment is the required alignment of the offset, in bytes. It must be zero or a power of two.
	Alignment uint
	// MemoryTypeBits is a bitmask of the memory types the resource can be bound to
	MemoryTypeBits MemoryTypeFlags
}

// Device is the source of native memory for the pools in this package.
type Device interface {
	// AllocateMemory allocates a block of size bytes from the memory type at memoryTypeIndex. When the
	// device has run out of memory, the returned error must satisfy errors.Is(err, ErrDeviceOutOfMemory)
	// so that callers can fall back to smaller blocks or other memory types.
	AllocateMemory(memoryTypeIndex int, size int) (NativeMemory, error)
	// FreeMemory releases a block returned by AllocateMemory
	FreeMemory(memoryTypeIndex int, size int, memory NativeMemory)
	// MemoryTypes lists the memory types the device supports, in index order
	MemoryTypes() []MemoryType
}
