package pools

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// MemoryBlock is a single contiguous allocation of native memory from one memory type. It does no
// sub-allocation of its own; it is owned by exactly one pool, which carves it up.
type MemoryBlock struct {
	logger *slog.Logger
	device Device

	memory          NativeMemory
	memoryTypeIndex int
	properties      MemoryPropertyFlags
	size            int
	destroyed       bool
}

// AllocateMemoryBlock allocates a block of requirements.Size bytes from the first memory type that is
// in requirements.MemoryTypeBits and supports all of properties. If the device is out of memory on one
// matching type, the next is tried.
//
// If no memory type matches, an UnsupportedRequirementsError is returned. If every matching type is
// out of memory, the NativeAllocationError from the last one is returned.
func AllocateMemoryBlock(logger *slog.Logger, device Device, requirements MemoryRequirements, properties MemoryPropertyFlags) (*MemoryBlock, error) {
	if requirements.Size <= 0 {
		return nil, errors.Newf("cannot allocate a memory block of %d bytes", requirements.Size)
	}

	var lastErr error
	for memoryTypeIndex, memoryType := range device.MemoryTypes() {
		if !requirements.MemoryTypeBits.Contains(memoryTypeIndex) || !memoryType.PropertyFlags.Contains(properties) {
			continue
		}

		block, err := allocateMemoryBlockOnType(logger, device, memoryTypeIndex, memoryType.PropertyFlags, requirements.Size)
		if err == nil {
			return block, nil
		}

		if !errors.Is(err, ErrDeviceOutOfMemory) {
			return nil, err
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, UnsupportedRequirementsError{
		MemoryTypeBits: requirements.MemoryTypeBits,
		Properties:     properties,
	}
}

func allocateMemoryBlockOnType(logger *slog.Logger, device Device, memoryTypeIndex int, properties MemoryPropertyFlags, size int) (*MemoryBlock, error) {
	memory, err := device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "    Device refused memory block",
			slog.Int("memoryType", memoryTypeIndex),
			slog.Int("size", size),
			slog.String("error", err.Error()),
		)
		return nil, NativeAllocationError{
			MemoryTypeIndex: memoryTypeIndex,
			Size:            size,
			Err:             err,
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated memory block",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("size", size),
	)

	return &MemoryBlock{
		logger:          logger,
		device:          device,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		properties:      properties,
		size:            size,
	}, nil
}

// Memory returns the native memory handle backing this block
func (b *MemoryBlock) Memory() NativeMemory { return b.memory }

// MemoryTypeIndex returns the index of the memory type this block was allocated from
func (b *MemoryBlock) MemoryTypeIndex() int { return b.memoryTypeIndex }

// Properties returns the property flags of this block's memory type
func (b *MemoryBlock) Properties() MemoryPropertyFlags { return b.properties }

// Size returns the size of this block in bytes
func (b *MemoryBlock) Size() int { return b.size }

// Accepts returns true if a request with the provided memory type mask and properties can be served
// from this block
func (b *MemoryBlock) Accepts(memoryTypeBits MemoryTypeFlags, properties MemoryPropertyFlags) bool {
	return memoryTypeBits.Contains(b.memoryTypeIndex) && b.properties.Contains(properties)
}

// Destroy returns the native memory to the device. It can only be called once; later calls return
// ErrBlockDestroyed.
func (b *MemoryBlock) Destroy() error {
	if b.destroyed {
		return errors.WithStack(ErrBlockDestroyed)
	}

	b.device.FreeMemory(b.memoryTypeIndex, b.size, b.memory)
	b.destroyed = true
	b.memory = nil

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed memory block",
		slog.Int("memoryType", b.memoryTypeIndex),
		slog.Int("size", b.size),
	)

	return nil
}
