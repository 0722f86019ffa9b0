package memutils

import (
	"fmt"

	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is returned by an allocator when it cannot place a request of RequestedSize bytes.
// Pools that route between several allocators catch this error and try elsewhere before surfacing it.
type OutOfMemoryError struct {
	RequestedSize int
}

func (e OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: could not allocate %d bytes", e.RequestedSize)
}

// UnknownPointerError is returned when a pointer is freed into an allocator or pool that never issued it
type UnknownPointerError struct {
	Pointer GpuPointer
}

func (e UnknownPointerError) Error() string {
	return fmt.Sprintf("unknown pointer %s: it was not issued by this pool", e.Pointer)
}
