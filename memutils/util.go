package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint64
}

// CheckPow2 returns a wrapped PowerOfTwoError if number is not zero or a power of two
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// TryAlignUp rounds value up to alignment like AlignUp, but reports false instead of wrapping when
// the alignment or the rounded value does not fit in an int
func TryAlignUp(value int, alignment uint) (int, bool) {
	if alignment == 0 {
		return value, true
	}
	if alignment > math.MaxInt/2+1 || value > math.MaxInt-int(alignment)+1 {
		return 0, false
	}
	return AlignUp(value, alignment), true
}

func AlignDown(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return value & int(^(alignment - 1))
}
