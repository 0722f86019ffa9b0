package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BlockMetadataBase is a simple struct that provides a few shared utilities for the allocator
// implementations in this package.
type BlockMetadataBase struct {
	capacity int
}

// NewBlockMetadata creates a new BlockMetadataBase for a block of capacity bytes
func NewBlockMetadata(capacity int) BlockMetadataBase {
	return BlockMetadataBase{
		capacity: capacity,
	}
}

// Capacity returns the size of the managed block in bytes
func (m *BlockMetadataBase) Capacity() int { return m.capacity }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Capacity())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
