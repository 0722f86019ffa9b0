package pools

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

func writeDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

func writeBlock(json *jwriter.ObjectState, block *MemoryBlock, allocator metadata.Allocator, detailed bool) {
	json.Name("MemoryType").Int(block.MemoryTypeIndex())
	json.Name("Properties").String(block.Properties().String())
	allocator.BlockJsonData(json, detailed)
}

func buildStatsString(writeBody func(json *jwriter.ObjectState)) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	writeBody(&obj)
	obj.End()

	return string(writer.Bytes())
}
