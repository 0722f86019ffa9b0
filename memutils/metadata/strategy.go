package metadata

// AllocationStrategy selects how a DenseAllocator chooses the free range for a new allocation. The
// zero value places allocations first-fit in address order.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free range that can hold the allocation, to
	// minimize fragmentation at the expense of always scanning every range
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime tries the range after the last allocation before scanning from the
	// start of the block. Blocks that grow monotonically never scan, but freed ranges near the start of
	// the block are only reused once the end of the block fills up.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the first free range in address order that can hold the
	// allocation. This is the default behavior.
	AllocationStrategyMinOffset

	AllocationStrategyMask = AllocationStrategyMinMemory | AllocationStrategyMinTime | AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
	AllocationStrategyMinOffset: "AllocationStrategyMinOffset",
}

func (s AllocationStrategy) String() string {
	if s == 0 {
		return "AllocationStrategyDefault"
	}
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

// placement reduces a strategy to the single behavior the dense allocator will use. When several
// flags are set, MinMemory wins over MinTime, which wins over MinOffset.
func (s AllocationStrategy) placement() AllocationStrategy {
	switch {
	case s&AllocationStrategyMinMemory != 0:
		return AllocationStrategyMinMemory
	case s&AllocationStrategyMinTime != 0:
		return AllocationStrategyMinTime
	default:
		return AllocationStrategyMinOffset
	}
}
