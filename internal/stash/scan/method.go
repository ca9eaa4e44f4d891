package scan

// Method is how the scanner discovers mobile sources.
type Method uint8

const (
	MethodUnset Method = iota
	// MethodBounded asks the world for entities inside the range box.
	MethodBounded
	// MethodFullIteration walks the whole entity list.
	MethodFullIteration
)

func (m Method) String() string {
	switch m {
	case MethodBounded:
		return "bounded"
	case MethodFullIteration:
		return "full-iteration"
	default:
		return "unset"
	}
}

// CostModel holds the inputs of SelectMethod.
type CostModel struct {
	Range                   int
	AlwaysCheapRange        int
	PartitionSize           int
	EntityCount             int
	IterationCostMultiplier float64
}

// Estimate returns the relative cost of a bounded query and of full iteration.
func (c CostModel) Estimate() (bounded, full float64) {
	ps := c.PartitionSize
	if ps <= 0 {
		ps = 16
	}
	cells := float64(c.Range) / float64(ps)
	return cells * cells, float64(c.EntityCount) * c.IterationCostMultiplier
}

func SelectMethod(c CostModel) Method {
	if c.Range <= 0 {
		return MethodFullIteration
	}
	if c.Range <= c.AlwaysCheapRange {
		return MethodBounded
	}
	bounded, full := c.Estimate()
	if bounded <= full {
		return MethodBounded
	}
	return MethodFullIteration
}
