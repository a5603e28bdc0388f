package domain

// Priorities use one ordinal scale, 1 (lowest) to 10 (top tier).
const (
	PriorityMin = 1
	PriorityMax = 10
)

// ClampPriority bounds p to the priority scale.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// FromCoarse maps a legacy 1-4 tier onto the 1-10 scale (1, 4, 7, 10).
func FromCoarse(tier int) int {
	if tier < 1 {
		tier = 1
	}
	if tier > 4 {
		tier = 4
	}
	return 1 + 3*(tier-1)
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
