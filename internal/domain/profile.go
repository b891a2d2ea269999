package domain

import (
	"sort"
	"time"
)

// DimensionProfile is the distribution of stored vectors by dimensionality.
type DimensionProfile struct {
	Counts     map[int]int
	LastWrite  map[int]time.Time
	ComputedAt time.Time
}

func NewDimensionProfile() DimensionProfile {
	return DimensionProfile{
		Counts:    make(map[int]int),
		LastWrite: make(map[int]time.Time),
	}
}

func (p DimensionProfile) Total() int {
	total := 0
	for _, n := range p.Counts {
		total += n
	}
	return total
}

func (p DimensionProfile) Empty() bool {
	return p.Total() == 0
}

// Dimensions returns the populated dimensionalities in ascending order.
func (p DimensionProfile) Dimensions() []int {
	dims := make([]int, 0, len(p.Counts))
	for d, n := range p.Counts {
		if n > 0 {
			dims = append(dims, d)
		}
	}
	sort.Ints(dims)
	return dims
}

// Leaders returns every dimensionality holding the maximum count.
func (p DimensionProfile) Leaders() []int {
	best := 0
	var leaders []int
	for _, d := range p.Dimensions() {
		n := p.Counts[d]
		switch {
		case n > best:
			best = n
			leaders = []int{d}
		case n == best:
			leaders = append(leaders, d)
		}
	}
	return leaders
}

// Clone returns a deep copy safe to hand to callers.
func (p DimensionProfile) Clone() DimensionProfile {
	out := DimensionProfile{
		Counts:     make(map[int]int, len(p.Counts)),
		LastWrite:  make(map[int]time.Time, len(p.LastWrite)),
		ComputedAt: p.ComputedAt,
	}
	for d, n := range p.Counts {
		out.Counts[d] = n
	}
	for d, t := range p.LastWrite {
		out.LastWrite[d] = t
	}
	return out
}
