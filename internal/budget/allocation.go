// Package budget converts a session classification into per-pool token
// budgets and tracks consumption against them.
package budget

import (
	"fmt"
	"slices"
)

// Classification is the relationship of a session to prior knowledge.
type Classification string

const (
	Fit      Classification = "fit"
	Adjacent Classification = "adjacent"
	NetNew   Classification = "net_new"
	Quick    Classification = "quick"
)

// Pool is a named slice of the working budget.
type Pool string

const (
	PoolHistory   Pool = "history"
	PoolNotes     Pool = "notes"
	PoolReference Pool = "reference"
	PoolReasoning Pool = "reasoning"
)

// Pools lists every pool in display order.
var Pools = []Pool{PoolHistory, PoolNotes, PoolReference, PoolReasoning}

// Allocation is a percentage split across pools.
type Allocation map[Pool]int

// tables must each sum to 100. They are never mutated after init.
var tables = map[Classification]Allocation{
	Fit:      {PoolHistory: 40, PoolNotes: 20, PoolReference: 10, PoolReasoning: 30},
	Adjacent: {PoolHistory: 20, PoolNotes: 30, PoolReference: 20, PoolReasoning: 30},
	NetNew:   {PoolHistory: 5, PoolNotes: 15, PoolReference: 20, PoolReasoning: 60},
	Quick:    {PoolHistory: 0, PoolNotes: 5, PoolReference: 35, PoolReasoning: 60},
}

// Classifications lists the known classifications.
func Classifications() []Classification {
	return []Classification{Fit, Adjacent, NetNew, Quick}
}

// Valid reports whether c has an allocation table.
func (c Classification) Valid() bool {
	_, ok := tables[c]
	return ok
}

// Label is a human-readable name.
func (c Classification) Label() string {
	switch c {
	case Fit:
		return "Fit (continuation of prior work)"
	case Adjacent:
		return "Adjacent (related to prior work)"
	case NetNew:
		return "Net new (unrelated to prior work)"
	case Quick:
		return "Quick (minimal context)"
	}
	return string(c)
}

// Table returns a copy of the allocation table for c.
func Table(c Classification) (Allocation, error) {
	t, ok := tables[c]
	if !ok {
		return nil, fmt.Errorf("budget: no allocation table for classification %q", c)
	}
	out := make(Allocation, len(t))
	for p, pct := range t {
		out[p] = pct
	}
	return out, nil
}

// Sum is the total percentage of a.
func (a Allocation) Sum() int {
	total := 0
	for _, pct := range a {
		total += pct
	}
	return total
}

// Allocate splits working tokens across pools for c. Each share is
// rounded down, so the sum never exceeds working.
func Allocate(c Classification, working int) (map[Pool]int, error) {
	t, err := Table(c)
	if err != nil {
		return nil, err
	}
	if working < 0 {
		return nil, fmt.Errorf("budget: negative working budget %d", working)
	}
	out := make(map[Pool]int, len(t))
	for _, p := range Pools {
		out[p] = working * t[p] / 100
	}
	return out, nil
}

// ParsePool validates a pool name.
func ParsePool(s string) (Pool, error) {
	p := Pool(s)
	if !slices.Contains(Pools, p) {
		return "", fmt.Errorf("budget: unknown pool %q", s)
	}
	return p, nil
}
