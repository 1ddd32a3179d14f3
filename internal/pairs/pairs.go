// Package pairs decides which image pairs are matched.
package pairs

import (
	"fmt"
	"sort"

	"dimatch/internal/config"
)

// Reason records which strategy selected a pair.
type Reason string

const (
	ReasonBruteforce Reason = "bruteforce"
	ReasonSequential Reason = "sequential"
	ReasonLowres     Reason = "lowres-retrieval"
)

// Pair is an unordered pair of image ids, stored with A < B.
type Pair struct {
	A, B   int
	Reason Reason
	Score  float64 // similarity for lowres-retrieval pairs
}

// New returns the canonical form of the pair {i, j}.
func New(i, j int, reason Reason) Pair {
	if i > j {
		i, j = j, i
	}
	return Pair{A: i, B: j, Reason: reason}
}

// Key identifies the pair in stores and logs.
func (p Pair) Key() string {
	return fmt.Sprintf("%d-%d", p.A, p.B)
}

// Selection is the outcome of pair selection. Considered is the number of
// pairs bruteforce would have produced, so pruning is visible to callers.
type Selection struct {
	Strategy   config.Strategy
	Pairs      []Pair
	Considered int
}

// Pruned is the number of candidate pairs the strategy skipped.
func (s Selection) Pruned() int {
	return s.Considered - len(s.Pairs)
}

func allPairs(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// Bruteforce returns every unordered pair of n images in (A, B) order.
func Bruteforce(n int) []Pair {
	out := make([]Pair, 0, allPairs(n))
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			out = append(out, Pair{A: i, B: j, Reason: ReasonBruteforce})
		}
	}
	return out
}

// Sequential pairs image i with images i+1 through i+overlap, clipped at n.
func Sequential(n, overlap int) ([]Pair, error) {
	if overlap < 1 {
		return nil, &config.Error{Field: "general.overlap", Value: fmt.Sprint(overlap), Reason: "sequential overlap must be at least 1"}
	}
	var out []Pair
	for i := 0; i < n; i++ {
		for j := i + 1; j <= i+overlap && j < n; j++ {
			out = append(out, Pair{A: i, B: j, Reason: ReasonSequential})
		}
	}
	return out, nil
}

// normalize drops self pairs and duplicates and sorts by (A, B). The first
// occurrence of a duplicate wins.
func normalize(in []Pair) []Pair {
	seen := make(map[[2]int]bool, len(in))
	out := make([]Pair, 0, len(in))
	for _, p := range in {
		p = canonical(p)
		if p.A == p.B || seen[[2]int{p.A, p.B}] {
			continue
		}
		seen[[2]int{p.A, p.B}] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

func canonical(p Pair) Pair {
	if p.A > p.B {
		p.A, p.B = p.B, p.A
	}
	return p
}
