// Package schedule orders plan steps so that every producer of an entity type
// runs before the steps that depend on that type.
package schedule

import (
	"sort"
	"strings"

	"seedflow/internal/config"
	"seedflow/internal/errs"
)

// Order returns steps in dependency order.
//
// Step A depends on step B when A.DependsOn names B's entity type; every
// producer of a type is connected to every consumer of it, including sibling
// producers of the consumer's own type. Only the edge from a step to itself
// is dropped. A dependency on a type no step produces is allowed (those ids
// are expected to be seeded already).
//
// The result is deterministic: when several steps are ready, the one
// declared first runs first. A cycle is a configuration error naming the
// steps on it.
func Order(steps []config.Step) ([]config.Step, error) {
	idx, err := Indices(steps)
	if err != nil {
		return nil, err
	}
	out := make([]config.Step, len(idx))
	for i, j := range idx {
		out[i] = steps[j]
	}
	return out, nil
}

// Indices is Order expressed as positions into steps.
func Indices(steps []config.Step) ([]int, error) {
	n := len(steps)
	if n == 0 {
		return nil, nil
	}
	out := edges(steps)

	indeg := make([]int, n)
	for _, next := range out {
		for _, j := range next {
			indeg[j]++
		}
	}

	var ready []int
	for i := range n {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]

		order = append(order, i)
		for _, j := range out[i] {
			indeg[j]--
			if indeg[j] == 0 {
				// Insert while keeping ready sorted.
				k := sort.SearchInts(ready, j)
				ready = append(ready, 0)
				copy(ready[k+1:], ready[k:])
				ready[k] = j
			}
		}
	}

	if len(order) != n {
		cycle := findCycle(out, indeg)
		names := make([]string, len(cycle))
		for i, j := range cycle {
			names[i] = describe(steps[j])
		}
		return nil, errs.Configf("dependency cycle: %s", strings.Join(names, " -> "))
	}
	return order, nil
}

// Unproduced lists, sorted, the entity types named in dependsOn that no step
// produces.
func Unproduced(steps []config.Step) []string {
	produced := map[string]bool{}
	for _, s := range steps {
		produced[s.EntityType] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range steps {
		for _, d := range s.DependsOn {
			if !produced[d] && !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// edges returns sorted, de-duplicated successor lists.
func edges(steps []config.Step) [][]int {
	producers := map[string][]int{}
	for i, s := range steps {
		producers[s.EntityType] = append(producers[s.EntityType], i)
	}

	out := make([][]int, len(steps))
	seen := map[[2]int]bool{}
	for c, s := range steps {
		for _, dep := range s.DependsOn {
			for _, p := range producers[dep] {
				if p == c || seen[[2]int{p, c}] {
					continue
				}
				seen[[2]int{p, c}] = true
				out[p] = append(out[p], c)
			}
		}
	}
	for i := range out {
		sort.Ints(out[i])
	}
	return out
}

// findCycle walks the nodes Kahn could not release and returns one cycle,
// closed (first node repeated at the end).
func findCycle(out [][]int, indeg []int) []int {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(out))
	var stack []int
	var cycle []int

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = grey
		stack = append(stack, i)
		for _, j := range out[i] {
			if indeg[j] == 0 {
				continue
			}
			switch color[j] {
			case grey:
				for k := len(stack) - 1; k >= 0; k-- {
					if stack[k] == j {
						cycle = append(append([]int{}, stack[k:]...), j)
						return true
					}
				}
			case white:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}

	for i := range out {
		if indeg[i] > 0 && color[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

func describe(s config.Step) string {
	if s.Name != "" && s.Name != s.EntityType {
		return s.Name + "(" + s.EntityType + ")"
	}
	return s.EntityType
}
