package mesh

import "sort"

// filterSubsets orders candidates by member count, largest first, and drops
// every candidate whose members are all contained in a strictly larger kept
// candidate.
func filterSubsets(cands []candidate) []candidate {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(a, b int) bool {
		return len(sorted[a].members) > len(sorted[b].members)
	})

	var kept []candidate
	var keptSets []map[Point]struct{}

	for _, c := range sorted {
		redundant := false
		for i, k := range kept {
			if len(k.members) > len(c.members) && containsAll(keptSets[i], c.members) {
				redundant = true
				break
			}
		}
		if redundant {
			continue
		}

		set := make(map[Point]struct{}, len(c.members))
		for _, m := range c.members {
			set[m.Pos] = struct{}{}
		}
		kept = append(kept, c)
		keptSets = append(keptSets, set)
	}
	return kept
}

func containsAll(set map[Point]struct{}, members []Entity) bool {
	for _, m := range members {
		if _, ok := set[m.Pos]; !ok {
			return false
		}
	}
	return true
}
