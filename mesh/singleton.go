package mesh

// completeSingletons appends a single-member cluster for every entity that no
// candidate covers. Its volume is the entity's whole sphere.
func completeSingletons(entities []Entity, cands []candidate, radius float64) []candidate {
	covered := make(map[Point]struct{})
	for _, c := range cands {
		for _, m := range c.members {
			covered[m.Pos] = struct{}{}
		}
	}

	for _, e := range entities {
		if _, ok := covered[e.Pos]; ok {
			continue
		}
		cands = append(cands, candidate{
			members: []Entity{e},
			volume:  SphereVolume(e.Pos, radius),
		})
	}
	return cands
}
