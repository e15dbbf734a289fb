package mesh

import (
	"context"
	"sort"
)

// candidate is a cluster before IDs are assigned
type candidate struct {
	members []Entity
	volume  []Point
}

// buildClusters grows one candidate per entity, in input order. Each
// candidate starts from the entity's full sphere and admits neighbours
// nearest first until a neighbour is not linked to the seed or would leave
// no common volume. Candidates with a single member or a member set already
// in seen are dropped.
func buildClusters(ctx context.Context, entities []Entity, radius float64, seen keySet) ([]candidate, error) {
	var out []candidate

	neighbors := make([]int, 0, len(entities))
	dist := make([]int64, len(entities))

	for i, center := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		neighbors = neighbors[:0]
		for j, other := range entities {
			if j == i {
				continue
			}
			dist[j] = DistanceSq(center.Pos, other.Pos)
			neighbors = append(neighbors, j)
		}
		sort.SliceStable(neighbors, func(a, b int) bool {
			return dist[neighbors[a]] < dist[neighbors[b]]
		})

		// Nothing links to this seed, so it can only end up as a singleton.
		if len(neighbors) == 0 || !SpheresOverlap(center.Pos, entities[neighbors[0]].Pos, radius) {
			continue
		}

		members := []Entity{center}
		volume := SphereVolume(center.Pos, radius)

		for _, j := range neighbors {
			other := entities[j]
			if !SpheresOverlap(center.Pos, other.Pos, radius) {
				break
			}
			narrowed := IntersectVolume(other.Pos, volume, radius)
			if len(narrowed) == 0 {
				break
			}
			members = append(members, other)
			volume = narrowed
		}

		if len(members) <= 1 {
			continue
		}

		sortMembers(members)
		if !seen.add(canonicalKey(members)) {
			continue
		}
		out = append(out, candidate{members: members, volume: volume})
	}

	return out, nil
}

// sortMembers orders entities by position (x, then y, then z)
func sortMembers(members []Entity) {
	sort.Slice(members, func(a, b int) bool {
		return members[a].Pos.Less(members[b].Pos)
	})
}
