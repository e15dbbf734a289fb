package mesh

import "sort"

// sortClusters returns the clusters ordered per opts. The input slice and its
// clusters are left untouched; proximity mode returns re-sorted copies of
// each cluster's members and volume.
func sortClusters(clusters []Cluster, opts Options) []Cluster {
	out := make([]Cluster, len(clusters))
	copy(out, clusters)

	switch opts.SortMode {
	case SortSize:
		sort.SliceStable(out, func(a, b int) bool {
			if opts.Descending {
				return out[a].Size() > out[b].Size()
			}
			return out[a].Size() < out[b].Size()
		})

	case SortProximity:
		ref := opts.Reference
		for i := range out {
			out[i] = byProximity(out[i], ref)
		}
		sort.SliceStable(out, func(a, b int) bool {
			da := DistanceSq(ref, out[a].Members[0].Pos)
			db := DistanceSq(ref, out[b].Members[0].Pos)
			if opts.Descending {
				return da > db
			}
			return da < db
		})
	}

	return out
}

// byProximity copies c with members and volume ordered nearest to ref first
func byProximity(c Cluster, ref Point) Cluster {
	members := make([]Entity, len(c.Members))
	copy(members, c.Members)
	sort.SliceStable(members, func(a, b int) bool {
		return DistanceSq(ref, members[a].Pos) < DistanceSq(ref, members[b].Pos)
	})

	volume := make([]Point, len(c.Volume))
	copy(volume, c.Volume)
	sort.SliceStable(volume, func(a, b int) bool {
		return DistanceSq(ref, volume[a]) < DistanceSq(ref, volume[b])
	})

	return Cluster{ID: c.ID, Members: members, Volume: volume}
}
