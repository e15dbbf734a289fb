package mesh

import "encoding/json"

// Result is the output of one clustering run. Cluster IDs index into this
// result only and must not be kept across runs; use Cluster.Key to match
// clusters between runs.
type Result struct {
	Clusters    []Cluster `json:"clusters"`
	Options     Options   `json:"options"`
	EntityCount int       `json:"entityCount"`

	byID  map[int]int
	byPos map[Point][]int
}

// NewResult wraps clusters and builds the lookup indexes
func NewResult(clusters []Cluster, opts Options, entityCount int) *Result {
	if clusters == nil {
		clusters = make([]Cluster, 0)
	}
	r := &Result{
		Clusters:    clusters,
		Options:     opts,
		EntityCount: entityCount,
	}
	r.reindex()
	return r
}

func (r *Result) reindex() {
	r.byID = make(map[int]int, len(r.Clusters))
	r.byPos = make(map[Point][]int)
	for i, c := range r.Clusters {
		r.byID[c.ID] = i
		for _, m := range c.Members {
			r.byPos[m.Pos] = append(r.byPos[m.Pos], c.ID)
		}
	}
}

// Len returns the number of clusters
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Clusters)
}

// Cluster looks up a cluster by ID
func (r *Result) Cluster(id int) (Cluster, bool) {
	if r == nil {
		return Cluster{}, false
	}
	i, ok := r.byID[id]
	if !ok {
		return Cluster{}, false
	}
	return r.Clusters[i], true
}

// ClustersAt returns the IDs of every cluster with a member at pos, in
// result order.
func (r *Result) ClustersAt(pos Point) []int {
	if r == nil {
		return nil
	}
	ids := r.byPos[pos]
	out := make([]int, len(ids))
	copy(out, ids)
	return out
}

// UnmarshalJSON decodes a result and rebuilds its lookup indexes
func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = *NewResult(p.Clusters, p.Options, p.EntityCount)
	return nil
}
