package mesh

import (
	"context"
	"fmt"
	"math"
)

const (
	// MaxRadius is the largest accepted activation radius. Sphere volumes
	// grow with the cube of the radius, so larger values would exhaust memory.
	MaxRadius = 64.0

	// MaxCoordinate bounds every entity coordinate on each axis.
	MaxCoordinate = 30_000_000
)

// InWorld reports whether every coordinate of p is within MaxCoordinate
func InWorld(p Point) bool {
	return within(p.X) && within(p.Y) && within(p.Z)
}

func within(c int) bool { return c >= -MaxCoordinate && c <= MaxCoordinate }

// ValidateOptions checks the caller-supplied parts of a run and fills the
// default sort mode.
func ValidateOptions(opts *Options) error {
	if math.IsNaN(opts.Radius) || math.IsInf(opts.Radius, 0) || opts.Radius <= 0 || opts.Radius > MaxRadius {
		return fmt.Errorf("%w: got %v", ErrInvalidRadius, opts.Radius)
	}
	if !InWorld(opts.Reference) {
		return fmt.Errorf("%w: reference %v", ErrOutOfWorld, opts.Reference)
	}
	mode, err := ParseSortMode(string(opts.SortMode))
	if err != nil {
		return err
	}
	opts.SortMode = mode
	return nil
}

// Generate runs the full clustering pipeline over entities: build, dedup,
// singleton completion, subset filtering, ID assignment and sorting.
//
// The entity slice is copied first; entities sharing a position are
// collapsed onto the first occurrence. An empty input yields an empty
// result. Cancelling ctx abandons the run and returns ctx.Err().
func Generate(ctx context.Context, entities []Entity, opts Options) (*Result, error) {
	if err := ValidateOptions(&opts); err != nil {
		return nil, err
	}

	snapshot := uniqueEntities(entities)
	if len(snapshot) == 0 {
		return NewResult(nil, opts, 0), nil
	}

	cands, err := buildClusters(ctx, snapshot, opts.Radius, keySet{})
	if err != nil {
		return nil, err
	}
	cands = completeSingletons(snapshot, cands, opts.Radius)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cands = filterSubsets(cands)

	clusters := make([]Cluster, len(cands))
	for i, c := range cands {
		clusters[i] = Cluster{ID: i + 1, Members: c.members, Volume: c.volume}
	}

	return NewResult(sortClusters(clusters, opts), opts, len(snapshot)), nil
}

// uniqueEntities copies entities, keeping the first entity at each position
func uniqueEntities(entities []Entity) []Entity {
	seen := make(map[Point]struct{}, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if _, ok := seen[e.Pos]; ok {
			continue
		}
		seen[e.Pos] = struct{}{}
		out = append(out, e)
	}
	return out
}
