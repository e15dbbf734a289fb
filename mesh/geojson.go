package mesh

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Feature kinds emitted per cluster
const (
	FeatureKindVolume  = "volume"
	FeatureKindMembers = "members"
)

// GeoJSON output is a top-down view of the lattice: block X maps to the
// first coordinate and block Z to the second. Heights are carried in
// properties.

// footprint returns the convex hull of the cells the volume covers on the
// XZ plane. Each block contributes the four corners of its unit cell, so a
// single block still yields a valid square.
func footprint(volume []Point) orb.Polygon {
	if len(volume) == 0 {
		return nil
	}
	seen := make(map[[2]int]struct{}, len(volume))
	corners := make([]orb.Point, 0, 4*len(volume))
	for _, p := range volume {
		cell := [2]int{p.X, p.Z}
		if _, ok := seen[cell]; ok {
			continue
		}
		seen[cell] = struct{}{}
		x, z := float64(p.X), float64(p.Z)
		corners = append(corners,
			orb.Point{x - 0.5, z - 0.5},
			orb.Point{x + 0.5, z - 0.5},
			orb.Point{x + 0.5, z + 0.5},
			orb.Point{x - 0.5, z + 0.5},
		)
	}
	return orb.Polygon{convexHull(corners)}
}

// convexHull computes a closed counter-clockwise hull with Andrew's
// monotone chain. Collinear points are dropped.
func convexHull(points []orb.Point) orb.Ring {
	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	hull := make(orb.Ring, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	// the upper pass ends on sorted[0], closing the ring
	return hull
}

func memberPoints(c Cluster) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(c.Members))
	for i, m := range c.Members {
		mp[i] = orb.Point{float64(m.Pos.X), float64(m.Pos.Z)}
	}
	return mp
}

// clusterProperties are shared by both features of a cluster
func clusterProperties(c Cluster, highlights *Overrides) geojson.Properties {
	props := geojson.Properties{
		"id":   c.ID,
		"size": c.Size(),
		"key":  c.Key(),
	}

	tags := make(map[string]int)
	highlighted := false
	for _, m := range c.Members {
		if m.Tag != "" {
			tags[m.Tag]++
		}
		if highlights != nil && highlights.Get(m.Pos) {
			highlighted = true
		}
	}
	props["tags"] = tags
	props["highlighted"] = highlighted

	if len(c.Volume) > 0 {
		minY, maxY := c.Volume[0].Y, c.Volume[0].Y
		for _, p := range c.Volume[1:] {
			minY = min(minY, p.Y)
			maxY = max(maxY, p.Y)
		}
		props["minY"] = minY
		props["maxY"] = maxY
		props["blocks"] = len(c.Volume)
	}
	return props
}

// ClusterFeatures converts one cluster into a volume footprint feature and a
// member feature. Clusters with an empty volume only yield the member feature.
func ClusterFeatures(c Cluster, highlights *Overrides) []*geojson.Feature {
	var out []*geojson.Feature

	if poly := footprint(c.Volume); poly != nil {
		f := geojson.NewFeature(poly)
		f.ID = c.ID
		f.Properties = clusterProperties(c, highlights)
		f.Properties["kind"] = FeatureKindVolume
		centroid, area := planar.CentroidArea(poly)
		f.Properties["centroid"] = []float64{centroid[0], centroid[1]}
		f.Properties["area"] = area
		out = append(out, f)
	}

	mp := memberPoints(c)
	f := geojson.NewFeature(mp)
	f.Properties = clusterProperties(c, highlights)
	f.Properties["kind"] = FeatureKindMembers
	out = append(out, f)
	return out
}

// ResultToFeatureCollection exports every cluster of a result in the
// result's order. The collection carries a bounding box when non-empty.
func ResultToFeatureCollection(res *Result, highlights *Overrides) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if res == nil {
		return fc
	}

	var bound orb.Bound
	first := true
	for _, c := range res.Clusters {
		for _, f := range ClusterFeatures(c, highlights) {
			fc.Append(f)
			b := f.Geometry.Bound()
			if first {
				bound = b
				first = false
			} else {
				bound = bound.Union(b)
			}
		}
	}
	if !first {
		fc.BBox = geojson.NewBBox(bound)
	}
	return fc
}
