package mesh

import (
	"math"
	"sync"
)

// DistanceSq returns the squared Euclidean distance between two lattice points
func DistanceSq(a, b Point) int64 {
	dx := int64(a.X) - int64(b.X)
	dy := int64(a.Y) - int64(b.Y)
	dz := int64(a.Z) - int64(b.Z)
	return dx*dx + dy*dy + dz*dz
}

// SpheresOverlap reports whether two entities are linked: their centers are
// at most 2*radius apart.
func SpheresOverlap(a, b Point, radius float64) bool {
	d := 2 * radius
	return float64(DistanceSq(a, b)) <= d*d
}

// InSphere reports whether p lies within radius of center
func InSphere(center, p Point, radius float64) bool {
	return float64(DistanceSq(center, p)) <= radius*radius
}

// offsetMemoSize bounds how many radii keep their offsets in memory. A
// service normally runs with one radius; a few extra slots absorb overrides.
const offsetMemoSize = 4

type offsetEntry struct {
	radius  float64
	offsets []Point
}

// offsetMemo keeps the sphere offsets of the most recently used radii,
// most recent first.
var offsetMemo struct {
	mu      sync.Mutex
	entries []offsetEntry
}

// offsetsFor returns every offset within radius of the origin, enumerated
// over the ceiling-rounded bounding box in x, y, z order. Radius must already
// be validated against MaxRadius.
func offsetsFor(radius float64) []Point {
	offsetMemo.mu.Lock()
	for i, e := range offsetMemo.entries {
		if e.radius == radius {
			copy(offsetMemo.entries[1:i+1], offsetMemo.entries[:i])
			offsetMemo.entries[0] = e
			offsetMemo.mu.Unlock()
			return e.offsets
		}
	}
	offsetMemo.mu.Unlock()

	offsets := enumerateOffsets(radius)

	offsetMemo.mu.Lock()
	defer offsetMemo.mu.Unlock()
	for _, e := range offsetMemo.entries {
		if e.radius == radius {
			return e.offsets
		}
	}
	if len(offsetMemo.entries) < offsetMemoSize {
		offsetMemo.entries = append(offsetMemo.entries, offsetEntry{})
	}
	copy(offsetMemo.entries[1:], offsetMemo.entries)
	offsetMemo.entries[0] = offsetEntry{radius: radius, offsets: offsets}
	return offsets
}

func enumerateOffsets(radius float64) []Point {
	b := int(math.Ceil(math.Min(radius, MaxRadius)))
	origin := Point{}
	offsets := make([]Point, 0, sphereCapacity(b))
	for x := -b; x <= b; x++ {
		for y := -b; y <= b; y++ {
			for z := -b; z <= b; z++ {
				p := Point{X: x, Y: y, Z: z}
				if InSphere(origin, p, radius) {
					offsets = append(offsets, p)
				}
			}
		}
	}
	return offsets
}

// sphereCapacity estimates the lattice points in a sphere of integer bound b
func sphereCapacity(b int) int {
	return 4*b*b*b + 1
}

// memoizedRadii reports the radii currently held by the offset memo
func memoizedRadii() []float64 {
	offsetMemo.mu.Lock()
	defer offsetMemo.mu.Unlock()
	radii := make([]float64, len(offsetMemo.entries))
	for i, e := range offsetMemo.entries {
		radii[i] = e.radius
	}
	return radii
}

// SphereVolume enumerates every lattice point within radius of center.
// The result is ordered by x, then y, then z and is owned by the caller.
func SphereVolume(center Point, radius float64) []Point {
	offsets := offsetsFor(radius)
	volume := make([]Point, len(offsets))
	for i, o := range offsets {
		volume[i] = Point{X: center.X + o.X, Y: center.Y + o.Y, Z: center.Z + o.Z}
	}
	return volume
}

// IntersectVolume keeps the points of volume that are also within radius of
// p. Order is preserved and the input slice is not modified.
func IntersectVolume(p Point, volume []Point, radius float64) []Point {
	var out []Point
	for _, v := range volume {
		if InSphere(p, v, radius) {
			out = append(out, v)
		}
	}
	return out
}
