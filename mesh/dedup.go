package mesh

import (
	"strconv"
	"strings"
)

// canonicalKey joins the member positions as "x,y,z;x,y,z;...". Members must
// already be sorted by position.
func canonicalKey(members []Entity) string {
	var b strings.Builder
	b.Grow(len(members) * 12)
	for i, m := range members {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.Itoa(m.Pos.X))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(m.Pos.Y))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(m.Pos.Z))
	}
	return b.String()
}

// keySet records canonical keys that have already been emitted
type keySet map[string]struct{}

// add inserts key and reports whether it was new
func (s keySet) add(key string) bool {
	if _, ok := s[key]; ok {
		return false
	}
	s[key] = struct{}{}
	return true
}
