package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// maxImageSide caps raster output in pixels
const maxImageSide = 4000

// ClusterColor is the palette entry for one cluster
type ClusterColor struct {
	Volume color.NRGBA // translucent fill for the shared volume
	Member color.NRGBA // opaque marker for the members
}

// defaultPalette cycles through these hues, indexed by cluster ID
var defaultPalette = []string{"#6495ED", "#FF6347", "#3CB371", "#DAA520", "#9370DB", "#20B2AA"}

// DefaultColors returns the cluster palette
func DefaultColors() []ClusterColor {
	return PaletteFromHex(defaultPalette)
}

// PaletteFromHex builds a palette from "#RRGGBB" strings. Unparseable
// entries fall back to red.
func PaletteFromHex(hexes []string) []ClusterColor {
	out := make([]ClusterColor, len(hexes))
	for i, h := range hexes {
		c := parseHexColor(h)
		out[i] = ClusterColor{
			Volume: color.NRGBA{c.R, c.G, c.B, 110},
			Member: color.NRGBA{c.R / 2, c.G / 2, c.B / 2, 255},
		}
	}
	return out
}

func colorFor(palette []ClusterColor, id int) ClusterColor {
	if len(palette) == 0 {
		palette = DefaultColors()
	}
	if id < 1 {
		id = 1
	}
	return palette[(id-1)%len(palette)]
}

// highlightColor marks members with an active highlight
var highlightColor = color.RGBA{255, 215, 0, 255}

// ClusterRenderer draws a top-down raster debug map of a result: block X to
// the right and block Z downwards.
type ClusterRenderer struct {
	Result     *Result
	Highlights *Overrides
	Colors     []ClusterColor
	Scale      int // pixels per block
	Padding    int // pixels
}

// NewClusterRenderer creates a renderer with default settings
func NewClusterRenderer(res *Result, highlights *Overrides) *ClusterRenderer {
	return &ClusterRenderer{
		Result:     res,
		Highlights: highlights,
		Colors:     DefaultColors(),
		Scale:      6,
		Padding:    24,
	}
}

// HasDrawableContent reports whether the result holds any cluster
func (r *ClusterRenderer) HasDrawableContent() bool {
	return r.Result != nil && r.Result.Len() > 0
}

// bounds returns the XZ extent of every member and volume block
func (r *ClusterRenderer) bounds() (minX, minZ, maxX, maxZ int, ok bool) {
	if !r.HasDrawableContent() {
		return 0, 0, 0, 0, false
	}
	first := true
	grow := func(p Point) {
		if first {
			minX, maxX, minZ, maxZ = p.X, p.X, p.Z, p.Z
			first = false
			return
		}
		minX, maxX = min(minX, p.X), max(maxX, p.X)
		minZ, maxZ = min(minZ, p.Z), max(maxZ, p.Z)
	}
	for _, c := range r.Result.Clusters {
		for _, m := range c.Members {
			grow(m.Pos)
		}
		for _, p := range c.Volume {
			grow(p)
		}
	}
	return minX, minZ, maxX, maxZ, !first
}

// Render draws the map
func (r *ClusterRenderer) Render() *image.RGBA {
	scale := max(r.Scale, 1)
	minX, minZ, maxX, maxZ, ok := r.bounds()

	width := (maxX-minX+1)*scale + 2*r.Padding
	height := (maxZ-minZ+1)*scale + 2*r.Padding
	if !ok {
		width, height = 2*r.Padding+1, 2*r.Padding+1
	}
	for (width > maxImageSide || height > maxImageSide) && scale > 1 {
		scale--
		width = (maxX-minX+1)*scale + 2*r.Padding
		height = (maxZ-minZ+1)*scale + 2*r.Padding
	}
	width, height = min(width, maxImageSide), min(height, maxImageSide)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}
	if !ok {
		drawText(img, 4, 14, "no clusters", color.RGBA{0, 0, 0, 255})
		return img
	}

	toImage := func(p Point) (int, int) {
		return (p.X-minX)*scale + r.Padding, (p.Z-minZ)*scale + r.Padding
	}

	// Volumes first, one blend per XZ cell so tall volumes do not saturate
	for _, c := range r.Result.Clusters {
		cc := colorFor(r.Colors, c.ID)
		cells := make(map[[2]int]struct{}, len(c.Volume))
		for _, p := range c.Volume {
			cell := [2]int{p.X, p.Z}
			if _, done := cells[cell]; done {
				continue
			}
			cells[cell] = struct{}{}
			ix, iy := toImage(p)
			fillBlock(img, ix, iy, scale, cc.Volume)
		}
	}

	for _, c := range r.Result.Clusters {
		cc := colorFor(r.Colors, c.ID)
		member := color.RGBA{cc.Member.R, cc.Member.G, cc.Member.B, cc.Member.A}
		for _, m := range c.Members {
			ix, iy := toImage(m.Pos)
			cx, cy := ix+scale/2, iy+scale/2
			if r.Highlights != nil && r.Highlights.Get(m.Pos) {
				drawSquare(img, cx, cy, scale+4, highlightColor)
			}
			drawCircle(img, cx, cy, max(scale/2, 2), member)
		}
	}

	// Labels go on the first member of each cluster
	for _, c := range r.Result.Clusters {
		if len(c.Members) == 0 {
			continue
		}
		ix, iy := toImage(c.Members[0].Pos)
		drawText(img, ix+scale+2, iy, fmt.Sprintf("#%d", c.ID), color.RGBA{0, 0, 0, 255})
	}

	r.drawLegend(img)
	return img
}

// EncodePNG renders and writes the map as PNG
func (r *ClusterRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG renders the map to a file
func (r *ClusterRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.EncodePNG(f)
}

func (r *ClusterRenderer) drawLegend(img *image.RGBA) {
	text := fmt.Sprintf("%d clusters, %d entities, r=%g",
		r.Result.Len(), r.Result.EntityCount, r.Result.Options.Radius)
	drawText(img, 4, 14, text, color.RGBA{0, 0, 0, 255})
}

// fillBlock blends a size x size square whose top-left corner is (x, y)
func fillBlock(img *image.RGBA, x, y, size int, c color.NRGBA) {
	b := img.Bounds()
	for dy := 0; dy < size; dy++ {
		for dx := 0; dx < size; dx++ {
			px, py := x+dx, y+dy
			if px >= b.Min.X && px < b.Max.X && py >= b.Min.Y && py < b.Max.Y {
				img.Set(px, py, blendColors(img.RGBAAt(px, py), c))
			}
		}
	}
}

func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied; un-premultiply before blending
	var bgN color.NRGBA
	switch bg.A {
	case 0:
		bgN = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgN = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		a := uint32(bg.A)
		bgN = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / a),
			G: uint8((uint32(bg.G) * 255) / a),
			B: uint8((uint32(bg.B) * 255) / a),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	inv := 1.0 - alpha
	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgN.R)*inv),
		G: uint8(float64(fg.G)*alpha + float64(bgN.G)*inv),
		B: uint8(float64(fg.B)*alpha + float64(bgN.B)*inv),
		A: 255,
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	b := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawSquare draws a filled square centred on (cx, cy)
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	b := img.Bounds()
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawText renders text with its baseline at (x, y)
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB", defaulting to red
func parseHexColor(hex string) color.RGBA {
	fallback := color.RGBA{255, 0, 0, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return fallback
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fallback
	}
	return color.RGBA{r, g, b, 255}
}
