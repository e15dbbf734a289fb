package mesh

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA premultiplies alpha, which canvas expects
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * a) / 255),
		G: uint8((uint32(c.G) * a) / 255),
		B: uint8((uint32(c.B) * a) / 255),
		A: c.A,
	}
}

// VectorRenderer draws a result as vector graphics. Volumes are drawn as
// their XZ footprint hulls, members as discs.
type VectorRenderer struct {
	Result      *Result
	Highlights  *Overrides
	Colors      []ClusterColor
	BlockSize   float64           // canvas millimetres per block
	Padding     float64           // in blocks
	Resolution  canvas.Resolution // PNG output resolution
	GridSpacing int               // grid line spacing in blocks; 0 disables
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(res *Result, highlights *Overrides) *VectorRenderer {
	return &VectorRenderer{
		Result:      res,
		Highlights:  highlights,
		Colors:      DefaultColors(),
		BlockSize:   2.0,
		Padding:     4,
		Resolution:  canvas.DPI(150),
		GridSpacing: 16, // chunk boundaries
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// viewport maps block coordinates onto the canvas
type viewport struct {
	minX, minZ, maxX, maxZ float64
	block, pad             float64
	width, height          float64
}

// toCanvas maps block X to the right and block Z downwards. Canvas y grows
// upwards, hence the flip.
func (v viewport) toCanvas(x, z float64) (float64, float64) {
	cx := (x - v.minX + v.pad) * v.block
	cy := v.height - (z-v.minZ+v.pad)*v.block
	return cx, cy
}

func (r *VectorRenderer) viewport() viewport {
	v := viewport{block: r.BlockSize, pad: r.Padding}
	if v.block <= 0 {
		v.block = 1
	}

	first := true
	grow := func(x, z float64) {
		if first {
			v.minX, v.maxX, v.minZ, v.maxZ = x, x, z, z
			first = false
			return
		}
		v.minX, v.maxX = math.Min(v.minX, x), math.Max(v.maxX, x)
		v.minZ, v.maxZ = math.Min(v.minZ, z), math.Max(v.maxZ, z)
	}
	if r.Result != nil {
		for _, c := range r.Result.Clusters {
			for _, m := range c.Members {
				grow(float64(m.Pos.X)-0.5, float64(m.Pos.Z)-0.5)
				grow(float64(m.Pos.X)+0.5, float64(m.Pos.Z)+0.5)
			}
			for _, p := range c.Volume {
				grow(float64(p.X)-0.5, float64(p.Z)-0.5)
				grow(float64(p.X)+0.5, float64(p.Z)+0.5)
			}
		}
	}

	v.width = (v.maxX - v.minX + 2*v.pad) * v.block
	v.height = (v.maxZ - v.minZ + 2*v.pad) * v.block
	if v.width <= 0 {
		v.width = v.block
	}
	if v.height <= 0 {
		v.height = v.block
	}
	return v
}

// RenderToSVG writes the map as SVG
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	v := r.viewport()
	svgRenderer := svg.New(w, v.width, v.height, nil)
	r.renderToCanvas(svgRenderer, v)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the map and writes it as PNG
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	v := r.viewport()
	rast := rasterizer.New(v.width, v.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, v)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, v viewport) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(v.width, v.height), bg, canvas.Identity)

	if r.Result == nil {
		return
	}

	if r.GridSpacing > 0 {
		grid := canvas.DefaultStyle
		grid.Fill = canvas.Paint{Color: canvas.Transparent}
		grid.Stroke = canvas.Paint{Color: canvas.Gray}
		grid.StrokeWidth = 0.2
		grid.Dashes = []float64{1.0, 1.0}

		step := float64(r.GridSpacing)
		// Block b spans [b-0.5, b+0.5]; chunk edges sit at multiples of step minus half a block
		for x := math.Floor(v.minX/step)*step - 0.5; x <= v.maxX; x += step {
			if x < v.minX {
				continue
			}
			p := &canvas.Path{}
			p.MoveTo(v.toCanvas(x, v.minZ))
			p.LineTo(v.toCanvas(x, v.maxZ))
			renderer.RenderPath(p, grid, canvas.Identity)
		}
		for z := math.Floor(v.minZ/step)*step - 0.5; z <= v.maxZ; z += step {
			if z < v.minZ {
				continue
			}
			p := &canvas.Path{}
			p.MoveTo(v.toCanvas(v.minX, z))
			p.LineTo(v.toCanvas(v.maxX, z))
			renderer.RenderPath(p, grid, canvas.Identity)
		}
	}

	for _, c := range r.Result.Clusters {
		poly := footprint(c.Volume)
		if poly == nil {
			continue
		}
		cc := colorFor(r.Colors, c.ID)
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(cc.Volume)}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(cc.Member)}
		style.StrokeWidth = 0.2

		p := &canvas.Path{}
		for i, pt := range poly[0] {
			x, y := v.toCanvas(pt[0], pt[1])
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		p.Close()
		renderer.RenderPath(p, style, canvas.Identity)
	}

	for _, c := range r.Result.Clusters {
		cc := colorFor(r.Colors, c.ID)
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(cc.Member)}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}

		hl := canvas.DefaultStyle
		hl.Fill = canvas.Paint{Color: canvas.Transparent}
		hl.Stroke = canvas.Paint{Color: highlightColor}
		hl.StrokeWidth = 0.3 * v.block

		for _, m := range c.Members {
			x, y := v.toCanvas(float64(m.Pos.X), float64(m.Pos.Z))
			if r.Highlights != nil && r.Highlights.Get(m.Pos) {
				renderer.RenderPath(canvas.Circle(0.6*v.block).Translate(x, y), hl, canvas.Identity)
			}
			renderer.RenderPath(canvas.Circle(0.35*v.block).Translate(x, y), style, canvas.Identity)
		}
	}
}
