package scanmatch

import (
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// unitsPerMetre maps world metres to canvas millimetres: one canvas
// millimetre per world centimetre.
const unitsPerMetre = 100.0

// cellClass is how a grid cell is painted.
type cellClass int

const (
	cellUnknown cellClass = iota
	cellFree
	cellOccupied
)

// nrgbaToRGBA converts color.NRGBA to the premultiplied color.RGBA canvas
// expects.
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

// Overlay is what gets drawn on top of the grid.
type Overlay struct {
	Poses []*LivePose
	Trace *MatchTrace
}

// VectorRenderer renders an occupancy grid as vector graphics.
// Free and occupied runs of a row are merged into one rectangle each.
type VectorRenderer struct {
	Grid        *OccGridMap
	Resolution  canvas.Resolution // PNG output only
	Padding     float64           // canvas units (world centimetres)
	GridSpacing float64           // metres between grid lines; 0 disables
}

// NewVectorRenderer creates a renderer producing one pixel per world
// centimetre with a 1 m reference grid.
func NewVectorRenderer(grid *OccGridMap) *VectorRenderer {
	return &VectorRenderer{
		Grid:        grid,
		Resolution:  canvas.DPI(25.4), // one pixel per millimetre
		Padding:     20,
		GridSpacing: 1.0,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *VectorRenderer) size() (width, height float64) {
	g := r.Grid.Geometry()
	width = float64(g.SizeX)*g.CellLength*unitsPerMetre + 2*r.Padding
	height = float64(g.SizeY)*g.CellLength*unitsPerMetre + 2*r.Padding
	return width, height
}

// toCanvas converts a world point to canvas units. Canvas y grows upward
// like world y.
func (r *VectorRenderer) toCanvas(p Point) (float64, float64) {
	origin := r.Grid.Origin
	return (p.X-origin.X)*unitsPerMetre + r.Padding, (p.Y-origin.Y)*unitsPerMetre + r.Padding
}

// RenderToSVG writes the grid and overlay as SVG.
func (r *VectorRenderer) RenderToSVG(w io.Writer, overlay Overlay) error {
	width, height := r.size()
	s := svg.New(w, width, height, nil)
	r.renderToCanvas(s, width, height, overlay)
	return s.Close()
}

// RenderToPNG writes the grid and overlay as PNG at r.Resolution.
func (r *VectorRenderer) RenderToPNG(w io.Writer, overlay Overlay) error {
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height, overlay)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) classify(x, y int) cellClass {
	switch {
	case r.Grid.IsOccupied(x, y):
		return cellOccupied
	case r.Grid.IsFree(x, y):
		return cellFree
	default:
		return cellUnknown
	}
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, width, height float64, overlay Overlay) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: color.RGBA{200, 200, 200, 255}}
	renderer.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	freeStyle := canvas.DefaultStyle
	freeStyle.Fill = canvas.Paint{Color: canvas.White}
	freeStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	occStyle := canvas.DefaultStyle
	occStyle.Fill = canvas.Paint{Color: color.RGBA{30, 30, 30, 255}}
	occStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	g := r.Grid.Geometry()
	cell := g.CellLength * unitsPerMetre
	for cy := 0; cy < g.SizeY; cy++ {
		start := 0
		for cx := 1; cx <= g.SizeX; cx++ {
			if cx < g.SizeX && r.classify(cx, cy) == r.classify(start, cy) {
				continue
			}
			var style canvas.Style
			switch r.classify(start, cy) {
			case cellFree:
				style = freeStyle
			case cellOccupied:
				style = occStyle
			default:
				start = cx
				continue
			}
			run := canvas.Rectangle(float64(cx-start)*cell, cell)
			run = run.Translate(float64(start)*cell+r.Padding, float64(cy)*cell+r.Padding)
			renderer.RenderPath(run, style, canvas.Identity)
			start = cx
		}
	}

	if r.GridSpacing > 0 {
		r.renderGridLines(renderer)
	}
	if overlay.Trace != nil {
		r.renderTrace(renderer, overlay.Trace)
	}
	r.renderPoses(renderer, overlay.Poses)
}

func (r *VectorRenderer) renderGridLines(renderer canvasRenderer) {
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: nrgbaToRGBA(color.NRGBA{128, 128, 128, 90})}
	style.StrokeWidth = 0.5

	g := r.Grid.Geometry()
	maxX := g.Origin.X + float64(g.SizeX)*g.CellLength
	maxY := g.Origin.Y + float64(g.SizeY)*g.CellLength

	for x := math.Ceil(g.Origin.X/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
		p := &canvas.Path{}
		p.MoveTo(r.toCanvas(Point{X: x, Y: g.Origin.Y}))
		p.LineTo(r.toCanvas(Point{X: x, Y: maxY}))
		renderer.RenderPath(p, style, canvas.Identity)
	}
	for y := math.Ceil(g.Origin.Y/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
		p := &canvas.Path{}
		p.MoveTo(r.toCanvas(Point{X: g.Origin.X, Y: y}))
		p.LineTo(r.toCanvas(Point{X: maxX, Y: y}))
		renderer.RenderPath(p, style, canvas.Identity)
	}
}

func (r *VectorRenderer) renderTrace(renderer canvasRenderer, t *MatchTrace) {
	scanStyle := canvas.DefaultStyle
	scanStyle.Fill = canvas.Paint{Color: finalScanColor}
	scanStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, p := range t.FinalScan() {
		x, y := r.toCanvas(p)
		renderer.RenderPath(canvas.Circle(1.5).Translate(x, y), scanStyle, canvas.Identity)
	}

	estimates := t.Estimates()
	if len(estimates) < 2 {
		return
	}
	pathStyle := canvas.DefaultStyle
	pathStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	pathStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(pathColor)}
	pathStyle.StrokeWidth = 1.0

	path := &canvas.Path{}
	path.MoveTo(r.toCanvas(estimates[0].Position()))
	for _, e := range estimates[1:] {
		path.LineTo(r.toCanvas(e.Position()))
	}
	renderer.RenderPath(path, pathStyle, canvas.Identity)
}

func (r *VectorRenderer) renderPoses(renderer canvasRenderer, poses []*LivePose) {
	sorted := make([]*LivePose, len(poses))
	copy(sorted, poses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RobotID < sorted[j].RobotID })

	for _, lp := range sorted {
		cx, cy := r.toCanvas(lp.Pose.Position())
		c := parseHexColor(lp.Color)

		body := canvas.DefaultStyle
		body.Fill = canvas.Paint{Color: c}
		body.Stroke = canvas.Paint{Color: canvas.Black}
		body.StrokeWidth = 1.5
		renderer.RenderPath(canvas.Circle(12).Translate(cx, cy), body, canvas.Identity)

		heading := canvas.DefaultStyle
		heading.Fill = canvas.Paint{Color: canvas.Transparent}
		heading.Stroke = canvas.Paint{Color: canvas.Black}
		heading.StrokeWidth = 2.5

		const headingLength = 20.0
		dir := &canvas.Path{}
		dir.MoveTo(cx, cy)
		dir.LineTo(cx+headingLength*math.Cos(lp.Pose.Theta), cy+headingLength*math.Sin(lp.Pose.Theta))
		renderer.RenderPath(dir, heading, canvas.Identity)
	}
}
