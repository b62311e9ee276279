package scanmatch

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	maxImageSize   = 4000
	robotIconSize  = 22
	defaultPadding = 10
)

var (
	backgroundColor = color.RGBA{240, 240, 240, 255}
	textColor       = color.RGBA{0, 0, 0, 255}
	initialScanTint = color.NRGBA{0, 170, 0, 160}
	finalScanColor  = color.RGBA{0, 60, 220, 255}
	pathColor       = color.NRGBA{200, 0, 0, 200}
)

// MapRenderer rasterises an occupancy grid. North (world +y) is up.
type MapRenderer struct {
	Grid    *OccGridMap
	Scale   int // pixels per cell
	Padding int // pixels around the grid
}

// NewMapRenderer picks a scale that makes the larger grid side roughly
// 800 pixels, between 1 and 8 pixels per cell.
func NewMapRenderer(grid *OccGridMap) *MapRenderer {
	side := max(grid.SizeX, grid.SizeY)
	scale := min(max(800/side, 1), 8)
	return &MapRenderer{Grid: grid, Scale: scale, Padding: defaultPadding}
}

func (r *MapRenderer) dimensions() (width, height int) {
	if r.Scale < 1 {
		r.Scale = 1
	}
	for r.Scale > 1 && max(r.Grid.SizeX, r.Grid.SizeY)*r.Scale+2*r.Padding > maxImageSize {
		r.Scale--
	}
	return r.Grid.SizeX*r.Scale + 2*r.Padding, r.Grid.SizeY*r.Scale + 2*r.Padding
}

// toImage converts a world point to pixel coordinates.
func (r *MapRenderer) toImage(p Point) (int, int) {
	mp := r.Grid.MapPointFromWorld(p)
	x := int(math.Floor(mp.X*float64(r.Scale))) + r.Padding
	y := int(math.Floor((float64(r.Grid.SizeY)-mp.Y)*float64(r.Scale))) + r.Padding
	return x, y
}

// Render draws the grid in greyscale: free cells white, occupied black and
// unknown cells mid grey.
func (r *MapRenderer) Render() *image.RGBA {
	width, height := r.dimensions()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, backgroundColor)
		}
	}

	for cy := 0; cy < r.Grid.SizeY; cy++ {
		top := (r.Grid.SizeY-cy-1)*r.Scale + r.Padding
		for cx := 0; cx < r.Grid.SizeX; cx++ {
			grey := uint8(math.Round(255 * (1 - r.Grid.Probability(cx, cy))))
			c := color.RGBA{grey, grey, grey, 255}
			left := cx*r.Scale + r.Padding
			for dy := 0; dy < r.Scale; dy++ {
				for dx := 0; dx < r.Scale; dx++ {
					img.SetRGBA(left+dx, top+dy, c)
				}
			}
		}
	}
	return img
}

// RenderTrace draws the grid with a match trace on top: the scan at the
// begin pose tinted green, the scan at the final estimate in blue, the
// estimate path and a robot icon at the final estimate.
func (r *MapRenderer) RenderTrace(t *MatchTrace) *image.RGBA {
	img := r.Render()

	t.mu.Lock()
	var initial []Point
	if len(t.Levels) > 0 && len(t.Levels[0].Scans) > 0 {
		initial = t.Levels[0].Scans[0]
	}
	t.mu.Unlock()

	for _, p := range initial {
		x, y := r.toImage(p)
		if image.Pt(x, y).In(img.Bounds()) {
			img.Set(x, y, blendColors(img.RGBAAt(x, y), initialScanTint))
		}
	}
	for _, p := range t.FinalScan() {
		x, y := r.toImage(p)
		drawSquare(img, x, y, 2, finalScanColor)
	}

	estimates := t.Estimates()
	for i := 1; i < len(estimates); i++ {
		x0, y0 := r.toImage(estimates[i-1].Position())
		x1, y1 := r.toImage(estimates[i].Position())
		drawLine(img, x0, y0, x1, y1, pathColor)
	}
	for _, e := range estimates {
		x, y := r.toImage(e.Position())
		drawCircle(img, x, y, 2, color.RGBA{pathColor.R, pathColor.G, pathColor.B, 255})
	}
	if len(estimates) > 0 {
		final := estimates[len(estimates)-1]
		x, y := r.toImage(final.Position())
		drawRobotIcon(img, x, y, robotIconSize, -final.Theta, parseHexColor(""))
		caption := fmt.Sprintf("x=%.3f y=%.3f th=%.3f", final.X, final.Y, final.Theta)
		drawText(img, 10, img.Bounds().Dy()-4, caption, textColor)
	}
	return img
}

// RenderLive draws the grid with a robot icon for every live pose and a
// legend in the top-left corner.
func (r *MapRenderer) RenderLive(poses []*LivePose) *image.RGBA {
	img := r.Render()
	for _, lp := range poses {
		x, y := r.toImage(lp.Pose.Position())
		drawRobotIcon(img, x, y, robotIconSize, -lp.Pose.Theta, parseHexColor(lp.Color))
	}
	drawLiveLegend(img, poses)
	return img
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// SavePNG writes img to path as PNG.
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := EncodePNG(f, img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied; un-premultiply before blending.
	var base color.NRGBA
	switch bg.A {
	case 0:
		base = color.NRGBA{}
	case 255:
		base = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		a := uint32(bg.A)
		base = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / a),
			G: uint8((uint32(bg.G) * 255) / a),
			B: uint8((uint32(bg.B) * 255) / a),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	inv := 1.0 - alpha
	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(base.R)*inv),
		G: uint8(float64(fg.G)*alpha + float64(base.G)*inv),
		B: uint8(float64(fg.B)*alpha + float64(base.B)*inv),
		A: 255,
	}
}

func setPixel(img *image.RGBA, x, y int, c color.Color) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, c)
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			setPixel(img, cx+dx, cy+dy, c)
		}
	}
}

// drawLine blends a one pixel line from (x0,y0) to (x1,y1).
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	steps := max(abs(x1-x0), abs(y1-y0))
	if steps == 0 {
		if image.Pt(x0, y0).In(img.Bounds()) {
			img.Set(x0, y0, blendColors(img.RGBAAt(x0, y0), c))
		}
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(float64(x0) + t*float64(x1-x0)))
		y := int(math.Round(float64(y0) + t*float64(y1-y0)))
		if image.Pt(x, y).In(img.Bounds()) {
			img.Set(x, y, blendColors(img.RGBAAt(x, y), c))
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// drawRobotIcon draws a round robot body with a dark bumper and a heading
// tick. angle is in image coordinates (radians, clockwise from +x).
func drawRobotIcon(img *image.RGBA, cx, cy, size int, angle float64, c color.RGBA) {
	outline := color.RGBA{40, 40, 40, 255}
	bumper := color.RGBA{60, 60, 60, 255}

	radius := float64(size) / 2
	cos, sin := math.Cos(angle), math.Sin(angle)
	reach := int(radius) + 3

	for dy := -reach; dy <= reach; dy++ {
		for dx := -reach; dx <= reach; dx++ {
			dist := math.Hypot(float64(dx), float64(dy))
			along := float64(dx)*cos + float64(dy)*sin
			across := -float64(dx)*sin + float64(dy)*cos
			switch {
			case dist > radius+2:
			case dist > radius:
				setPixel(img, cx+dx, cy+dy, outline)
			case along > radius*0.75 && math.Abs(across) < radius*0.7:
				setPixel(img, cx+dx, cy+dy, bumper)
			default:
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}

	for t := radius * 0.2; t <= radius*0.8; t += 0.5 {
		x := cx + int(math.Round(t*cos))
		y := cy + int(math.Round(t*sin))
		setPixel(img, x, y, outline)
		setPixel(img, x+1, y, outline)
		setPixel(img, x, y+1, outline)
	}
}

// drawLiveLegend adds a swatch and the robot ID for every pose.
func drawLiveLegend(img *image.RGBA, poses []*LivePose) {
	if len(poses) == 0 {
		return
	}
	sorted := make([]*LivePose, len(poses))
	copy(sorted, poses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RobotID < sorted[j].RobotID })

	y := 15
	for _, lp := range sorted {
		c := parseHexColor(lp.Color)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				setPixel(img, 10+dx, y+dy-6, c)
			}
		}
		drawText(img, 28, y, lp.RobotID, textColor)
		y += 18
	}
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
