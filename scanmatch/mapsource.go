package scanmatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
)

// ValetudoMap is the root of a Valetudo map export. Layer pixels are grid
// indices; multiply by PixelSize (centimetres) for a physical position.
type ValetudoMap struct {
	Class     string      `json:"__class"`
	MetaData  MapMetaData `json:"metaData"`
	Size      Size        `json:"size"`
	PixelSize int         `json:"pixelSize"`
	Layers    []MapLayer  `json:"layers"`
	Entities  []MapEntity `json:"entities"`
}

// MapMetaData contains map metadata
type MapMetaData struct {
	VendorMapID    int    `json:"vendorMapId,omitempty"`
	Version        int    `json:"version"`
	Nonce          string `json:"nonce"`
	TotalLayerArea int    `json:"totalLayerArea"`
}

// Size represents map dimensions in pixels
type Size struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// MapLayer represents a floor/segment/wall layer
type MapLayer struct {
	Class            string        `json:"__class"`
	MetaData         LayerMetaData `json:"metaData"`
	Type             string        `json:"type"` // "floor", "segment", "wall"
	Pixels           []int         `json:"pixels"`
	CompressedPixels []int         `json:"compressedPixels,omitempty"` // runs of [x, y, count]
}

// LayerMetaData contains layer metadata
type LayerMetaData struct {
	SegmentID  string `json:"segmentId,omitempty"`
	Name       string `json:"name,omitempty"`
	Area       int    `json:"area"`
	PixelCount int    `json:"pixelCount,omitempty"`
}

// MapEntity represents a map entity (robot position, charger, path)
type MapEntity struct {
	Class    string         `json:"__class"`
	MetaData map[string]any `json:"metaData"`
	Points   []int          `json:"points"`
	Type     string         `json:"type"` // "robot_position", "charger_location", "path"
}

const (
	// rasterFreeProbability is assigned to floor and segment cells.
	rasterFreeProbability = 0.1
	// rasterOccupiedProbability is assigned to wall cells.
	rasterOccupiedProbability = 0.95
	// fitMarginCells pads a fitted grid so walls never touch its border.
	fitMarginCells = 4
	// cellEpsilon absorbs rounding when pixel edges fall on cell edges.
	cellEpsilon = 1e-6
)

// ParseMapFile reads and decodes a Valetudo map file (JSON, PNG or zlib).
func ParseMapFile(path string) (*ValetudoMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading map file: %w", err)
	}
	return DecodeMapData(data)
}

// ParseMapJSON parses Valetudo map JSON data
func ParseMapJSON(data []byte) (*ValetudoMap, error) {
	var m ValetudoMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing map JSON: %w", err)
	}
	if m.PixelSize <= 0 {
		return nil, fmt.Errorf("map pixelSize %d: %w", m.PixelSize, ErrInvalidResolution)
	}
	return &m, nil
}

// LoadMap loads a map from a local path or an http(s) URL.
func LoadMap(ctx context.Context, source string, opts ...FetchOption) (*ValetudoMap, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return FetchMapFromAPIWithContext(ctx, source, opts...)
	}
	return ParseMapFile(source)
}

// LoadPyramid loads the configured map source and rasterises it into a
// pyramid of cfg.Levels levels.
func LoadPyramid(ctx context.Context, cfg MapConfig, opts ...FetchOption) (*MapPyramid, error) {
	vm, err := LoadMap(ctx, cfg.Source, opts...)
	if err != nil {
		return nil, err
	}
	grid, err := OccupancyFromValetudo(vm, cfg)
	if err != nil {
		return nil, err
	}
	levels := cfg.Levels
	if levels < 1 {
		levels = 1
	}
	Logf("[MAP] loaded %s: %dx%d cells at %.3fm, %d levels", cfg.Source, grid.SizeX, grid.SizeY, grid.CellLength, levels)
	return NewMapPyramidFromGrid(grid, levels)
}

// metresPerPixel converts the centimetre pixel size of a map to metres.
func (m *ValetudoMap) metresPerPixel() float64 {
	return float64(m.PixelSize) / 100
}

// LayerPixels returns a layer's pixels as a flat [x1,y1,x2,y2,...] slice,
// expanding run-length compressed layers.
func LayerPixels(layer MapLayer) []int {
	if len(layer.Pixels) > 0 || len(layer.CompressedPixels) == 0 {
		return layer.Pixels
	}
	var out []int
	for i := 0; i+2 < len(layer.CompressedPixels); i += 3 {
		x, y, count := layer.CompressedPixels[i], layer.CompressedPixels[i+1], layer.CompressedPixels[i+2]
		for j := 0; j < count; j++ {
			out = append(out, x+j, y)
		}
	}
	return out
}

// PixelsToPoints converts a flat pixel array [x1,y1,x2,y2,...] to Point slice
func PixelsToPoints(pixels []int) []Point {
	points := make([]Point, 0, len(pixels)/2)
	for i := 0; i+1 < len(pixels); i += 2 {
		points = append(points, Point{
			X: float64(pixels[i]),
			Y: float64(pixels[i+1]),
		})
	}
	return points
}

// WallPoints returns the world positions (metres) of every wall pixel.
func WallPoints(m *ValetudoMap) []Point {
	scale := m.metresPerPixel()
	var out []Point
	for _, layer := range m.Layers {
		if layer.Type != "wall" {
			continue
		}
		for _, p := range PixelsToPoints(LayerPixels(layer)) {
			out = append(out, Point{X: p.X * scale, Y: p.Y * scale})
		}
	}
	return out
}

// ExtractRobotPose returns the robot_position entity as a world pose.
// Entity points are in centimetres and the angle in degrees.
func ExtractRobotPose(m *ValetudoMap) (Pose, bool) {
	for _, entity := range m.Entities {
		if entity.Type == "robot_position" && len(entity.Points) >= 2 {
			angle := 0.0
			if a, ok := entity.MetaData["angle"].(float64); ok {
				angle = a
			}
			return Pose{
				X:     float64(entity.Points[0]) / 100,
				Y:     float64(entity.Points[1]) / 100,
				Theta: NormalizeAngle(angle * math.Pi / 180),
			}, true
		}
	}
	return Pose{}, false
}

// ExtractChargerPosition finds the charger_location entity in world metres.
func ExtractChargerPosition(m *ValetudoMap) (Point, bool) {
	for _, entity := range m.Entities {
		if entity.Type == "charger_location" && len(entity.Points) >= 2 {
			return Point{
				X: float64(entity.Points[0]) / 100,
				Y: float64(entity.Points[1]) / 100,
			}, true
		}
	}
	return Point{}, false
}

// pixelBounds returns the pixel bounding box of all drawable layers.
func pixelBounds(m *ValetudoMap) (minX, minY, maxX, maxY int, ok bool) {
	minX, minY = math.MaxInt, math.MaxInt
	maxX, maxY = math.MinInt, math.MinInt
	for _, layer := range m.Layers {
		if !drawableLayer(layer.Type) {
			continue
		}
		px := LayerPixels(layer)
		for i := 0; i+1 < len(px); i += 2 {
			minX, maxX = min(minX, px[i]), max(maxX, px[i])
			minY, maxY = min(minY, px[i+1]), max(maxY, px[i+1])
			ok = true
		}
	}
	return minX, minY, maxX, maxY, ok
}

func drawableLayer(t string) bool {
	return t == "floor" || t == "segment" || t == "wall"
}

// FitGeometry computes a grid that covers every drawable pixel of m at the
// given resolution, with a small margin of unknown cells.
func FitGeometry(m *ValetudoMap, resolution float64) (MapGeometry, error) {
	if resolution <= 0 {
		return MapGeometry{}, fmt.Errorf("resolution %v: %w", resolution, ErrInvalidResolution)
	}
	minX, minY, maxX, maxY, ok := pixelBounds(m)
	if !ok {
		return MapGeometry{}, ErrEmptyMap
	}
	scale := m.metresPerPixel()
	margin := fitMarginCells * resolution
	origin := Point{X: float64(minX)*scale - margin, Y: float64(minY)*scale - margin}
	return MapGeometry{
		SizeX:      cellsCovering(float64(maxX-minX+1)*scale, resolution) + 2*fitMarginCells,
		SizeY:      cellsCovering(float64(maxY-minY+1)*scale, resolution) + 2*fitMarginCells,
		CellLength: resolution,
		Origin:     origin,
	}, nil
}

// cellsCovering returns how many cells of the given length span length.
func cellsCovering(length, cellLength float64) int {
	return int(math.Ceil(length/cellLength - cellEpsilon))
}

// OccupancyFromValetudo rasterises a Valetudo map into an occupancy grid:
// floor and segment pixels become free, wall pixels occupied, everything
// else stays unknown. A zero cfg.SizeX or cfg.SizeY fits the grid to the
// map.
func OccupancyFromValetudo(m *ValetudoMap, cfg MapConfig) (*OccGridMap, error) {
	if m == nil {
		return nil, ErrEmptyMap
	}
	if m.PixelSize <= 0 {
		return nil, fmt.Errorf("map pixelSize %d: %w", m.PixelSize, ErrInvalidResolution)
	}

	var geom MapGeometry
	if cfg.SizeX > 0 && cfg.SizeY > 0 {
		geom = MapGeometry{
			SizeX:      cfg.SizeX,
			SizeY:      cfg.SizeY,
			CellLength: cfg.Resolution,
			Origin:     Point{X: cfg.OriginX, Y: cfg.OriginY},
		}
	} else {
		var err error
		if geom, err = FitGeometry(m, cfg.Resolution); err != nil {
			return nil, err
		}
	}

	grid, err := NewOccGridMap(geom)
	if err != nil {
		return nil, err
	}

	free := ProbToLogOdds(rasterFreeProbability)
	occupied := ProbToLogOdds(rasterOccupiedProbability)
	scale := m.metresPerPixel()

	cells := 0
	for _, pass := range []struct {
		wall  bool
		value float64
	}{{false, free}, {true, occupied}} {
		for _, layer := range m.Layers {
			if !drawableLayer(layer.Type) || (layer.Type == "wall") != pass.wall {
				continue
			}
			px := LayerPixels(layer)
			for i := 0; i+1 < len(px); i += 2 {
				cells += fillPixel(grid, float64(px[i])*scale, float64(px[i+1])*scale, scale, pass.value)
			}
		}
	}
	if cells == 0 {
		return nil, ErrEmptyMap
	}
	return grid, nil
}

// fillPixel sets every cell overlapped by the square pixel at world
// (x, y) with side size. It returns how many cells were inside the grid.
func fillPixel(grid *OccGridMap, x, y, size, value float64) int {
	lo := grid.MapPointFromWorld(Point{X: x, Y: y})
	hi := grid.MapPointFromWorld(Point{X: x + size, Y: y + size})

	x0, y0 := int(math.Floor(lo.X+cellEpsilon)), int(math.Floor(lo.Y+cellEpsilon))
	x1 := max(int(math.Ceil(hi.X-cellEpsilon))-1, x0)
	y1 := max(int(math.Ceil(hi.Y-cellEpsilon))-1, y0)

	n := 0
	for cy := y0; cy <= y1; cy++ {
		for cx := x0; cx <= x1; cx++ {
			if grid.HasCell(cx, cy) {
				grid.SetLogOdds(cx, cy, value)
				n++
			}
		}
	}
	return n
}
