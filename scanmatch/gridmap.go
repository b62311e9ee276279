package scanmatch

import (
	"fmt"
	"math"
)

const (
	// DefaultOccupiedProbability is the measurement model for a scan endpoint.
	DefaultOccupiedProbability = 0.6
	// DefaultFreeProbability is the measurement model for a cell a beam passed.
	DefaultFreeProbability = 0.4

	// occupiedSaturation stops occupied updates once a cell is this certain.
	occupiedSaturation = 50.0
)

// MapGeometry describes the size and placement of a grid.
// Origin is the world position of the corner of cell (0,0).
type MapGeometry struct {
	SizeX      int     `json:"sizeX"`
	SizeY      int     `json:"sizeY"`
	CellLength float64 `json:"cellLength"`
	Origin     Point   `json:"origin"`
}

// Validate checks that the geometry describes a usable grid.
func (g MapGeometry) Validate() error {
	if g.CellLength <= 0 || math.IsNaN(g.CellLength) || math.IsInf(g.CellLength, 0) {
		return fmt.Errorf("cell length %v: %w", g.CellLength, ErrInvalidResolution)
	}
	if g.SizeX < 2 || g.SizeY < 2 {
		return fmt.Errorf("grid size %dx%d: need at least 2x2 cells", g.SizeX, g.SizeY)
	}
	return nil
}

// ScaleToMap is the factor converting metres to cells.
func (g MapGeometry) ScaleToMap() float64 {
	return 1.0 / g.CellLength
}

// MapFromWorld converts a world pose to map coordinates. Heading is shared
// by both frames.
func (g MapGeometry) MapFromWorld(p Pose) Pose {
	q := g.MapPointFromWorld(p.Position())
	return Pose{X: q.X, Y: q.Y, Theta: p.Theta}
}

// WorldFromMap converts a map pose to world coordinates.
func (g MapGeometry) WorldFromMap(p Pose) Pose {
	q := g.WorldFromMapPoint(p.Position())
	return Pose{X: q.X, Y: q.Y, Theta: p.Theta}
}

// MapPointFromWorld converts a world point to map coordinates.
func (g MapGeometry) MapPointFromWorld(p Point) Point {
	return Point{
		X: (p.X - g.Origin.X) / g.CellLength,
		Y: (p.Y - g.Origin.Y) / g.CellLength,
	}
}

// WorldFromMapPoint converts a map point to world coordinates.
func (g MapGeometry) WorldFromMapPoint(p Point) Point {
	return Point{
		X: p.X*g.CellLength + g.Origin.X,
		Y: p.Y*g.CellLength + g.Origin.Y,
	}
}

// PointOutOfMapBounds reports whether bilinear interpolation at p would read
// outside the grid.
func (g MapGeometry) PointOutOfMapBounds(p Point) bool {
	return p.X < 0 || p.X > float64(g.SizeX-2) || p.Y < 0 || p.Y > float64(g.SizeY-2)
}

// Coarser returns the geometry of the next pyramid level: half the cells,
// twice the cell length, same world extent.
func (g MapGeometry) Coarser() MapGeometry {
	return MapGeometry{
		SizeX:      max(g.SizeX/2, 2),
		SizeY:      max(g.SizeY/2, 2),
		CellLength: g.CellLength * 2,
		Origin:     g.Origin,
	}
}

// ProbToLogOdds converts a probability in (0, 1) to log-odds.
func ProbToLogOdds(p float64) float64 {
	return math.Log(p / (1 - p))
}

// LogOddsToProb converts log-odds back to a probability.
func LogOddsToProb(l float64) float64 {
	odds := math.Exp(l)
	return odds / (1 + odds)
}

type gridCell struct {
	logOdds     float64
	updateIndex int
}

// OccGridMap is a log-odds occupancy grid. Unknown cells hold 0 (p = 0.5).
//
// OccGridMap is not safe for concurrent mutation. Concurrent reads are fine
// while no update is running.
type OccGridMap struct {
	MapGeometry

	cells           []gridCell
	logOddsOccupied float64
	logOddsFree     float64
	currUpdateIndex int
	updates         int
}

// NewOccGridMap allocates an all-unknown grid.
func NewOccGridMap(geom MapGeometry) (*OccGridMap, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	return &OccGridMap{
		MapGeometry:     geom,
		cells:           make([]gridCell, geom.SizeX*geom.SizeY),
		logOddsOccupied: ProbToLogOdds(DefaultOccupiedProbability),
		logOddsFree:     ProbToLogOdds(DefaultFreeProbability),
	}, nil
}

// SetUpdateFactors overrides the occupied and free measurement probabilities.
func (m *OccGridMap) SetUpdateFactors(occupied, free float64) error {
	if occupied <= 0.5 || occupied >= 1 {
		return fmt.Errorf("occupied probability %v must be in (0.5, 1)", occupied)
	}
	if free <= 0 || free >= 0.5 {
		return fmt.Errorf("free probability %v must be in (0, 0.5)", free)
	}
	m.logOddsOccupied = ProbToLogOdds(occupied)
	m.logOddsFree = ProbToLogOdds(free)
	return nil
}

// Geometry returns the grid geometry.
func (m *OccGridMap) Geometry() MapGeometry {
	return m.MapGeometry
}

// Index returns the flat cell index of (x, y).
func (m *OccGridMap) Index(x, y int) int {
	return y*m.SizeX + x
}

// HasCell reports whether (x, y) lies inside the grid.
func (m *OccGridMap) HasCell(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.SizeX && y < m.SizeY
}

// LogOdds returns the raw cell value at (x, y).
func (m *OccGridMap) LogOdds(x, y int) float64 {
	return m.cells[m.Index(x, y)].logOdds
}

// SetLogOdds sets the raw cell value at (x, y).
func (m *OccGridMap) SetLogOdds(x, y int, v float64) {
	m.cells[m.Index(x, y)].logOdds = v
}

// Probability returns the occupancy probability at (x, y).
func (m *OccGridMap) Probability(x, y int) float64 {
	return LogOddsToProb(m.cells[m.Index(x, y)].logOdds)
}

func (m *OccGridMap) probabilityAt(index int) float64 {
	return LogOddsToProb(m.cells[index].logOdds)
}

// IsOccupied reports p > 0.5.
func (m *OccGridMap) IsOccupied(x, y int) bool {
	return m.cells[m.Index(x, y)].logOdds > 0
}

// IsFree reports p < 0.5.
func (m *OccGridMap) IsFree(x, y int) bool {
	return m.cells[m.Index(x, y)].logOdds < 0
}

// IsUnknown reports a cell that was never updated (p = 0.5).
func (m *OccGridMap) IsUnknown(x, y int) bool {
	return m.cells[m.Index(x, y)].logOdds == 0
}

// UpdateSetOccupied applies one occupied measurement to a cell.
func (m *OccGridMap) UpdateSetOccupied(index int) {
	if m.cells[index].logOdds < occupiedSaturation {
		m.cells[index].logOdds += m.logOddsOccupied
	}
}

// UpdateSetFree applies one free measurement to a cell.
func (m *OccGridMap) UpdateSetFree(index int) {
	m.cells[index].logOdds += m.logOddsFree
}

// UpdateUnsetFree reverts a free measurement applied earlier in the same scan.
func (m *OccGridMap) UpdateUnsetFree(index int) {
	m.cells[index].logOdds -= m.logOddsFree
}

// Counts returns the number of occupied and free cells.
func (m *OccGridMap) Counts() (occupied, free int) {
	for _, c := range m.cells {
		switch {
		case c.logOdds > 0:
			occupied++
		case c.logOdds < 0:
			free++
		}
	}
	return occupied, free
}

// Updates returns how many scans have been integrated since the last Reset.
func (m *OccGridMap) Updates() int {
	return m.updates
}

// Reset clears every cell back to unknown.
func (m *OccGridMap) Reset() {
	for i := range m.cells {
		m.cells[i] = gridCell{}
	}
	m.currUpdateIndex = 0
	m.updates = 0
}

// UpdateByScan integrates a scan taken at robotPoseWorld. The scan must be
// in this grid's cell units (see DataContainer.SetFrom). Each beam marks the
// cells it crosses free and its endpoint occupied; a cell is updated at most
// once per scan.
func (m *OccGridMap) UpdateByScan(scan PointCloud, robotPoseWorld Pose) {
	if scan == nil || scan.Size() == 0 {
		return
	}

	markFree := m.currUpdateIndex + 1
	markOcc := m.currUpdateIndex + 2

	transform := RigidTransform(m.MapFromWorld(robotPoseWorld))

	var origin Point
	if dc, ok := scan.(*DataContainer); ok {
		origin = dc.Origin
	}
	begin := roundCell(TransformPoint(origin, transform))

	for i := 0; i < scan.Size(); i++ {
		end := roundCell(TransformPoint(scan.PointAt(i), transform))
		if begin != end {
			m.updateLine(begin, end, markFree, markOcc)
		}
	}

	m.currUpdateIndex += 3
	m.updates++
}

type cell struct{ x, y int }

func roundCell(p Point) cell {
	return cell{x: int(math.Floor(p.X + 0.5)), y: int(math.Floor(p.Y + 0.5))}
}

// updateLine walks a Bresenham line from begin to end, marking free cells
// along the way and the end cell occupied.
func (m *OccGridMap) updateLine(begin, end cell, markFree, markOcc int) {
	if !m.HasCell(begin.x, begin.y) || !m.HasCell(end.x, end.y) {
		return
	}

	dx, dy := end.x-begin.x, end.y-begin.y
	absDx, absDy := abs(dx), abs(dy)
	stepX, stepY := sign(dx), sign(dy)

	x, y := begin.x, begin.y
	m.markFree(m.Index(x, y), markFree)

	if absDx >= absDy {
		errY := absDx / 2
		for i := 0; i < absDx; i++ {
			x += stepX
			errY += absDy
			if errY >= absDx {
				y += stepY
				errY -= absDx
			}
			m.markFree(m.Index(x, y), markFree)
		}
	} else {
		errX := absDy / 2
		for i := 0; i < absDy; i++ {
			y += stepY
			errX += absDx
			if errX >= absDy {
				x += stepX
				errX -= absDy
			}
			m.markFree(m.Index(x, y), markFree)
		}
	}

	m.markOccupied(m.Index(end.x, end.y), markFree, markOcc)
}

func (m *OccGridMap) markFree(index, markFree int) {
	if m.cells[index].updateIndex < markFree {
		m.UpdateSetFree(index)
		m.cells[index].updateIndex = markFree
	}
}

func (m *OccGridMap) markOccupied(index, markFree, markOcc int) {
	c := &m.cells[index]
	if c.updateIndex < markOcc {
		if c.updateIndex == markFree {
			m.UpdateUnsetFree(index)
		}
		m.UpdateSetOccupied(index)
		c.updateIndex = markOcc
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// Downsample returns a grid with half the cells per axis. A coarse cell
// takes the most occupied of its children, or the most free one when none
// is occupied.
func (m *OccGridMap) Downsample() *OccGridMap {
	geom := m.Coarser()
	out := &OccGridMap{
		MapGeometry:     geom,
		cells:           make([]gridCell, geom.SizeX*geom.SizeY),
		logOddsOccupied: m.logOddsOccupied,
		logOddsFree:     m.logOddsFree,
	}
	for y := 0; y < geom.SizeY; y++ {
		for x := 0; x < geom.SizeX; x++ {
			var hi, lo float64
			for _, c := range [4]cell{{2 * x, 2 * y}, {2*x + 1, 2 * y}, {2 * x, 2*y + 1}, {2*x + 1, 2*y + 1}} {
				if !m.HasCell(c.x, c.y) {
					continue
				}
				v := m.LogOdds(c.x, c.y)
				hi = math.Max(hi, v)
				lo = math.Min(lo, v)
			}
			v := lo
			if hi > 0 {
				v = hi
			}
			out.cells[out.Index(x, y)].logOdds = v
		}
	}
	return out
}
