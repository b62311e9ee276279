package scanmatch

// PointCloud is an ordered, read-only sequence of sensor-frame points.
// The matcher never mutates a PointCloud and keeps no reference to it after
// a call returns.
type PointCloud interface {
	Size() int
	PointAt(i int) Point
}

// DataContainer is the slice-backed PointCloud used throughout the package.
// Origin is the sensor origin in the same (scaled) frame as the points.
type DataContainer struct {
	points []Point
	Origin Point
}

// NewDataContainer creates a container holding a copy of points.
func NewDataContainer(points []Point) *DataContainer {
	dc := &DataContainer{points: make([]Point, len(points))}
	copy(dc.points, points)
	return dc
}

// DataContainerFromPairs converts [[x,y],...] wire coordinates to a container.
func DataContainerFromPairs(pairs [][2]float64) *DataContainer {
	dc := &DataContainer{points: make([]Point, 0, len(pairs))}
	for _, p := range pairs {
		dc.points = append(dc.points, Point{X: p[0], Y: p[1]})
	}
	return dc
}

// Size returns the number of points.
func (dc *DataContainer) Size() int {
	if dc == nil {
		return 0
	}
	return len(dc.points)
}

// PointAt returns the i-th point.
func (dc *DataContainer) PointAt(i int) Point {
	return dc.points[i]
}

// Add appends a point.
func (dc *DataContainer) Add(p Point) {
	dc.points = append(dc.points, p)
}

// Clear removes all points, keeping the allocation.
func (dc *DataContainer) Clear() {
	dc.points = dc.points[:0]
}

// Points returns a copy of the stored points.
func (dc *DataContainer) Points() []Point {
	out := make([]Point, len(dc.points))
	copy(out, dc.points)
	return out
}

// SetFrom replaces the contents with the points of src multiplied by factor.
// Grid map models expect scans in cell units, so callers scale a metric scan
// by the model's ScaleToMap before matching.
func (dc *DataContainer) SetFrom(src PointCloud, factor float64) {
	n := src.Size()
	scaled := make([]Point, n)
	for i := 0; i < n; i++ {
		p := src.PointAt(i)
		scaled[i] = Point{X: p.X * factor, Y: p.Y * factor}
	}
	if o, ok := src.(*DataContainer); ok {
		dc.Origin = Point{X: o.Origin.X * factor, Y: o.Origin.Y * factor}
	}
	dc.points = scaled
}

// Pairs returns the points in [[x,y],...] wire form.
func (dc *DataContainer) Pairs() [][2]float64 {
	out := make([][2]float64, len(dc.points))
	for i, p := range dc.points {
		out[i] = [2]float64{p.X, p.Y}
	}
	return out
}
