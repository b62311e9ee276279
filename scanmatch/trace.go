package scanmatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/mat"
)

// Color is an RGB triple with components in [0, 1].
type Color [3]float64

// TraceArrow is one DrawArrow call.
type TraceArrow struct {
	Pose  Pose    `json:"pose"`
	Color Color   `json:"color"`
	Scale float64 `json:"scale"`
}

// TraceLevel collects everything drawn while matching one pyramid level.
// Scans holds one entry per projected scan, in drawing order: the scan at
// the begin pose first and the scan at the final estimate last.
type TraceLevel struct {
	Level    int             `json:"level"`
	Geometry MapGeometry     `json:"geometry"`
	Arrows   []TraceArrow    `json:"arrows"`
	Scans    [][]Point       `json:"scans"`
	Hessians [][3][3]float64 `json:"hessians"`
}

// Estimates returns the arrow poses of the level in drawing order.
func (l *TraceLevel) Estimates() []Pose {
	out := make([]Pose, len(l.Arrows))
	for i, a := range l.Arrows {
		out[i] = a.Pose
	}
	return out
}

// MatchTrace records a match through the DrawSink, DebugSink and
// LevelObserver hooks. It is safe for use by one match at a time; the
// mutex only guards readers running alongside it.
type MatchTrace struct {
	ID      string        `json:"id"`
	RobotID string        `json:"robotId,omitempty"`
	Created time.Time     `json:"created"`
	Levels  []*TraceLevel `json:"levels"`

	mu       sync.Mutex
	color    Color
	scale    float64
	newGroup bool
}

// NewMatchTrace creates an empty trace with a fresh ID.
func NewMatchTrace(robotID string) *MatchTrace {
	return &MatchTrace{
		ID:      uuid.NewString(),
		RobotID: robotID,
		Created: time.Now(),
	}
}

// BeginLevel starts a new level section.
func (t *MatchTrace) BeginLevel(level int, geom MapGeometry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Levels = append(t.Levels, &TraceLevel{Level: level, Geometry: geom})
	t.newGroup = true
}

// current returns the open level, creating an anonymous one for matches
// that run outside a pyramid.
func (t *MatchTrace) current() *TraceLevel {
	if len(t.Levels) == 0 {
		t.Levels = append(t.Levels, &TraceLevel{})
	}
	return t.Levels[len(t.Levels)-1]
}

func (t *MatchTrace) SetScale(scale float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scale = scale
	t.newGroup = true
}

func (t *MatchTrace) SetColor(r, g, b float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.color = Color{r, g, b}
}

func (t *MatchTrace) DrawPoint(p Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lvl := t.current()
	if t.newGroup || len(lvl.Scans) == 0 {
		lvl.Scans = append(lvl.Scans, nil)
		t.newGroup = false
	}
	last := len(lvl.Scans) - 1
	lvl.Scans[last] = append(lvl.Scans[last], p)
}

func (t *MatchTrace) DrawArrow(p Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lvl := t.current()
	lvl.Arrows = append(lvl.Arrows, TraceArrow{Pose: p, Color: t.color, Scale: t.scale})
	t.newGroup = true
}

func (t *MatchTrace) AddHessian(h *mat.SymDense) {
	var rows [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = h.At(i, j)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lvl := t.current()
	lvl.Hessians = append(lvl.Hessians, rows)
}

// Estimates returns every recorded arrow pose across all levels.
func (t *MatchTrace) Estimates() []Pose {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Pose
	for _, l := range t.Levels {
		out = append(out, l.Estimates()...)
	}
	return out
}

// Hessians returns every recorded Hessian across all levels.
func (t *MatchTrace) Hessians() [][3][3]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][3][3]float64
	for _, l := range t.Levels {
		out = append(out, l.Hessians...)
	}
	return out
}

// FinalScan returns the scan projected at the final estimate of the last
// level, or nil when nothing was drawn.
func (t *MatchTrace) FinalScan() []Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.Levels) - 1; i >= 0; i-- {
		if s := t.Levels[i].Scans; len(s) > 0 {
			out := make([]Point, len(s[len(s)-1]))
			copy(out, s[len(s)-1])
			return out
		}
	}
	return nil
}

// PathLength returns the planar length of the estimate path in metres.
func (t *MatchTrace) PathLength() float64 {
	return planar.Length(poseLineString(t.Estimates()))
}

// Bound returns the world bounding box of every recorded pose and point.
func (t *MatchTrace) Bound() (orb.Bound, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var mp orb.MultiPoint
	for _, l := range t.Levels {
		for _, a := range l.Arrows {
			mp = append(mp, orb.Point{a.Pose.X, a.Pose.Y})
		}
		for _, s := range l.Scans {
			for _, p := range s {
				mp = append(mp, orb.Point{p.X, p.Y})
			}
		}
	}
	if len(mp) == 0 {
		return orb.Bound{}, false
	}
	return mp.Bound(), true
}

func poseLineString(poses []Pose) orb.LineString {
	ls := make(orb.LineString, len(poses))
	for i, p := range poses {
		ls[i] = orb.Point{p.X, p.Y}
	}
	return ls
}

func pointsMultiPoint(points []Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// FeatureCollection exports the trace as GeoJSON in world metres: one
// LineString per level for the estimate path, one Point per estimate and
// MultiPoints for the first and last projected scan of each level.
func (t *MatchTrace) FeatureCollection() *geojson.FeatureCollection {
	t.mu.Lock()
	defer t.mu.Unlock()

	fc := geojson.NewFeatureCollection()
	for _, l := range t.Levels {
		path := poseLineString(l.Estimates())
		if len(path) >= 2 {
			f := geojson.NewFeature(path)
			f.Properties["kind"] = "path"
			f.Properties["level"] = l.Level
			f.Properties["length"] = planar.Length(path)
			fc.Append(f)
		}

		for i, a := range l.Arrows {
			f := geojson.NewFeature(orb.Point{a.Pose.X, a.Pose.Y})
			f.Properties["kind"] = "estimate"
			f.Properties["level"] = l.Level
			f.Properties["iteration"] = i
			f.Properties["theta"] = a.Pose.Theta
			f.Properties["color"] = a.Color
			fc.Append(f)
		}

		if len(l.Scans) > 0 {
			first := geojson.NewFeature(pointsMultiPoint(l.Scans[0]))
			first.Properties["kind"] = "scan_initial"
			first.Properties["level"] = l.Level
			fc.Append(first)
		}
		if len(l.Scans) > 1 {
			last := geojson.NewFeature(pointsMultiPoint(l.Scans[len(l.Scans)-1]))
			last.Properties["kind"] = "scan_final"
			last.Properties["level"] = l.Level
			fc.Append(last)
		}
	}
	return fc
}

// SaveTrace writes trace.json and trace.geojson into <dir>/<trace ID>/,
// plus convergence.png and information.png when the trace has samples for
// them. It returns the trace directory.
func SaveTrace(t *MatchTrace, dir string) (string, error) {
	out := filepath.Join(dir, t.ID)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", fmt.Errorf("create trace directory: %w", err)
	}

	t.mu.Lock()
	data, err := json.MarshalIndent(t, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("marshal trace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(out, "trace.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("write trace: %w", err)
	}

	gj, err := t.FeatureCollection().MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal trace geojson: %w", err)
	}
	if err := os.WriteFile(filepath.Join(out, "trace.geojson"), gj, 0o644); err != nil {
		return "", fmt.Errorf("write trace geojson: %w", err)
	}

	for name, plotFn := range map[string]func(*MatchTrace, string) error{
		"convergence.png": PlotConvergence,
		"information.png": PlotInformation,
	} {
		if err := plotFn(t, filepath.Join(out, name)); err != nil && !errors.Is(err, errNothingToPlot) {
			return "", err
		}
	}

	Logf("[TRACE] saved %s", out)
	return out, nil
}

// LoadTrace reads a trace.json written by SaveTrace.
func LoadTrace(path string) (*MatchTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	var t MatchTrace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return &t, nil
}
