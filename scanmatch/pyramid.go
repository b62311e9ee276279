package scanmatch

import (
	"fmt"
	"sync"
)

// DefaultMatcherConfig mirrors the budgets used for multi-level matching:
// a few refinement steps on every coarse level and more on the finest.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Iterations:       5,
		CoarseIterations: 3,
		AngleStepLimit:   DefaultAngleStepLimit,
	}
}

// LevelObserver is an optional extension of DrawSink or DebugSink. A sink
// implementing it is told when the pyramid moves to another level.
type LevelObserver interface {
	BeginLevel(level int, geom MapGeometry)
}

// PyramidResult is the outcome of a coarse-to-fine match. The embedded
// MatchResult belongs to level 0; Levels holds every level's result in the
// order they ran (coarsest first). Scores[i] is the mean occupancy under the
// scan at Levels[i].Pose on that level's grid, in [0, 1].
type PyramidResult struct {
	MatchResult
	Levels []MatchResult `json:"levels"`
	Scores []float64     `json:"scores"`
}

// Score is the level 0 fit score.
func (r PyramidResult) Score() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	return r.Scores[len(r.Scores)-1]
}

// MapPyramid holds the same map at several resolutions. Level 0 is the
// finest; every level above halves the resolution.
type MapPyramid struct {
	mu     sync.RWMutex
	levels []*GridMapUtil
}

// NewMapPyramid allocates an empty pyramid with the given finest geometry.
func NewMapPyramid(geom MapGeometry, levels int) (*MapPyramid, error) {
	if levels < 1 {
		return nil, fmt.Errorf("pyramid needs at least one level, got %d", levels)
	}
	p := &MapPyramid{}
	for i := 0; i < levels; i++ {
		grid, err := NewOccGridMap(geom)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		p.levels = append(p.levels, NewGridMapUtil(grid))
		geom = geom.Coarser()
	}
	return p, nil
}

// NewMapPyramidFromGrid builds coarser levels from an existing finest grid.
func NewMapPyramidFromGrid(base *OccGridMap, levels int) (*MapPyramid, error) {
	if levels < 1 {
		return nil, fmt.Errorf("pyramid needs at least one level, got %d", levels)
	}
	p := &MapPyramid{levels: []*GridMapUtil{NewGridMapUtil(base)}}
	grid := base
	for i := 1; i < levels; i++ {
		grid = grid.Downsample()
		p.levels = append(p.levels, NewGridMapUtil(grid))
	}
	return p, nil
}

// Levels returns the number of levels.
func (p *MapPyramid) Levels() int {
	return len(p.levels)
}

// Level returns the model of level i (0 is the finest).
func (p *MapPyramid) Level(i int) *GridMapUtil {
	return p.levels[i]
}

// Finest returns the level 0 grid.
func (p *MapPyramid) Finest() *OccGridMap {
	return p.levels[0].Grid()
}

// UpdateByScan integrates a metric scan taken at robotPoseWorld into every
// level.
func (p *MapPyramid) UpdateByScan(scan PointCloud, robotPoseWorld Pose) {
	p.mu.Lock()
	defer p.mu.Unlock()

	scaled := &DataContainer{}
	for _, level := range p.levels {
		grid := level.Grid()
		scaled.SetFrom(scan, grid.ScaleToMap())
		grid.UpdateByScan(scaled, robotPoseWorld)
	}
}

// Reset clears every level.
func (p *MapPyramid) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, level := range p.levels {
		level.Grid().Reset()
	}
}

// Match refines begin against the pyramid, coarsest level first. Each level
// starts from the previous level's pose. Coarse levels run
// cfg.CoarseIterations counted steps and level 0 runs cfg.Iterations. The
// scan is metric and sensor-frame; it is scaled to each level internally.
//
// Concurrent Match calls are safe; they are serialized against updates.
func (p *MapPyramid) Match(begin Pose, scan PointCloud, cfg MatcherConfig, opts ...MatcherOption) PyramidResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	matcher := NewScanMatcher(append(cfg.MatcherOptions(), opts...)...)

	var result PyramidResult
	pose := begin
	scaled := &DataContainer{}
	for i := len(p.levels) - 1; i >= 0; i-- {
		level := p.levels[i]
		notifyLevel(matcher, i, level.Grid().Geometry())

		iterations := cfg.CoarseIterations
		if i == 0 {
			iterations = cfg.Iterations
		}

		scaled.SetFrom(scan, level.Grid().ScaleToMap())
		r := matcher.MatchData(pose, level, scaled, iterations)
		result.Levels = append(result.Levels, r)
		result.Scores = append(result.Scores, level.Likelihood(level.MapFromWorld(r.Pose), scaled))
		pose = r.Pose
	}

	result.MatchResult = result.Levels[len(result.Levels)-1]
	return result
}

func notifyLevel(m *ScanMatcher, level int, geom MapGeometry) {
	if lo, ok := m.draw.(LevelObserver); ok {
		lo.BeginLevel(level, geom)
	}
	if lo, ok := m.debug.(LevelObserver); ok && any(m.debug) != any(m.draw) {
		lo.BeginLevel(level, geom)
	}
}
