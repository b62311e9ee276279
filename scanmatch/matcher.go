package scanmatch

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultAngleStepLimit bounds the heading change of a single refinement
// step, in radians.
const DefaultAngleStepLimit = 0.2

// StepStatus is the outcome of a single refinement step.
type StepStatus int

const (
	// StepApplied means the Newton step was computed and added to the estimate.
	StepApplied StepStatus = iota
	// StepDegenerate means H(0,0) or H(1,1) was exactly zero; no update.
	StepDegenerate
	// StepSingular means the Hessian could not be inverted; no update.
	// Inverting an exactly singular Hessian anyway would fill the estimate
	// with Inf/NaN, so the step is skipped instead.
	StepSingular
)

func (s StepStatus) String() string {
	switch s {
	case StepApplied:
		return "applied"
	case StepDegenerate:
		return "degenerate"
	case StepSingular:
		return "singular"
	default:
		return "unknown"
	}
}

// StepOutcome reports what one refinement step did. Direction is the change
// actually added to the map-frame estimate, after heading clamping.
type StepOutcome struct {
	Status    StepStatus `json:"status"`
	Direction Pose       `json:"direction"`
	Clamped   bool       `json:"clamped,omitempty"`
}

// Applied reports whether the step moved the estimate.
func (o StepOutcome) Applied() bool {
	return o.Status == StepApplied
}

// MatchResult is the output of MatchData.
//
// Information is the Hessian of the last evaluation, in map coordinates. It
// is an information-form matrix, not a covariance; see
// CovarianceFromInformation.
type MatchResult struct {
	Pose        Pose          `json:"pose"`
	Information *mat.SymDense `json:"-"`
	Evaluations int           `json:"evaluations"`
	Steps       []StepOutcome `json:"steps"`
	Converged   bool          `json:"converged,omitempty"`
}

// InformationRows returns the information matrix as nested rows, for JSON
// encoding and printing.
func (r MatchResult) InformationRows() [3][3]float64 {
	var rows [3][3]float64
	if r.Information == nil {
		return rows
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = r.Information.At(i, j)
		}
	}
	return rows
}

// DegenerateSteps counts steps that left the estimate unchanged.
func (r MatchResult) DegenerateSteps() int {
	n := 0
	for _, s := range r.Steps {
		if !s.Applied() {
			n++
		}
	}
	return n
}

// ScanMatcher refines a pose guess against a GridMapModel with Gauss-Newton
// steps. It holds only configuration, so one matcher may serve concurrent
// callers; every call keeps its Hessian and gradient in call-local state.
type ScanMatcher struct {
	draw                 DrawSink
	debug                DebugSink
	angleStepLimit       float64
	convergenceThreshold float64
}

// MatcherOption configures a ScanMatcher.
type MatcherOption func(*ScanMatcher)

// WithDrawSink attaches a visualization sink.
func WithDrawSink(d DrawSink) MatcherOption {
	return func(m *ScanMatcher) {
		m.draw = d
	}
}

// WithDebugSink attaches a sink receiving per-iteration Hessians.
func WithDebugSink(d DebugSink) MatcherOption {
	return func(m *ScanMatcher) {
		m.debug = d
	}
}

// WithAngleStepLimit overrides the per-step heading bound. Non-positive
// values keep the default.
func WithAngleStepLimit(rad float64) MatcherOption {
	return func(m *ScanMatcher) {
		if rad > 0 {
			m.angleStepLimit = rad
		}
	}
}

// WithConvergenceThreshold enables early exit: the counted loop stops once an
// applied step moves the estimate by less than eps (cells and radians,
// max-norm). Zero, the default, always runs the full iteration budget.
func WithConvergenceThreshold(eps float64) MatcherOption {
	return func(m *ScanMatcher) {
		if eps >= 0 {
			m.convergenceThreshold = eps
		}
	}
}

// NewScanMatcher creates a matcher with the default step policy.
func NewScanMatcher(opts ...MatcherOption) *ScanMatcher {
	m := &ScanMatcher{angleStepLimit: DefaultAngleStepLimit}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// matchState is the scratch state of one MatchData call.
type matchState struct {
	h   *mat.SymDense
	dTr *mat.VecDense
}

// MatchData refines beginWorld so that scan best fits the map behind model.
//
// One initial step is followed by exactly maxIterations further steps, so a
// non-empty scan costs maxIterations+1 evaluations (a negative budget counts
// as zero). Degenerate steps leave the estimate untouched and still consume
// budget. An empty scan returns beginWorld and a zero matrix without
// evaluating the model.
func (m *ScanMatcher) MatchData(beginWorld Pose, model GridMapModel, scan PointCloud, maxIterations int) MatchResult {
	if m.draw != nil {
		m.draw.SetScale(0.05)
		m.draw.SetColor(0, 1, 0)
		m.draw.DrawArrow(beginWorld)
		m.drawScan(model.MapFromWorld(beginWorld), model, scan)
		m.draw.SetColor(1, 0, 0)
	}

	if scan == nil || scan.Size() == 0 {
		return MatchResult{Pose: beginWorld, Information: mat.NewSymDense(3, nil)}
	}

	if maxIterations < 0 {
		maxIterations = 0
	}

	var st matchState
	estimate := model.MapFromWorld(beginWorld)
	result := MatchResult{Steps: make([]StepOutcome, 0, maxIterations+1)}

	result.Steps = append(result.Steps, m.estimateTransformationLogLh(&estimate, model, scan, &st))
	result.Evaluations++

	invNumIter := 1.0 / float64(max(maxIterations, 1))
	for i := 0; i < maxIterations; i++ {
		outcome := m.estimateTransformationLogLh(&estimate, model, scan, &st)
		result.Steps = append(result.Steps, outcome)
		result.Evaluations++

		if m.draw != nil {
			m.draw.SetColor(float64(i)*invNumIter, 0, 0)
			m.draw.DrawArrow(model.WorldFromMap(estimate))
		}
		if m.debug != nil && st.h != nil {
			m.debug.AddHessian(copySym(st.h))
		}

		if m.convergenceThreshold > 0 && outcome.Applied() && stepSize(outcome.Direction) < m.convergenceThreshold {
			result.Converged = true
			break
		}
	}

	if m.draw != nil {
		m.draw.SetColor(0, 0, 1)
		m.drawScan(estimate, model, scan)
	}

	estimate = estimate.Normalized()

	result.Pose = model.WorldFromMap(estimate)
	if st.h != nil {
		result.Information = st.h
	} else {
		result.Information = mat.NewSymDense(3, nil)
	}
	return result
}

// estimateTransformationLogLh performs one Gauss-Newton step on estimate.
func (m *ScanMatcher) estimateTransformationLogLh(estimate *Pose, model GridMapModel, scan PointCloud, st *matchState) StepOutcome {
	st.h, st.dTr = model.Evaluate(*estimate, scan)
	if st.h == nil || st.dTr == nil {
		return StepOutcome{Status: StepDegenerate}
	}

	if st.h.At(0, 0) == 0 || st.h.At(1, 1) == 0 {
		Logf("[MATCH] degenerate hessian at (%.3f, %.3f, %.3f), step skipped", estimate.X, estimate.Y, estimate.Theta)
		return StepOutcome{Status: StepDegenerate}
	}

	searchDir, err := searchDirection(st.h, st.dTr)
	if err != nil {
		Logf("[MATCH] skipping step: %v", err)
		return StepOutcome{Status: StepSingular}
	}

	clamped := false
	if searchDir.Theta > m.angleStepLimit {
		searchDir.Theta = m.angleStepLimit
		clamped = true
	} else if searchDir.Theta < -m.angleStepLimit {
		searchDir.Theta = -m.angleStepLimit
		clamped = true
	}
	if clamped {
		Logf("[MATCH] search direction angle change too large, clamped to %.3f rad", searchDir.Theta)
	}

	*estimate = estimate.Add(searchDir)
	return StepOutcome{Status: StepApplied, Direction: searchDir, Clamped: clamped}
}

// searchDirection computes H^-1 * dTr.
func searchDirection(h *mat.SymDense, dTr *mat.VecDense) (Pose, error) {
	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		// Ill-conditioned matrices still produce an inverse; only an
		// exactly singular one is fatal for the step.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Pose{}, err
		}
	}
	var dir mat.VecDense
	dir.MulVec(&inv, dTr)
	return Pose{X: dir.AtVec(0), Y: dir.AtVec(1), Theta: dir.AtVec(2)}, nil
}

func stepSize(d Pose) float64 {
	return math.Max(math.Max(math.Abs(d.X), math.Abs(d.Y)), math.Abs(d.Theta))
}

// drawScan projects the scan at a map-frame pose into world coordinates.
func (m *ScanMatcher) drawScan(pose Pose, model GridMapModel, scan PointCloud) {
	if scan == nil {
		return
	}
	m.draw.SetScale(0.02)

	transform := model.TransformForPose(pose)
	for i := 0; i < scan.Size(); i++ {
		p := TransformPoint(scan.PointAt(i), transform)
		m.draw.DrawPoint(model.WorldFromMapPoint(p))
	}
}
