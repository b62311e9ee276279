package scanmatch

import "gonum.org/v1/gonum/mat"

// DrawSink receives visualization primitives while a match runs. Colors are
// RGB components in [0, 1]; scale is a marker size in metres.
type DrawSink interface {
	SetScale(scale float64)
	SetColor(r, g, b float64)
	DrawPoint(p Point)
	DrawArrow(p Pose)
}

// DebugSink receives the Hessian of every counted iteration.
// Each matrix handed over is a private copy the sink may keep.
type DebugSink interface {
	AddHessian(h *mat.SymDense)
}
