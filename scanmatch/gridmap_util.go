package scanmatch

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// GridMapUtil adapts an OccGridMap to the GridMapModel interface. The match
// cost is sum((1 - M(T(pose)*p))^2) over the scan, where M is the bilinearly
// interpolated occupancy probability.
//
// Evaluate keeps no state between calls, so a GridMapUtil is safe to share
// between concurrent matches as long as the grid is not being updated.
type GridMapUtil struct {
	grid *OccGridMap
}

// NewGridMapUtil wraps grid.
func NewGridMapUtil(grid *OccGridMap) *GridMapUtil {
	return &GridMapUtil{grid: grid}
}

// Grid returns the wrapped grid.
func (u *GridMapUtil) Grid() *OccGridMap {
	return u.grid
}

func (u *GridMapUtil) MapFromWorld(p Pose) Pose {
	return u.grid.MapFromWorld(p)
}

func (u *GridMapUtil) WorldFromMap(p Pose) Pose {
	return u.grid.WorldFromMap(p)
}

func (u *GridMapUtil) WorldFromMapPoint(p Point) Point {
	return u.grid.WorldFromMapPoint(p)
}

func (u *GridMapUtil) TransformForPose(p Pose) AffineMatrix {
	return RigidTransform(p)
}

// Evaluate returns the Gauss-Newton Hessian J^T J and gradient J^T f at a
// map-frame pose. Points that fall outside the grid contribute nothing.
func (u *GridMapUtil) Evaluate(estimate Pose, scan PointCloud) (*mat.SymDense, *mat.VecDense) {
	transform := u.TransformForPose(estimate)
	sinRot, cosRot := math.Sincos(estimate.Theta)

	var h00, h01, h02, h11, h12, h22 float64
	var g0, g1, g2 float64

	for i := 0; i < scan.Size(); i++ {
		p := scan.PointAt(i)
		value, dx, dy := u.InterpMapValueWithDerivatives(TransformPoint(p, transform))

		funVal := 1.0 - value
		rotDeriv := (-sinRot*p.X-cosRot*p.Y)*dx + (cosRot*p.X-sinRot*p.Y)*dy

		g0 += dx * funVal
		g1 += dy * funVal
		g2 += rotDeriv * funVal

		h00 += dx * dx
		h11 += dy * dy
		h22 += rotDeriv * rotDeriv
		h01 += dx * dy
		h02 += dx * rotDeriv
		h12 += dy * rotDeriv
	}

	h := mat.NewSymDense(3, []float64{
		h00, h01, h02,
		h01, h11, h12,
		h02, h12, h22,
	})
	return h, mat.NewVecDense(3, []float64{g0, g1, g2})
}

// InterpMapValue returns the interpolated occupancy probability at a map
// point, or 0 outside the grid.
func (u *GridMapUtil) InterpMapValue(p Point) float64 {
	v, _, _ := u.InterpMapValueWithDerivatives(p)
	return v
}

// InterpMapValueWithDerivatives bilinearly interpolates the occupancy
// probability at a map point and returns its x and y derivatives.
func (u *GridMapUtil) InterpMapValueWithDerivatives(p Point) (value, dx, dy float64) {
	g := u.grid
	if g.PointOutOfMapBounds(p) {
		return 0, 0, 0
	}

	ix, iy := int(p.X), int(p.Y)
	fx, fy := p.X-float64(ix), p.Y-float64(iy)

	index := g.Index(ix, iy)
	i0 := g.probabilityAt(index)
	i1 := g.probabilityAt(index + 1)
	i2 := g.probabilityAt(index + g.SizeX)
	i3 := g.probabilityAt(index + g.SizeX + 1)

	dx1, dx2 := i0-i1, i2-i3
	dy1, dy2 := i0-i2, i1-i3

	xFacInv, yFacInv := 1-fx, 1-fy

	value = (i0*xFacInv+i1*fx)*yFacInv + (i2*xFacInv+i3*fx)*fy
	dx = -(dx1*yFacInv + dx2*fy)
	dy = -(dy1*xFacInv + dy2*fx)
	return value, dx, dy
}

// Likelihood scores how well a map-frame scan fits at a map-frame pose: the
// mean interpolated occupancy of the transformed points. Empty scans score 0.
func (u *GridMapUtil) Likelihood(estimate Pose, scan PointCloud) float64 {
	if scan == nil || scan.Size() == 0 {
		return 0
	}
	transform := u.TransformForPose(estimate)
	sum := 0.0
	for i := 0; i < scan.Size(); i++ {
		sum += u.InterpMapValue(TransformPoint(scan.PointAt(i), transform))
	}
	return sum / float64(scan.Size())
}
