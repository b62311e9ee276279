package scanmatch

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// GridMapModel is everything the matcher needs from a map representation.
//
// The matcher treats a model as read-only for the duration of a call. When
// one model is shared by concurrent MatchData calls, Evaluate must be
// reentrant; GridMapUtil satisfies this as long as the underlying grid is not
// being updated at the same time.
type GridMapModel interface {
	// MapFromWorld converts a world-frame pose to map (cell) coordinates.
	MapFromWorld(p Pose) Pose
	// WorldFromMap is the inverse of MapFromWorld.
	WorldFromMap(p Pose) Pose
	// WorldFromMapPoint converts a map-frame point to world coordinates.
	WorldFromMapPoint(p Point) Point
	// TransformForPose places scan points at a map-frame pose.
	TransformForPose(p Pose) AffineMatrix
	// Evaluate returns the Hessian and gradient of the match cost at the
	// map-frame estimate. Both must be freshly allocated per call.
	Evaluate(estimate Pose, scan PointCloud) (*mat.SymDense, *mat.VecDense)
}

// CovarianceFromInformation inverts an information matrix returned by
// MatchData. The matcher itself never does this.
func CovarianceFromInformation(info mat.Symmetric) (*mat.SymDense, error) {
	if info == nil {
		return nil, ErrNotInvertible
	}
	n := info.SymmetricDim()
	var chol mat.Cholesky
	if ok := chol.Factorize(info); !ok {
		return nil, fmt.Errorf("factorizing %dx%d information matrix: %w", n, n, ErrNotInvertible)
	}
	cov := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, fmt.Errorf("inverting information matrix: %w", err)
	}
	return cov, nil
}

// copySym returns an independent copy of a symmetric matrix.
func copySym(h mat.Symmetric) *mat.SymDense {
	c := mat.NewSymDense(h.SymmetricDim(), nil)
	c.CopySym(h)
	return c
}
