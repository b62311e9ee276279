package scanmatch

import "math"

// TransformPoint maps p through m:
//
//	x' = A*x + B*y + Tx
//	y' = C*x + D*y + Ty
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// NormalizeAngle wraps an angle in radians to the range (-pi, pi].
func NormalizeAngle(rad float64) float64 {
	rad = math.Mod(rad, 2*math.Pi)
	if rad <= -math.Pi {
		rad += 2 * math.Pi
	} else if rad > math.Pi {
		rad -= 2 * math.Pi
	}
	return rad
}

// MultiplyMatrices returns outer * inner, the transform that applies inner
// and then outer.
func MultiplyMatrices(outer, inner AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  outer.A*inner.A + outer.B*inner.C,
		B:  outer.A*inner.B + outer.B*inner.D,
		Tx: outer.A*inner.Tx + outer.B*inner.Ty + outer.Tx,
		C:  outer.C*inner.A + outer.D*inner.C,
		D:  outer.C*inner.B + outer.D*inner.D,
		Ty: outer.C*inner.Tx + outer.D*inner.Ty + outer.Ty,
	}
}

// Translation shifts by (tx, ty).
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, D: 1, Tx: tx, Ty: ty}
}

// Rotation turns counter-clockwise by angle radians about the origin.
func Rotation(angle float64) AffineMatrix {
	sin, cos := math.Sincos(angle)
	return AffineMatrix{A: cos, B: -sin, C: sin, D: cos}
}

// RigidTransform builds the transform that places a sensor-frame point at
// the given pose: rotate by Theta, then translate by (X, Y).
func RigidTransform(p Pose) AffineMatrix {
	return MultiplyMatrices(Translation(p.X, p.Y), Rotation(p.Theta))
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// AngleDiff returns the signed smallest difference a-b, wrapped to (-pi, pi].
func AngleDiff(a, b float64) float64 {
	return NormalizeAngle(a - b)
}
