package scanmatch

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTransformPoint(t *testing.T) {
	tests := []struct {
		name   string
		point  Point
		matrix AffineMatrix
		want   Point
	}{
		{
			name:   "identity transform",
			point:  Point{X: 10, Y: 20},
			matrix: Identity(),
			want:   Point{X: 10, Y: 20},
		},
		{
			name:   "translation only",
			point:  Point{X: 5, Y: 5},
			matrix: Translation(10, 15),
			want:   Point{X: 15, Y: 20},
		},
		{
			name:   "grid cell scaling",
			point:  Point{X: 3, Y: 4},
			matrix: AffineMatrix{A: 20, D: 20},
			want:   Point{X: 60, Y: 80},
		},
		{
			name:   "quarter turn",
			point:  Point{X: 1, Y: 0},
			matrix: Rotation(math.Pi / 2),
			want:   Point{X: 0, Y: 1},
		},
		{
			name:   "rigid transform rotates before translating",
			point:  Point{X: 1, Y: 0},
			matrix: RigidTransform(Pose{X: 2, Y: 3, Theta: math.Pi / 2}),
			want:   Point{X: 2, Y: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TransformPoint(tt.point, tt.matrix)
			if diff := cmp.Diff(tt.want, got, poseApprox); diff != "" {
				t.Errorf("TransformPoint() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{5 * math.Pi, math.Pi},
		{0.3 + 4*math.Pi, 0.3},
	}
	for _, tt := range tests {
		got := NormalizeAngle(tt.in)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeAngle(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAngleDiff(t *testing.T) {
	if got := AngleDiff(0.1, 2*math.Pi-0.1); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("AngleDiff wraps across zero: got %v, want 0.2", got)
	}
	if got := AngleDiff(-3, 3); math.Abs(got-(2*math.Pi-6)) > 1e-9 {
		t.Errorf("AngleDiff(-3, 3) = %v", got)
	}
}

func TestMultiplyMatrices_Order(t *testing.T) {
	// Applying m2 first, then m1.
	m := MultiplyMatrices(Translation(1, 0), Rotation(math.Pi/2))
	got := TransformPoint(Point{X: 1, Y: 0}, m)
	if diff := cmp.Diff(Point{X: 1, Y: 1}, got, poseApprox); diff != "" {
		t.Errorf("composition order mismatch (-want +got):\n%s", diff)
	}
}

func TestDistance(t *testing.T) {
	if got := Distance(Point{X: 1, Y: 1}, Point{X: 4, Y: 5}); got != 5 {
		t.Errorf("Distance = %v, want 5", got)
	}
	if got := Distance(Point{X: -2, Y: 7}, Point{X: -2, Y: 7}); got != 0 {
		t.Errorf("Distance to self = %v, want 0", got)
	}
}

func TestPose_Normalized(t *testing.T) {
	p := Pose{X: 1.5, Y: -2, Theta: 0.3 + 6*math.Pi}
	got := p.Normalized()
	if diff := cmp.Diff(Pose{X: 1.5, Y: -2, Theta: 0.3}, got, poseApprox); diff != "" {
		t.Errorf("Normalized() mismatch (-want +got):\n%s", diff)
	}
	if p.Theta != 0.3+6*math.Pi {
		t.Error("Normalized must not modify its receiver")
	}
}

func TestDataContainer(t *testing.T) {
	src := []Point{{X: 1, Y: 2}, {X: -1, Y: 0.5}}
	dc := NewDataContainer(src)
	src[0].X = 99
	if dc.PointAt(0).X != 1 {
		t.Error("NewDataContainer must copy its input")
	}
	if dc.Size() != 2 {
		t.Errorf("Size = %d, want 2", dc.Size())
	}

	dc.Origin = Point{X: 0.5, Y: 0.5}
	var scaled DataContainer
	scaled.SetFrom(dc, 20)
	want := []Point{{X: 20, Y: 40}, {X: -20, Y: 10}}
	if diff := cmp.Diff(want, scaled.Points()); diff != "" {
		t.Errorf("SetFrom mismatch (-want +got):\n%s", diff)
	}
	if scaled.Origin != (Point{X: 10, Y: 10}) {
		t.Errorf("SetFrom origin = %v", scaled.Origin)
	}

	fromPairs := DataContainerFromPairs(scaled.Pairs())
	if diff := cmp.Diff(scaled.Points(), fromPairs.Points()); diff != "" {
		t.Errorf("Pairs round trip mismatch:\n%s", diff)
	}

	scaled.Add(Point{X: 1})
	if scaled.Size() != 3 {
		t.Errorf("Size after Add = %d", scaled.Size())
	}
	scaled.Clear()
	if scaled.Size() != 0 {
		t.Errorf("Size after Clear = %d", scaled.Size())
	}

	var nilDC *DataContainer
	if nilDC.Size() != 0 {
		t.Error("nil container should be empty")
	}
}
