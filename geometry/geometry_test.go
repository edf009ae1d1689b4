package geometry_test

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
	"go.viam.com/test"

	"go.mapkit.dev/slammapper/geometry"
)

func closeVec(t *testing.T, got, want r3.Vector, tol float64) {
	t.Helper()
	test.That(t, got.X, test.ShouldAlmostEqual, want.X, tol)
	test.That(t, got.Y, test.ShouldAlmostEqual, want.Y, tol)
	test.That(t, got.Z, test.ShouldAlmostEqual, want.Z, tol)
}

func TestPoseInverseRoundTrip(t *testing.T) {
	p := geometry.NewPose(quat.Number{Real: 1, Imag: 0.2, Jmag: 0.1, Kmag: 0.05}, r3.Vector{X: 1, Y: -2, Z: 3})
	point := r3.Vector{X: 4, Y: 5, Z: 6}

	transformed := p.Apply(point)
	recovered := p.Inverse().Apply(transformed)
	closeVec(t, recovered, point, 1e-9)
}

func TestPoseComposeMatchesSequentialApply(t *testing.T) {
	a := geometry.NewPose(quat.Number{Real: 1, Jmag: 0.3}, r3.Vector{X: 1})
	b := geometry.NewPose(quat.Number{Real: 1, Imag: 0.1}, r3.Vector{Y: 2})
	point := r3.Vector{X: 1, Y: 1, Z: 1}

	composed := a.Compose(b).Apply(point)
	sequential := b.Apply(a.Apply(point))
	closeVec(t, composed, sequential, 1e-9)
}

func TestPoseMat4RoundTrip(t *testing.T) {
	p := geometry.NewPose(quat.Number{Real: 1, Imag: 0.4, Jmag: -0.2, Kmag: 0.1}, r3.Vector{X: 3, Y: -1, Z: 2})
	recovered := geometry.PoseFromMat4(p.Mat4())

	point := r3.Vector{X: 1, Y: 2, Z: 3}
	closeVec(t, recovered.Apply(point), p.Apply(point), 1e-9)
}

func TestIdentityPoseIsNoOp(t *testing.T) {
	id := geometry.Identity()
	point := r3.Vector{X: 5, Y: -3, Z: 2}
	closeVec(t, id.Apply(point), point, 1e-12)
}

func TestEstimateSim3RecoversKnownTransform(t *testing.T) {
	want := geometry.Sim3{S: 2.0, R: quat.Normalize(quat.Number{Real: 1, Jmag: 0.3}), T: r3.Vector{X: 1, Y: 2, Z: 3}}

	src := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
	}
	dst := make([]r3.Vector, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p)
	}

	got, err := geometry.EstimateSim3(src, dst)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.S, test.ShouldAlmostEqual, want.S, 1e-6)

	for i, p := range src {
		closeVec(t, got.Apply(p), dst[i], 1e-6)
	}
}

func TestEstimateSim3RejectsTooFewPoints(t *testing.T) {
	_, err := geometry.EstimateSim3([]r3.Vector{{}, {}}, []r3.Vector{{}, {}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEstimateSim3RejectsMismatchedLengths(t *testing.T) {
	_, err := geometry.EstimateSim3([]r3.Vector{{}, {}, {}}, []r3.Vector{{}, {}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSim3InverseRoundTrip(t *testing.T) {
	s := geometry.Sim3{S: 1.5, R: quat.Normalize(quat.Number{Real: 1, Imag: 0.2}), T: r3.Vector{X: 2, Y: -1, Z: 0.5}}
	point := r3.Vector{X: 1, Y: 1, Z: 1}

	roundTripped := s.Inverse().Apply(s.Apply(point))
	closeVec(t, roundTripped, point, 1e-9)
}

func TestSim3ApplyPoseConsistentWithApply(t *testing.T) {
	s := geometry.Sim3{S: 2.0, R: quat.Normalize(quat.Number{Real: 1, Kmag: 0.1}), T: r3.Vector{X: 1}}
	p := geometry.NewPose(quat.Number{Real: 1, Imag: 0.1}, r3.Vector{X: 0, Y: 1, Z: 0})
	point := r3.Vector{X: 2, Y: 0, Z: 0}

	viaPose := s.ApplyPose(p).Apply(point)
	// A Pose carries no scale: ApplyPose maps the camera centre through s
	// and composes the rotations, so points away from the centre are rotated
	// but not scaled.
	centre := s.Apply(p.Apply(r3.Vector{}))
	rotated := geometry.NewPose(s.R, r3.Vector{}).Apply(geometry.NewPose(p.R, r3.Vector{}).Apply(point))
	closeVec(t, viaPose, centre.Add(rotated), 1e-9)
}

func TestMat4UsesColumnMajorMgl64Layout(t *testing.T) {
	p := geometry.Identity()
	m := p.Mat4()
	want := mgl64.Ident4()
	for i := range m {
		test.That(t, m[i], test.ShouldAlmostEqual, want[i], 1e-12)
	}
}

func TestQuaternionNormalizationSurvivesRotation(t *testing.T) {
	p := geometry.NewPose(quat.Number{Real: 3, Imag: 0, Jmag: 0, Kmag: 0}, r3.Vector{})
	norm := quat.Abs(p.R)
	test.That(t, math.Abs(norm-1), test.ShouldBeLessThan, 1e-9)
}
