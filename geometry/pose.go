// Package geometry provides the rigid and similarity transforms the mapping
// back-end needs: KeyFrame poses (SE(3)) and loop-closure alignment (Sim(3)).
package geometry

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

func sqrt(x float64) float64 { return math.Sqrt(x) }

// Pose is a rigid transform from world coordinates into camera coordinates
// ("Tcw" in the source material): p_cam = R*p_world + T.
type Pose struct {
	R quat.Number
	T r3.Vector
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{R: quat.Number{Real: 1}, T: r3.Vector{}}
}

// NewPose builds a Pose from a rotation quaternion (need not be pre-normalized)
// and a translation vector.
func NewPose(r quat.Number, t r3.Vector) Pose {
	return Pose{R: quat.Normalize(r), T: t}
}

// Apply transforms a world point into camera coordinates.
func (p Pose) Apply(point r3.Vector) r3.Vector {
	return rotateVector(p.R, point).Add(p.T)
}

// Inverse returns the inverse transform (camera-to-world).
func (p Pose) Inverse() Pose {
	rInv := quat.Conj(p.R)
	tInv := rotateVector(rInv, p.T).Mul(-1)
	return Pose{R: rInv, T: tInv}
}

// Compose returns the pose equivalent to applying p first, then q:
// result.Apply(x) == q.Apply(p.Apply(x)).
func (p Pose) Compose(q Pose) Pose {
	r := quat.Normalize(quat.Mul(q.R, p.R))
	t := rotateVector(q.R, p.T).Add(q.T)
	return Pose{R: r, T: t}
}

// Mat4 returns the pose as a 4x4 homogeneous transform matrix, row-major,
// matching the wire format's matrix layout.
func (p Pose) Mat4() mgl64.Mat4 {
	rot := quatToMat3(p.R)
	return mgl64.Mat4{
		rot[0], rot[1], rot[2], 0,
		rot[3], rot[4], rot[5], 0,
		rot[6], rot[7], rot[8], 0,
		p.T.X, p.T.Y, p.T.Z, 1,
	}
}

// PoseFromMat4 reconstructs a Pose from a 4x4 homogeneous transform matrix in
// the same column layout Mat4 produces.
func PoseFromMat4(m mgl64.Mat4) Pose {
	rot := mgl64.Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
	return Pose{R: mat3ToQuat(rot), T: r3.Vector{X: m[12], Y: m[13], Z: m[14]}}
}

func rotateVector(r quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	out := quat.Mul(quat.Mul(r, p), quat.Conj(r))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

func quatToMat3(q quat.Number) [9]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
}

func mat3ToQuat(m mgl64.Mat3) quat.Number {
	trace := m[0] + m[4] + m[8]
	switch {
	case trace > 0:
		s := 0.5 / sqrt(trace+1.0)
		return quat.Number{
			Real: 0.25 / s,
			Imag: (m[7] - m[5]) * s,
			Jmag: (m[2] - m[6]) * s,
			Kmag: (m[3] - m[1]) * s,
		}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2.0 * sqrt(1.0+m[0]-m[4]-m[8])
		return quat.Normalize(quat.Number{
			Real: (m[7] - m[5]) / s,
			Imag: 0.25 * s,
			Jmag: (m[1] + m[3]) / s,
			Kmag: (m[2] + m[6]) / s,
		})
	case m[4] > m[8]:
		s := 2.0 * sqrt(1.0+m[4]-m[0]-m[8])
		return quat.Normalize(quat.Number{
			Real: (m[2] - m[6]) / s,
			Imag: (m[1] + m[3]) / s,
			Jmag: 0.25 * s,
			Kmag: (m[5] + m[7]) / s,
		})
	default:
		s := 2.0 * sqrt(1.0+m[8]-m[0]-m[4])
		return quat.Normalize(quat.Number{
			Real: (m[3] - m[1]) / s,
			Imag: (m[2] + m[6]) / s,
			Jmag: (m[5] + m[7]) / s,
			Kmag: 0.25 * s,
		})
	}
}
