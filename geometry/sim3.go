package geometry

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Sim3 is a similarity transform: scale + rotation + translation, used to
// align two trajectories at loop closure. p_dst = s*R*p_src + T.
type Sim3 struct {
	S float64
	R quat.Number
	T r3.Vector
}

// Identity3 returns the identity similarity transform.
func Identity3() Sim3 {
	return Sim3{S: 1, R: quat.Number{Real: 1}}
}

// Apply transforms a source-frame point into the destination frame.
func (s Sim3) Apply(point r3.Vector) r3.Vector {
	return rotateVector(s.R, point).Mul(s.S).Add(s.T)
}

// ApplyPose transforms a pose expressed in the source frame into one
// expressed in the destination frame.
func (s Sim3) ApplyPose(p Pose) Pose {
	r := quat.Normalize(quat.Mul(s.R, p.R))
	t := rotateVector(s.R, p.T).Mul(s.S).Add(s.T)
	return Pose{R: r, T: t}
}

// Inverse returns the inverse similarity transform.
func (s Sim3) Inverse() Sim3 {
	rInv := quat.Conj(s.R)
	sInv := 1 / s.S
	tInv := rotateVector(rInv, s.T).Mul(-sInv)
	return Sim3{S: sInv, R: rInv, T: tInv}
}

// Compose returns the transform equivalent to applying s first, then t:
// result.Apply(x) == t.Apply(s.Apply(x)).
func (s Sim3) Compose(t Sim3) Sim3 {
	r := quat.Normalize(quat.Mul(t.R, s.R))
	scale := s.S * t.S
	trans := rotateVector(t.R, s.T).Mul(t.S).Add(t.T)
	return Sim3{S: scale, R: r, T: trans}
}

// EstimateSim3 computes the closed-form similarity transform mapping src
// points onto dst points (Umeyama's method), minimizing sum ||dst_i -
// s*R*src_i - T||^2. Requires len(src) == len(dst) >= 3 and non-degenerate
// (non-collinear) point sets.
func EstimateSim3(src, dst []r3.Vector) (Sim3, error) {
	n := len(src)
	if n != len(dst) {
		return Sim3{}, errLenMismatch
	}
	if n < 3 {
		return Sim3{}, errTooFewPoints
	}

	var srcMean, dstMean r3.Vector
	for i := 0; i < n; i++ {
		srcMean = srcMean.Add(src[i])
		dstMean = dstMean.Add(dst[i])
	}
	srcMean = srcMean.Mul(1 / float64(n))
	dstMean = dstMean.Mul(1 / float64(n))

	cov := mat.NewDense(3, 3, nil)
	var srcVar float64
	for i := 0; i < n; i++ {
		sc := src[i].Sub(srcMean)
		dc := dst[i].Sub(dstMean)
		srcVar += sc.Dot(sc)
		cov.Set(0, 0, cov.At(0, 0)+dc.X*sc.X)
		cov.Set(0, 1, cov.At(0, 1)+dc.X*sc.Y)
		cov.Set(0, 2, cov.At(0, 2)+dc.X*sc.Z)
		cov.Set(1, 0, cov.At(1, 0)+dc.Y*sc.X)
		cov.Set(1, 1, cov.At(1, 1)+dc.Y*sc.Y)
		cov.Set(1, 2, cov.At(1, 2)+dc.Y*sc.Z)
		cov.Set(2, 0, cov.At(2, 0)+dc.Z*sc.X)
		cov.Set(2, 1, cov.At(2, 1)+dc.Z*sc.Y)
		cov.Set(2, 2, cov.At(2, 2)+dc.Z*sc.Z)
	}
	cov.Scale(1/float64(n), cov)
	srcVar /= float64(n)

	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		return Sim3{}, errSVDFailed
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	det := mat.Det(&u) * mat.Det(&v)
	s3 := mat.NewDiagDense(3, []float64{1, 1, 1})
	if det < 0 {
		s3.SetDiag(2, -1)
	}

	var rot mat.Dense
	rot.Mul(&u, s3)
	rot.Mul(&rot, v.T())

	trace := sv[0] + sv[1]
	if det < 0 {
		trace += -sv[2]
	} else {
		trace += sv[2]
	}
	scale := trace / srcVar

	rq := mat3ToQuat(denseToMat3(&rot))

	dstVec := r3.Vector{X: dstMean.X, Y: dstMean.Y, Z: dstMean.Z}
	srcRot := rotateVector(rq, srcMean).Mul(scale)
	t := dstVec.Sub(srcRot)

	return Sim3{S: scale, R: rq, T: t}, nil
}

func denseToMat3(d *mat.Dense) (m mgl64.Mat3) {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r*3+c] = d.At(r, c)
		}
	}
	return m
}
