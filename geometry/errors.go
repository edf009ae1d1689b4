package geometry

import "github.com/pkg/errors"

var (
	errLenMismatch  = errors.New("geometry: src and dst point sets have different lengths")
	errTooFewPoints = errors.New("geometry: need at least 3 point correspondences")
	errSVDFailed    = errors.New("geometry: SVD factorization did not converge")
)
