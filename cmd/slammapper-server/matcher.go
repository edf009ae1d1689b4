package main

import (
	"github.com/golang/geo/r3"

	"go.mapkit.dev/slammapper/localmapping"
	"go.mapkit.dev/slammapper/mapping"
)

// noFeatureMatcher stands in for the feature-extraction/ORB-matching
// collaborator spec.md §1 places out of scope: epipolar search,
// descriptor matching, and triangulation against a real image pyramid.
// LocalMapping and LoopClosing only sequence whatever a Matcher returns, so
// wiring one in is required to run the worker loops at all; this
// implementation reports no matches, which is a correct (if inert) answer
// until a real tracker-side matcher is wired in its place.
type noFeatureMatcher struct{}

func (noFeatureMatcher) MatchAndTriangulate(kf1, kf2 *mapping.KeyFrame) ([]localmapping.TriangulatedPoint, error) {
	return nil, nil
}

func (noFeatureMatcher) MatchFeatures(a, b *mapping.KeyFrame) (srcPoints, dstPoints []r3.Vector, err error) {
	return nil, nil, nil
}
