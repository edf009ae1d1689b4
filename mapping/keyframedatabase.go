package mapping

import "sort"

// candidateOverlapRatio/groupScoreRatio are the thresholds from spec.md
// §4.2: candidates below 0.8x the max word-overlap are discarded; groups
// below 0.75x the best group score are discarded.
const (
	candidateOverlapRatio = 0.8
	groupScoreRatio       = 0.75
	minCandidateScore     = 0.0
	covisibleGroupSize    = 10
)

// KeyFrameDatabase is an inverted index word-id -> KFs carrying that word,
// supporting loop-candidate and relocalisation-candidate queries over BoW
// similarity (spec.md §4.2).
type KeyFrameDatabase struct {
	inverted map[uint32]map[uint64]int // word -> kfID -> times word appears
	kfBoW    map[uint64]BoWVector
}

// NewKeyFrameDatabase constructs an empty database.
func NewKeyFrameDatabase() *KeyFrameDatabase {
	return &KeyFrameDatabase{
		inverted: make(map[uint32]map[uint64]int),
		kfBoW:    make(map[uint64]BoWVector),
	}
}

// Add indexes kf's BoW vector.
func (db *KeyFrameDatabase) Add(kf *KeyFrame) {
	db.kfBoW[kf.ID] = kf.BoW
	for word := range kf.BoW {
		bucket, ok := db.inverted[word]
		if !ok {
			bucket = make(map[uint64]int)
			db.inverted[word] = bucket
		}
		bucket[kf.ID]++
	}
}

// Erase removes kf from the index.
func (db *KeyFrameDatabase) Erase(kf *KeyFrame) {
	for word := range kf.BoW {
		if bucket, ok := db.inverted[word]; ok {
			delete(bucket, kf.ID)
			if len(bucket) == 0 {
				delete(db.inverted, word)
			}
		}
	}
	delete(db.kfBoW, kf.ID)
}

// Clear empties the database.
func (db *KeyFrameDatabase) Clear() {
	db.inverted = make(map[uint32]map[uint64]int)
	db.kfBoW = make(map[uint64]BoWVector)
}

// Candidate is one surviving loop/relocalisation candidate.
type Candidate struct {
	KeyFrameID uint64
	Score      float64
}

// wordOverlapCounts returns, for every KF sharing at least one word with
// query, the number of shared words.
func (db *KeyFrameDatabase) wordOverlapCounts(query BoWVector, exclude map[uint64]struct{}) map[uint64]int {
	counts := make(map[uint64]int)
	for word := range query {
		bucket, ok := db.inverted[word]
		if !ok {
			continue
		}
		for kfID := range bucket {
			if _, skip := exclude[kfID]; skip {
				continue
			}
			counts[kfID]++
		}
	}
	return counts
}

// bowSimilarity computes an L1-based BoW similarity score: 1 - 0.5*|a-b|_1,
// normalized so identical vectors score 1 and disjoint vectors score
// towards 0, the same normalization ORB-SLAM2's DBoW2 score() uses.
func bowSimilarity(a, b BoWVector) float64 {
	var l1 float64
	seen := make(map[uint32]struct{}, len(a)+len(b))
	for word, wa := range a {
		wb := b[word]
		l1 += absf(wa - wb)
		seen[word] = struct{}{}
	}
	for word, wb := range b {
		if _, ok := seen[word]; ok {
			continue
		}
		l1 += absf(wb)
	}
	score := 1 - 0.5*l1
	if score < 0 {
		score = 0
	}
	return score
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// queryCandidates implements the shared loop-candidate / relocalisation
// pipeline: word-overlap filtering, BoW-similarity scoring, accumulation
// into covisibility groups (KF + its top covisibleGroupSize covisibles),
// group-score thresholding, best-KF-per-group selection.
func (db *KeyFrameDatabase) queryCandidates(query BoWVector, exclude map[uint64]struct{}, covisible func(id uint64) []uint64) []Candidate {
	overlap := db.wordOverlapCounts(query, exclude)
	if len(overlap) == 0 {
		return nil
	}

	maxOverlap := 0
	for _, c := range overlap {
		if c > maxOverlap {
			maxOverlap = c
		}
	}
	minOverlap := int(candidateOverlapRatio * float64(maxOverlap))

	type scored struct {
		id    uint64
		score float64
	}
	var survivors []scored
	for id, c := range overlap {
		if c < minOverlap {
			continue
		}
		bow, ok := db.kfBoW[id]
		if !ok {
			continue
		}
		score := bowSimilarity(query, bow)
		if score < minCandidateScore {
			continue
		}
		survivors = append(survivors, scored{id, score})
	}
	if len(survivors) == 0 {
		return nil
	}

	survivorScore := make(map[uint64]float64, len(survivors))
	for _, s := range survivors {
		survivorScore[s.id] = s.score
	}

	type group struct {
		bestID    uint64
		bestScore float64
		total     float64
	}
	groups := make([]group, 0, len(survivors))
	for _, s := range survivors {
		g := group{bestID: s.id, bestScore: s.score, total: s.score}
		peers := covisible(s.id)
		if len(peers) > covisibleGroupSize {
			peers = peers[:covisibleGroupSize]
		}
		for _, peer := range peers {
			if sc, ok := survivorScore[peer]; ok {
				g.total += sc
				if sc > g.bestScore {
					g.bestScore = sc
					g.bestID = peer
				}
			}
		}
		groups = append(groups, g)
	}

	bestGroupScore := 0.0
	for _, g := range groups {
		if g.total > bestGroupScore {
			bestGroupScore = g.total
		}
	}
	threshold := groupScoreRatio * bestGroupScore

	seenBest := make(map[uint64]struct{})
	var out []Candidate
	for _, g := range groups {
		if g.total < threshold {
			continue
		}
		if _, dup := seenBest[g.bestID]; dup {
			continue
		}
		seenBest[g.bestID] = struct{}{}
		out = append(out, Candidate{KeyFrameID: g.bestID, Score: g.bestScore})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// LoopCandidates returns loop-closure candidates for q, excluding q's own
// covisible set, per spec.md §4.2.
func (db *KeyFrameDatabase) LoopCandidates(q *KeyFrame, m *Map) []Candidate {
	exclude := map[uint64]struct{}{q.ID: {}}
	for peer := range q.AllCovisible() {
		exclude[peer] = struct{}{}
	}
	return db.queryCandidates(q.BoW, exclude, func(id uint64) []uint64 {
		if kf, ok := m.GetKeyFrame(id); ok {
			return kf.BestCovisible(-1)
		}
		return nil
	})
}

// RelocalizationCandidates returns relocalisation candidates for a query
// BoW vector (from a not-yet-mapped frame), with no covisibility exclusion.
func (db *KeyFrameDatabase) RelocalizationCandidates(query BoWVector, m *Map) []Candidate {
	return db.queryCandidates(query, nil, func(id uint64) []uint64 {
		if kf, ok := m.GetKeyFrame(id); ok {
			return kf.BestCovisible(-1)
		}
		return nil
	})
}
