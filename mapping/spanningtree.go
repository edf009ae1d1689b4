package mapping

import "sort"

// CullKeyFrame marks kf bad and re-parents its spanning-tree children to
// whichever of the remaining live covisible KFs (considering each child's
// own covisibility list, not kf's) has the highest weight with that child,
// tie-broken by lower id (spec.md scenario 5). If kf is pinned (not-erase
// count > 0), the cull is deferred; RequestBad reports this via its return
// value and CullKeyFrame returns false without touching the tree.
func (m *Map) CullKeyFrame(id uint64) (culled bool, err error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	kf, ok := m.keyframes[id]
	if !ok {
		return false, ErrNotFound
	}
	if !kf.RequestBad() {
		return false, nil
	}

	parentID, hasParent := kf.Parent()
	if hasParent {
		if parent, ok := m.keyframes[parentID]; ok {
			parentPose := parent.Pose()
			kf.snapshotTcp(parentPose.Inverse())
		}
	}

	liveCandidates := make(map[uint64]*KeyFrame)
	for peer := range kf.AllCovisible() {
		if peer == id {
			continue
		}
		if p, ok := m.keyframes[peer]; ok && !p.IsBad() {
			liveCandidates[peer] = p
		}
	}
	if hasParent {
		if p, ok := m.keyframes[parentID]; ok && !p.IsBad() {
			liveCandidates[parentID] = p
		}
	}

	children := kf.Children()
	for _, childID := range children {
		child, ok := m.keyframes[childID]
		if !ok {
			continue
		}
		newParent := bestReparentCandidate(child, liveCandidates)
		if !newParent.found {
			if hasParent {
				newParent = reparentCandidate{id: parentID, found: true}
			} else {
				continue
			}
		}
		child.SetParent(newParent.id)
		if np, ok := m.keyframes[newParent.id]; ok {
			np.AddChild(childID)
		}
		liveCandidates[childID] = child
	}

	for peer := range kf.AllCovisible() {
		if p, ok := m.keyframes[peer]; ok {
			p.SetCovisibilityWeight(id, 0)
		}
	}
	if hasParent {
		if p, ok := m.keyframes[parentID]; ok {
			p.RemoveChild(id)
		}
	}
	kf.ClearParent()

	m.emit(ChangeEvent{Kind: KeyFrameUpdated, ID: id})
	return true, nil
}

type reparentCandidate struct {
	id    uint64
	found bool
}

// bestReparentCandidate picks, among candidates, the one with the highest
// covisibility weight to child, tie-broken by lower id.
func bestReparentCandidate(child *KeyFrame, candidates map[uint64]*KeyFrame) reparentCandidate {
	var ids []uint64
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	best := reparentCandidate{}
	bestWeight := -1
	for _, id := range ids {
		w := child.CovisibilityWeight(id)
		if w > bestWeight {
			bestWeight = w
			best = reparentCandidate{id: id, found: true}
		}
	}
	return best
}

// IsSpanningTreeAcyclic walks every live KF's parent chain and reports
// whether the spanning tree over live KFs is acyclic with exactly one root,
// used by tests asserting spec.md §8's invariants.
func (m *Map) IsSpanningTreeAcyclic() bool {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	roots := 0
	liveCount := 0
	for id, kf := range m.keyframes {
		if kf.IsBad() {
			continue
		}
		liveCount++
		parent, hasParent := kf.Parent()
		if !hasParent {
			roots++
			continue
		}
		visited := map[uint64]struct{}{id: {}}
		cur := parent
		for {
			if _, seen := visited[cur]; seen {
				return false
			}
			visited[cur] = struct{}{}
			next, ok := m.keyframes[cur]
			if !ok {
				break
			}
			p, has := next.Parent()
			if !has {
				break
			}
			cur = p
		}
	}
	return roots == 1 || liveCount == 0
}
