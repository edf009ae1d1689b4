package mapping

// Tracker and id-stream constants (spec.md §4.5). MaxTrackers bounds the
// number of concurrently logged-in trackers; one extra id-stream slot
// (id == MaxTrackers) is reserved for LocalMapping's own MapPoint creations.
const MaxTrackers = 8

// KeyFrameIDSpan is the stride between successive KF ids issued to the same
// tracker: kf.id == tracker_id + k*KeyFrameIDSpan.
const KeyFrameIDSpan = MaxTrackers

// MapPointIDSpan is the stride between successive MP ids issued to the same
// tracker. It is one larger than KeyFrameIDSpan because id MaxTrackers is
// reserved for LocalMapping's own stream.
const MapPointIDSpan = MaxTrackers + 1

// LocalMappingTrackerID is the pseudo-tracker id LocalMapping's own created
// MapPoints are attributed to: mp.id % MapPointIDSpan == LocalMappingTrackerID.
const LocalMappingTrackerID = MaxTrackers

// KFOwningTracker returns the tracker id that allocated a KF id.
func KFOwningTracker(id uint64) uint64 { return id % KeyFrameIDSpan }

// MPOwningTracker returns the tracker id (or LocalMappingTrackerID) that
// allocated an MP id.
func MPOwningTracker(id uint64) uint64 { return id % MapPointIDSpan }
