package vgstore

import "github.com/cheng-z/xenvm/pkg/xenvmtypes"

// AllocResult is the outcome of a free-extent search.
type AllocResult struct {
	// Extents holds the physical ranges allocated, when OnlyThisMuch
	// is false.
	Extents []xenvmtypes.ExtentRange
	// OnlyThisMuch is true when no single free_space range held the
	// requested count; Available reports the largest contiguous run
	// actually found (0 if the VG has no free space at all). Callers
	// must treat this as "nothing allocated, try again later."
	OnlyThisMuch bool
	Available    int64
}

// FindFreeExtents performs a first-fit search of vg.FreeSpace for a
// single contiguous run of want extents and, if found, removes it from
// FreeSpace and returns it. Extents never span two PVs: a free run is
// only ever a single ExtentRange, so a partial match against the
// largest available range is reported via OnlyThisMuch rather than
// assembled from several PVs.
func FindFreeExtents(vg *xenvmtypes.VolumeGroup, want int64) AllocResult {
	if want <= 0 {
		return AllocResult{}
	}
	for i, r := range vg.FreeSpace {
		if r.Length < want {
			continue
		}
		taken := xenvmtypes.ExtentRange{PV: r.PV, Start: r.Start, Length: want}
		if r.Length == want {
			vg.FreeSpace = append(vg.FreeSpace[:i], vg.FreeSpace[i+1:]...)
		} else {
			vg.FreeSpace[i] = xenvmtypes.ExtentRange{PV: r.PV, Start: r.Start + want, Length: r.Length - want}
		}
		return AllocResult{Extents: []xenvmtypes.ExtentRange{taken}}
	}

	var best int64
	for _, r := range vg.FreeSpace {
		if r.Length > best {
			best = r.Length
		}
	}
	return AllocResult{OnlyThisMuch: true, Available: best}
}

// PeekFreeExtents performs the same first-fit search as FindFreeExtents
// but never mutates vg.FreeSpace. The free-pool controller uses this to
// decide what to put in a FreeAllocation op; the actual, idempotent
// removal from free_space happens later, when the journal applies that
// op (see ApplyFreeAllocation), so a crash between the decision and the
// journal write loses nothing and double-applies nothing.
func PeekFreeExtents(vg *xenvmtypes.VolumeGroup, want int64) AllocResult {
	if want <= 0 {
		return AllocResult{}
	}
	for _, r := range vg.FreeSpace {
		if r.Length < want {
			continue
		}
		return AllocResult{Extents: []xenvmtypes.ExtentRange{{PV: r.PV, Start: r.Start, Length: want}}}
	}
	var best int64
	for _, r := range vg.FreeSpace {
		if r.Length > best {
			best = r.Length
		}
	}
	return AllocResult{OnlyThisMuch: true, Available: best}
}

// removeSpecificRange idempotently removes exactly r from vg.FreeSpace:
// if a free_space range on the same PV still covers r, it is split
// around r; if r is no longer present (a previous, not-yet-acknowledged
// application already removed it), this is a no-op.
func removeSpecificRange(vg *xenvmtypes.VolumeGroup, r xenvmtypes.ExtentRange) {
	for i, fr := range vg.FreeSpace {
		if fr.PV != r.PV || r.Start < fr.Start || r.Start+r.Length > fr.Start+fr.Length {
			continue
		}
		var replacement []xenvmtypes.ExtentRange
		if head := r.Start - fr.Start; head > 0 {
			replacement = append(replacement, xenvmtypes.ExtentRange{PV: fr.PV, Start: fr.Start, Length: head})
		}
		if tail := (fr.Start + fr.Length) - (r.Start + r.Length); tail > 0 {
			replacement = append(replacement, xenvmtypes.ExtentRange{PV: fr.PV, Start: r.Start + r.Length, Length: tail})
		}
		vg.FreeSpace = append(vg.FreeSpace[:i], append(replacement, vg.FreeSpace[i+1:]...)...)
		return
	}
}

// ReturnExtents adds ranges back to vg.FreeSpace, coalescing adjacent
// runs on the same PV so FreeSpace never accumulates artificial
// fragmentation from returns.
func ReturnExtents(vg *xenvmtypes.VolumeGroup, ranges []xenvmtypes.ExtentRange) {
	for _, r := range ranges {
		vg.FreeSpace = append(vg.FreeSpace, r)
	}
	coalesce(vg)
}

func coalesce(vg *xenvmtypes.VolumeGroup) {
	byPV := make(map[string][]xenvmtypes.ExtentRange)
	for _, r := range vg.FreeSpace {
		byPV[r.PV] = append(byPV[r.PV], r)
	}
	merged := make([]xenvmtypes.ExtentRange, 0, len(vg.FreeSpace))
	for pv, ranges := range byPV {
		for i := 0; i < len(ranges); i++ {
			for j := i + 1; j < len(ranges); j++ {
				if ranges[j].Start < ranges[i].Start {
					ranges[i], ranges[j] = ranges[j], ranges[i]
				}
			}
		}
		cur := ranges[0]
		for _, next := range ranges[1:] {
			if cur.Start+cur.Length == next.Start {
				cur.Length += next.Length
				continue
			}
			merged = append(merged, cur)
			cur = next
		}
		merged = append(merged, cur)
		_ = pv
	}
	vg.FreeSpace = merged
}
