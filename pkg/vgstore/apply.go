package vgstore

import (
	"fmt"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// Every Apply* function below is idempotent: the journal replays the
// same op after a crash, so a second application must leave the VG in
// the same state the first application produced.

// ApplyCreateLV inserts a new, empty logical volume. Replaying an
// already-present ID is a no-op.
func ApplyCreateLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.CreateLVOp) error {
	if _, ok := vg.LVs[op.ID]; ok {
		return nil
	}
	tags := make(map[string]bool, len(op.Tags))
	for _, t := range op.Tags {
		tags[t] = true
	}
	vg.LVs[op.ID] = &xenvmtypes.LogicalVolume{
		ID:     op.ID,
		Name:   op.Name,
		Status: append([]xenvmtypes.LVStatus(nil), op.Status...),
		Tags:   tags,
	}
	vg.Reindex()
	return nil
}

// ApplyRemoveLV deletes a logical volume and returns its segments to
// free_space. Replaying after the LV has already been removed is a
// no-op.
func ApplyRemoveLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.RemoveLVOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return nil
	}
	ReturnExtents(vg, segmentsToRanges(lv.Segments))
	delete(vg.LVs, op.ID)
	vg.Reindex()
	return nil
}

// ApplyExpandLV appends segments to an LV's segment list, ownership
// transfer, not a free_space allocation. Segments already present
// (matched by PV+PhysicalStart+Length) are skipped.
func ApplyExpandLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.ExpandLVOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return fmt.Errorf("vgstore: expand: %w: lv %s", xenvmtypes.ErrNotFound, op.ID)
	}
	for _, s := range op.Segments {
		if !hasSegment(lv.Segments, s) {
			lv.Segments = append(lv.Segments, s)
		}
	}
	return nil
}

// ApplyCropLV removes segments from an LV's segment list without
// returning them to free_space, they are owned by another LV already
// by the time this runs. A cropped range may be a sub-range of a
// larger stored segment (a host rarely takes a whole free-pool segment
// at once), so each crop is resolved against whichever existing
// segment contains it and that segment is split into its surviving
// head and/or tail. A range that matches nothing is tolerated (already
// cropped by a prior, not-yet-acknowledged application).
func ApplyCropLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.CropLVOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return fmt.Errorf("vgstore: crop: %w: lv %s", xenvmtypes.ErrNotFound, op.ID)
	}
	for _, s := range op.Segments {
		lv.Segments = cropSegment(lv.Segments, s)
	}
	return nil
}

// cropSegment removes s from segs, splitting whichever existing entry
// contains it into its surviving head and/or tail.
func cropSegment(segs []xenvmtypes.Segment, s xenvmtypes.Segment) []xenvmtypes.Segment {
	for i, existing := range segs {
		if existing.PV != s.PV || s.PhysicalStart < existing.PhysicalStart || s.PhysicalStart+s.Length > existing.PhysicalStart+existing.Length {
			continue
		}
		var replacement []xenvmtypes.Segment
		if head := s.PhysicalStart - existing.PhysicalStart; head > 0 {
			replacement = append(replacement, xenvmtypes.Segment{
				PV: existing.PV, PhysicalStart: existing.PhysicalStart,
				LogicalStart: existing.LogicalStart, Length: head,
			})
		}
		if tail := (existing.PhysicalStart + existing.Length) - (s.PhysicalStart + s.Length); tail > 0 {
			replacement = append(replacement, xenvmtypes.Segment{
				PV: existing.PV, PhysicalStart: s.PhysicalStart + s.Length,
				LogicalStart: existing.LogicalStart + (s.PhysicalStart + s.Length - existing.PhysicalStart),
				Length: tail,
			})
		}
		out := make([]xenvmtypes.Segment, 0, len(segs)-1+len(replacement))
		out = append(out, segs[:i]...)
		out = append(out, replacement...)
		out = append(out, segs[i+1:]...)
		return out
	}
	return segs
}

// ApplyRenameLV changes an LV's name.
func ApplyRenameLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.RenameLVOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return fmt.Errorf("vgstore: rename: %w: lv %s", xenvmtypes.ErrNotFound, op.ID)
	}
	lv.Name = op.NewName
	vg.Reindex()
	return nil
}

// ApplySetStatus replaces an LV's status flags.
func ApplySetStatus(vg *xenvmtypes.VolumeGroup, op xenvmtypes.SetStatusOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return fmt.Errorf("vgstore: set_status: %w: lv %s", xenvmtypes.ErrNotFound, op.ID)
	}
	lv.Status = append([]xenvmtypes.LVStatus(nil), op.Status...)
	return nil
}

// ApplyAddTag adds a tag; adding one already present is a no-op.
func ApplyAddTag(vg *xenvmtypes.VolumeGroup, op xenvmtypes.TagOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return fmt.Errorf("vgstore: add_tag: %w: lv %s", xenvmtypes.ErrNotFound, op.ID)
	}
	lv.Tags[op.Tag] = true
	return nil
}

// ApplyRemoveTag removes a tag; removing one already absent is a no-op.
func ApplyRemoveTag(vg *xenvmtypes.VolumeGroup, op xenvmtypes.TagOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return fmt.Errorf("vgstore: remove_tag: %w: lv %s", xenvmtypes.ErrNotFound, op.ID)
	}
	delete(lv.Tags, op.Tag)
	return nil
}

// ApplyFreeAllocation consumes extents from free_space (if still
// present there, a no-op on replay once a prior application already
// consumed them) and extends host H's free-pool LV with them. Both
// halves are idempotent, so replaying this op after a crash has the
// same observable effect as applying it once.
func ApplyFreeAllocation(vg *xenvmtypes.VolumeGroup, freeLVID string, extents []xenvmtypes.Segment) error {
	lv, ok := vg.LVs[freeLVID]
	if !ok {
		return fmt.Errorf("vgstore: free_allocation: %w: lv %s", xenvmtypes.ErrNotFound, freeLVID)
	}
	for _, s := range extents {
		removeSpecificRange(vg, xenvmtypes.ExtentRange{PV: s.PV, Start: s.PhysicalStart, Length: s.Length})
		if !hasSegment(lv.Segments, s) {
			lv.Segments = append(lv.Segments, s)
		}
	}
	return nil
}

// ApplyAllocateLV grows an LV directly out of the VG's free_space, for
// LV creation/resize requests that did not come through a host's free
// pool. Idempotent the same way as ApplyFreeAllocation: re-applying
// after a crash finds the segments already removed from free_space and
// already present on the LV, so it is a no-op the second time.
func ApplyAllocateLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.AllocateLVOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return fmt.Errorf("vgstore: allocate: %w: lv %s", xenvmtypes.ErrNotFound, op.ID)
	}
	for _, s := range op.Segments {
		removeSpecificRange(vg, xenvmtypes.ExtentRange{PV: s.PV, Start: s.PhysicalStart, Length: s.Length})
		if !hasSegment(lv.Segments, s) {
			lv.Segments = append(lv.Segments, s)
		}
	}
	return nil
}

// ApplyCreateHostLV inserts one of a host's three reserved LVs, backed
// by the extents chosen (from free_space) when the op was built.
// Replaying an already-present ID is a no-op; replaying the free_space
// consumption is handled the same idempotent way as ApplyFreeAllocation.
func ApplyCreateHostLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.HostLVOp) error {
	if _, ok := vg.LVs[op.ID]; ok {
		return nil
	}
	for _, s := range op.Segments {
		removeSpecificRange(vg, xenvmtypes.ExtentRange{PV: s.PV, Start: s.PhysicalStart, Length: s.Length})
	}
	vg.LVs[op.ID] = &xenvmtypes.LogicalVolume{
		ID:       op.ID,
		Name:     op.Name,
		Tags:     map[string]bool{},
		Segments: append([]xenvmtypes.Segment(nil), op.Segments...),
	}
	vg.Reindex()
	return nil
}

// ApplyRemoveHostLV deletes a reserved host LV and returns its extents
// to free_space. Replaying after removal is a no-op.
func ApplyRemoveHostLV(vg *xenvmtypes.VolumeGroup, op xenvmtypes.HostLVOp) error {
	lv, ok := vg.LVs[op.ID]
	if !ok {
		return nil
	}
	ReturnExtents(vg, segmentsToRanges(lv.Segments))
	delete(vg.LVs, op.ID)
	vg.Reindex()
	return nil
}

func segmentsToRanges(segs []xenvmtypes.Segment) []xenvmtypes.ExtentRange {
	out := make([]xenvmtypes.ExtentRange, len(segs))
	for i, s := range segs {
		out[i] = xenvmtypes.ExtentRange{PV: s.PV, Start: s.PhysicalStart, Length: s.Length}
	}
	return out
}

func hasSegment(segs []xenvmtypes.Segment, s xenvmtypes.Segment) bool {
	for _, existing := range segs {
		if existing.PV == s.PV && existing.PhysicalStart == s.PhysicalStart && existing.Length == s.Length {
			return true
		}
	}
	return false
}
