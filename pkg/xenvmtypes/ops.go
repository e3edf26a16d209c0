package xenvmtypes

import "encoding/json"

// OpKind names one redo-log operation. Every op is idempotent: replaying
// it twice has the same observable effect as replaying it once.
type OpKind string

const (
	OpCreateLV       OpKind = "create_lv"
	OpRemoveLV       OpKind = "remove_lv"
	OpExpandLV       OpKind = "expand_lv"
	OpCropLV         OpKind = "crop_lv"
	OpRenameLV       OpKind = "rename_lv"
	OpSetStatus      OpKind = "set_status"
	OpAddTag         OpKind = "add_tag"
	OpRemoveTag      OpKind = "remove_tag"
	OpFreeAllocation OpKind = "free_allocation"
	OpCreateHostLV   OpKind = "create_host_lv"
	OpRemoveHostLV   OpKind = "remove_host_lv"
	OpAllocateLV     OpKind = "allocate_lv"
)

// Op is the envelope every redo-log entry travels in: a kind tag plus its
// kind-specific payload, encoded the way the journal persists and replays
// it (see pkg/journal).
type Op struct {
	Kind OpKind          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// CreateLVOp creates a new, initially empty, logical volume.
type CreateLVOp struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status []LVStatus `json:"status"`
	Tags   []string   `json:"tags"`
}

// RemoveLVOp deletes a logical volume, returning its segments to FreeSpace.
type RemoveLVOp struct {
	ID string `json:"id"`
}

// ExpandLVOp appends segments to an LV's segment list.
type ExpandLVOp struct {
	ID       string    `json:"id"`
	Segments []Segment `json:"segments"`
}

// CropLVOp removes a set of segments from an LV's segment list without
// returning them to FreeSpace (they are owned by another LV already).
type CropLVOp struct {
	ID       string    `json:"id"`
	Segments []Segment `json:"segments"`
}

// RenameLVOp changes an LV's name.
type RenameLVOp struct {
	ID      string `json:"id"`
	NewName string `json:"new_name"`
}

// SetStatusOp replaces an LV's status flag set.
type SetStatusOp struct {
	ID     string     `json:"id"`
	Status []LVStatus `json:"status"`
}

// TagOp adds or removes a single tag, depending on the Op's Kind.
type TagOp struct {
	ID  string `json:"id"`
	Tag string `json:"tag"`
}

// FreeAllocationOp extends host H's "<H>-free" LV by Extents and hands
// those same extents to the host over its fromLVM ring.
type FreeAllocationOp struct {
	Host    string    `json:"host"`
	Extents []Segment `json:"extents"`
}

// HostLVOp records the creation or removal of one of a host's three
// reserved bookkeeping LVs, so extent-conservation invariants apply
// uniformly to host-owned extents. Segments is only populated (and
// only meaningful) for create: the extents drawn from free_space to
// back the new LV, chosen before the op was journaled so replay is
// deterministic.
type HostLVOp struct {
	Host     string    `json:"host"`
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Segments []Segment `json:"segments,omitempty"`
}

// AllocateLVOp grows an LV directly from the VG's free_space pool (not
// from a host's free LV): dispatch's CreateLV/ResizeLV path uses this,
// as opposed to ExpandLVOp which transfers already-allocated extents
// out of a host's free pool.
type AllocateLVOp struct {
	ID       string    `json:"id"`
	Segments []Segment `json:"segments"`
}

// Encode wraps a payload in an Op envelope with the given kind.
func Encode(kind OpKind, payload interface{}) (Op, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Op{}, err
	}
	return Op{Kind: kind, Data: data}, nil
}
