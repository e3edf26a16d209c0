package xenvmtypes

// LVStatus is one of the flags a logical volume can carry.
type LVStatus string

const (
	StatusRead    LVStatus = "read"
	StatusWrite   LVStatus = "write"
	StatusVisible LVStatus = "visible"
)

// Segment maps a contiguous range of an LV's logical extents onto a
// contiguous range of a PV's physical extents.
type Segment struct {
	LogicalStart  int64  `json:"logical_start"`
	Length        int64  `json:"length"`
	PV            string `json:"pv"`
	PhysicalStart int64  `json:"physical_start"`
}

// ExtentRange is a contiguous run of free physical extents on a PV.
type ExtentRange struct {
	PV     string `json:"pv"`
	Start  int64  `json:"start"`
	Length int64  `json:"length"`
}

// LogicalVolume is the daemon's in-memory view of one LV.
type LogicalVolume struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Status   []LVStatus      `json:"status"`
	Tags     map[string]bool `json:"tags"`
	Segments []Segment       `json:"segments"`
}

// SizeInExtents returns the sum of the LV's segment lengths.
func (lv *LogicalVolume) SizeInExtents() int64 {
	var total int64
	for _, s := range lv.Segments {
		total += s.Length
	}
	return total
}

// HasTag reports whether the LV carries the given tag.
func (lv *LogicalVolume) HasTag(tag string) bool {
	return lv.Tags[tag]
}

// HasStatus reports whether the LV carries the given status flag.
func (lv *LogicalVolume) HasStatus(s LVStatus) bool {
	for _, v := range lv.Status {
		if v == s {
			return true
		}
	}
	return false
}

// PVInfo describes one physical volume contributing extents to the VG.
type PVInfo struct {
	Name    string `json:"name"`
	Device  string `json:"device"`
	Extents int64  `json:"extents"`
}

// VolumeGroup is the authoritative in-memory view of the VG, mirrored to
// disk by pkg/vgstore. The union of every LV's segments and FreeSpace
// exactly partitions the PV extent space; extents are never double-owned.
type VolumeGroup struct {
	Name          string          `json:"name"`
	ExtentSectors int64           `json:"extent_sectors"`
	PVs           []PVInfo        `json:"pvs"`
	FreeSpace     []ExtentRange   `json:"free_space"`
	LVs           map[string]*LogicalVolume `json:"lvs"` // keyed by LV UUID
	namesToIDs    map[string]string
}

// Clone returns a deep copy of the VG suitable for a read snapshot or for
// mutation inside a Store.write closure.
func (vg *VolumeGroup) Clone() *VolumeGroup {
	out := &VolumeGroup{
		Name:          vg.Name,
		ExtentSectors: vg.ExtentSectors,
		PVs:           append([]PVInfo(nil), vg.PVs...),
		FreeSpace:     append([]ExtentRange(nil), vg.FreeSpace...),
		LVs:           make(map[string]*LogicalVolume, len(vg.LVs)),
	}
	for id, lv := range vg.LVs {
		cp := *lv
		cp.Status = append([]LVStatus(nil), lv.Status...)
		cp.Segments = append([]Segment(nil), lv.Segments...)
		cp.Tags = make(map[string]bool, len(lv.Tags))
		for t := range lv.Tags {
			cp.Tags[t] = true
		}
		out.LVs[id] = &cp
	}
	out.reindex()
	return out
}

func (vg *VolumeGroup) reindex() {
	vg.namesToIDs = make(map[string]string, len(vg.LVs))
	for id, lv := range vg.LVs {
		vg.namesToIDs[lv.Name] = id
	}
}

// Reindex rebuilds the name-to-ID index. Callers that mutate an LV's
// Name or add/remove entries in LVs must call this before the next
// LVByName lookup.
func (vg *VolumeGroup) Reindex() { vg.reindex() }

// LVByName resolves a logical volume by its reserved or user-chosen name.
func (vg *VolumeGroup) LVByName(name string) (*LogicalVolume, bool) {
	if vg.namesToIDs == nil {
		vg.reindex()
	}
	id, ok := vg.namesToIDs[name]
	if !ok {
		return nil, false
	}
	lv, ok := vg.LVs[id]
	return lv, ok
}

// TotalExtents returns the sum of extents across every PV in the VG.
func (vg *VolumeGroup) TotalExtents() int64 {
	var total int64
	for _, pv := range vg.PVs {
		total += pv.Extents
	}
	return total
}

// HostTriple names the three reserved LVs that back one host's queues.
type HostTriple struct {
	Host     string
	ToLVM    string // "<H>-toLVM"
	FromLVM  string // "<H>-fromLVM"
	Free     string // "<H>-free"
}

// NewHostTriple derives the conventional reserved LV names for host H.
func NewHostTriple(host string) HostTriple {
	return HostTriple{
		Host:    host,
		ToLVM:   host + "-toLVM",
		FromLVM: host + "-fromLVM",
		Free:    host + "-free",
	}
}

// JournalLVName is the reserved name of the daemon's redo-log LV.
const JournalLVName = "xenvm_journal"

// Config is the daemon's typed, immutable-after-load startup configuration.
type Config struct {
	ListenPort               *uint16  `yaml:"listenPort"`
	ListenPath                *string  `yaml:"listenPath"`
	HostAllocationQuantumMiB int64    `yaml:"host_allocation_quantum_mib"`
	HostLowWaterMarkMiB      int64    `yaml:"host_low_water_mark_mib"`
	VGName                   string   `yaml:"vg_name"`
	Devices                  []string `yaml:"devices"`
}

// ExpandVolume is the item a host's local allocator pushes onto its
// toLVM ring, requesting that the daemon grow one of the host's LVs with
// extents the host already holds in its free pool.
type ExpandVolume struct {
	VolumeName string    `json:"volume_name"`
	Segments   []Segment `json:"segments"`
}

// FreeAllocationItem is the item the daemon pushes onto a host's fromLVM
// ring, handing the host ownership of a batch of extents.
type FreeAllocationItem struct {
	Extents []Segment `json:"extents"`
}

// HostSummary is what Host.All reports for one registered host.
type HostSummary struct {
	Name        string
	FromLVM     QueueSummary
	ToLVM       QueueSummary
	FreeExtents int64
}

// QueueSummary reports a ring's name and whether it is suspended.
type QueueSummary struct {
	LVName    string
	Suspended bool
}
