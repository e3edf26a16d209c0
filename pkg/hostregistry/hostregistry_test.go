package hostregistry

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/ring"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// newHarness wires a MemBackend, a vgstore.Store and a journal whose
// apply function dispatches every op kind into vgstore, mirroring the
// glue pkg/dispatch installs at daemon startup. It returns the
// Registry plus a shutdown func.
func newHarness(t *testing.T, totalExtents int64) (*Registry, *vgstore.Store, func()) {
	t.Helper()
	backend := lvmcodec.NewMemBackend()
	store, err := vgstore.Open(filepath.Join(t.TempDir(), "vg.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(&xenvmtypes.VolumeGroup{
		Name:          "vg0",
		ExtentSectors: 8192, // 4 MiB extents
		PVs:           []xenvmtypes.PVInfo{{Name: "pv0", Device: "/dev/sda", Extents: totalExtents}},
		FreeSpace:     []xenvmtypes.ExtentRange{{PV: "pv0", Start: 0, Length: totalExtents}},
		LVs:           map[string]*xenvmtypes.LogicalVolume{},
	}))

	var reg *Registry
	apply := func(op xenvmtypes.Op) error {
		switch op.Kind {
		case xenvmtypes.OpCreateHostLV:
			var p xenvmtypes.HostLVOp
			if err := json.Unmarshal(op.Data, &p); err != nil {
				return err
			}
			return store.Write(func(vg *xenvmtypes.VolumeGroup) error { return vgstore.ApplyCreateHostLV(vg, p) })
		case xenvmtypes.OpRemoveHostLV:
			var p xenvmtypes.HostLVOp
			if err := json.Unmarshal(op.Data, &p); err != nil {
				return err
			}
			return store.Write(func(vg *xenvmtypes.VolumeGroup) error { return vgstore.ApplyRemoveHostLV(vg, p) })
		case xenvmtypes.OpExpandLV:
			var p xenvmtypes.ExpandLVOp
			if err := json.Unmarshal(op.Data, &p); err != nil {
				return err
			}
			return store.Write(func(vg *xenvmtypes.VolumeGroup) error { return vgstore.ApplyExpandLV(vg, p) })
		case xenvmtypes.OpCropLV:
			var p xenvmtypes.CropLVOp
			if err := json.Unmarshal(op.Data, &p); err != nil {
				return err
			}
			return store.Write(func(vg *xenvmtypes.VolumeGroup) error { return vgstore.ApplyCropLV(vg, p) })
		case xenvmtypes.OpCreateLV:
			var p xenvmtypes.CreateLVOp
			if err := json.Unmarshal(op.Data, &p); err != nil {
				return err
			}
			return store.Write(func(vg *xenvmtypes.VolumeGroup) error { return vgstore.ApplyCreateLV(vg, p) })
		case xenvmtypes.OpFreeAllocation:
			var p xenvmtypes.FreeAllocationOp
			if err := json.Unmarshal(op.Data, &p); err != nil {
				return err
			}
			freeID, ok := reg.FreeLVID(p.Host)
			if !ok {
				return xenvmtypes.ErrHostNotCreated
			}
			if err := store.Write(func(vg *xenvmtypes.VolumeGroup) error {
				return vgstore.ApplyFreeAllocation(vg, freeID, p.Extents)
			}); err != nil {
				return err
			}
			return reg.PushFreeAllocationTo(p.Host, p.Extents)
		default:
			return nil
		}
	}

	jr, err := journal.Start(journal.Config{NodeID: "node1", DataDir: t.TempDir(), BindAddr: "127.0.0.1:0"}, apply)
	require.NoError(t, err)

	logger := xenvmlog.WithComponent("hostregistry_test")
	reg = New(backend, store, jr, logger)

	return reg, store, func() { jr.Shutdown() }
}

// Scenario 1: host bootstrap.
func TestHostBootstrap(t *testing.T) {
	reg, _, shutdown := newHarness(t, 1000)
	defer shutdown()

	require.NoError(t, reg.Create("h1"))
	require.NoError(t, reg.Connect("h1"))

	all, err := reg.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "h1", all[0].Name)
	assert.False(t, all[0].FromLVM.Suspended)
	assert.False(t, all[0].ToLVM.Suspended)
	assert.EqualValues(t, 1, all[0].FreeExtents)
}

// Scenario 3: flush applies a queued ExpandVolume item to the VG.
func TestFlushAppliesQueuedExpand(t *testing.T) {
	reg, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	require.NoError(t, reg.Create("h1"))
	require.NoError(t, reg.Connect("h1"))

	// Seed h1's free pool and create the target LV.
	require.NoError(t, store.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return vgstore.ApplyCreateLV(vg, xenvmtypes.CreateLVOp{ID: "lv1", Name: "vol1"})
	}))
	freeID, ok := reg.FreeLVID("h1")
	require.True(t, ok)
	segment := xenvmtypes.Segment{LogicalStart: 0, Length: 8, PV: "pv0", PhysicalStart: 100}
	require.NoError(t, store.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return vgstore.ApplyFreeAllocation(vg, freeID, []xenvmtypes.Segment{segment})
	}))

	// Push an ExpandVolume item directly onto h1-toLVM, as the local
	// allocator would.
	toRaw, err := reg.backend.OpenLV("h1-toLVM")
	require.NoError(t, err)
	prod, err := ring.AttachProducer(toRaw)
	require.NoError(t, err)
	item := xenvmtypes.ExpandVolume{VolumeName: "vol1", Segments: []xenvmtypes.Segment{segment}}
	data, err := json.Marshal(item)
	require.NoError(t, err)
	pos, err := prod.Push(data)
	require.NoError(t, err)
	require.NoError(t, prod.Advance(pos))

	require.NoError(t, reg.Flush("h1"))

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		assert.EqualValues(t, 8, vg.LVs["lv1"].SizeInExtents())
		// h1-free keeps the 1 extent Create reserved for it; the 8
		// granted above are cropped back out.
		assert.EqualValues(t, 1, vg.LVs[freeID].SizeInExtents())
		return nil
	}))
}

// Scenario 4: disconnect drains all queued items before returning.
func TestDisconnectFlushesBeforeReturning(t *testing.T) {
	reg, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	require.NoError(t, reg.Create("h1"))
	require.NoError(t, reg.Connect("h1"))
	require.NoError(t, store.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return vgstore.ApplyCreateLV(vg, xenvmtypes.CreateLVOp{ID: "lv1", Name: "vol1"})
	}))
	freeID, _ := reg.FreeLVID("h1")
	segs := []xenvmtypes.Segment{
		{Length: 1, PV: "pv0", PhysicalStart: 10},
		{Length: 1, PV: "pv0", PhysicalStart: 20},
		{Length: 1, PV: "pv0", PhysicalStart: 30},
	}
	require.NoError(t, store.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return vgstore.ApplyFreeAllocation(vg, freeID, segs)
	}))

	toRaw, err := reg.backend.OpenLV("h1-toLVM")
	require.NoError(t, err)
	prod, err := ring.AttachProducer(toRaw)
	require.NoError(t, err)
	for _, s := range segs {
		item := xenvmtypes.ExpandVolume{VolumeName: "vol1", Segments: []xenvmtypes.Segment{s}}
		data, err := json.Marshal(item)
		require.NoError(t, err)
		pos, err := prod.Push(data)
		require.NoError(t, err)
		require.NoError(t, prod.Advance(pos))
	}

	require.NoError(t, reg.Disconnect("h1"))

	all, err := reg.All()
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		assert.EqualValues(t, 3, vg.LVs["lv1"].SizeInExtents())
		return nil
	}))
}
