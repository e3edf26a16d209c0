package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// newHarness wires a MemBackend, a vgstore.Store, a journal whose apply
// function is exactly the one cmd/xenvmd installs, and the Dispatcher
// under test, the same two-phase construction (journal needs the
// dispatcher's Apply method before the dispatcher can hold the
// journal) that cmd/xenvmd's startup sequence performs.
func newHarness(t *testing.T, totalExtents int64) (*Dispatcher, *vgstore.Store, func()) {
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

	d := &Dispatcher{store: store, logger: xenvmlog.WithComponent("dispatch_test")}

	jr, err := journal.Start(journal.Config{NodeID: "node1", DataDir: t.TempDir(), BindAddr: "127.0.0.1:0"}, d.Apply)
	require.NoError(t, err)
	d.journal = jr
	d.hosts = hostregistry.New(backend, store, jr, xenvmlog.WithComponent("dispatch_test_hosts"))

	return d, store, func() { jr.Shutdown() }
}

func TestCreateLVWithoutSize(t *testing.T) {
	d, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	id, err := d.CreateLV("vol1", 0, []xenvmtypes.LVStatus{xenvmtypes.StatusVisible}, nil)
	require.NoError(t, err)

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv := vg.LVs[id]
		require.NotNil(t, lv)
		assert.Equal(t, "vol1", lv.Name)
		assert.EqualValues(t, 0, lv.SizeInExtents())
		return nil
	}))
}

func TestCreateLVAllocatesRequestedSize(t *testing.T) {
	d, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	id, err := d.CreateLV("vol1", 10, nil, []string{"backup"})
	require.NoError(t, err)

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv := vg.LVs[id]
		require.NotNil(t, lv)
		assert.EqualValues(t, 10, lv.SizeInExtents())
		assert.True(t, lv.HasTag("backup"))
		return nil
	}))
}

func TestCreateLVDuplicateNameFails(t *testing.T) {
	d, _, shutdown := newHarness(t, 1000)
	defer shutdown()

	_, err := d.CreateLV("vol1", 0, nil, nil)
	require.NoError(t, err)

	_, err = d.CreateLV("vol1", 0, nil, nil)
	assert.Error(t, err)
}

func TestResizeLVGrowsSegments(t *testing.T) {
	d, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	id, err := d.CreateLV("vol1", 5, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.ResizeLV("vol1", 5))

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		assert.EqualValues(t, 10, vg.LVs[id].SizeInExtents())
		return nil
	}))
}

func TestResizeLVInsufficientSpaceIsRetryable(t *testing.T) {
	d, _, shutdown := newHarness(t, 10)
	defer shutdown()

	_, err := d.CreateLV("vol1", 0, nil, nil)
	require.NoError(t, err)

	err = d.ResizeLV("vol1", 1000)
	assert.ErrorIs(t, err, xenvmtypes.ErrRetry)
}

func TestRenameAndRemoveLV(t *testing.T) {
	d, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	_, err := d.CreateLV("vol1", 4, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.RenameLV("vol1", "vol2"))

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		_, ok := vg.LVByName("vol1")
		assert.False(t, ok)
		lv, ok := vg.LVByName("vol2")
		assert.True(t, ok)
		assert.EqualValues(t, 4, lv.SizeInExtents())
		return nil
	}))

	require.NoError(t, d.RemoveLV("vol2"))
	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		_, ok := vg.LVByName("vol2")
		assert.False(t, ok)
		assert.EqualValues(t, 1000, totalFree(vg))
		return nil
	}))
}

func TestTagsAndStatus(t *testing.T) {
	d, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	_, err := d.CreateLV("vol1", 0, nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.AddTag("vol1", "gold"))
	require.NoError(t, d.SetStatus("vol1", []xenvmtypes.LVStatus{xenvmtypes.StatusRead, xenvmtypes.StatusVisible}))

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, _ := vg.LVByName("vol1")
		assert.True(t, lv.HasTag("gold"))
		assert.True(t, lv.HasStatus(xenvmtypes.StatusRead))
		return nil
	}))

	require.NoError(t, d.RemoveTag("vol1", "gold"))
	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, _ := vg.LVByName("vol1")
		assert.False(t, lv.HasTag("gold"))
		return nil
	}))
}

func TestGetLVReturnsSingleEntryMap(t *testing.T) {
	d, _, shutdown := newHarness(t, 1000)
	defer shutdown()

	_, err := d.CreateLV("vol1", 0, nil, nil)
	require.NoError(t, err)
	_, err = d.CreateLV("vol2", 0, nil, nil)
	require.NoError(t, err)

	vg, err := d.GetLV("vol1")
	require.NoError(t, err)
	assert.Len(t, vg.LVs, 1)
	lv, ok := vg.LVByName("vol1")
	assert.True(t, ok)
	assert.NotNil(t, lv)
}

func TestGetLVNotFound(t *testing.T) {
	d, _, shutdown := newHarness(t, 1000)
	defer shutdown()

	_, err := d.GetLV("missing")
	assert.ErrorIs(t, err, xenvmtypes.ErrNotFound)
}

// Scenario 2 (end-to-end top-up) exercises FreeAllocation via the
// journal's Apply path: host bootstrap plus a manually journaled
// FreeAllocation reproduces what pkg/allocator's controller does on a
// tick.
func TestFreeAllocationAppliesBothHalves(t *testing.T) {
	d, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	require.NoError(t, d.hosts.Create("h1"))
	require.NoError(t, d.hosts.Connect("h1"))

	freeID, ok := d.hosts.FreeLVID("h1")
	require.True(t, ok)

	op, err := xenvmtypes.Encode(xenvmtypes.OpFreeAllocation, xenvmtypes.FreeAllocationOp{
		Host:    "h1",
		Extents: []xenvmtypes.Segment{{Length: 16, PV: "pv0", PhysicalStart: 200}},
	})
	require.NoError(t, err)
	require.NoError(t, d.pushAndWait(op))

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		assert.EqualValues(t, 17, vg.LVs[freeID].SizeInExtents()) // 1 extent from create + 16 topped up
		return nil
	}))
}

func totalFree(vg *xenvmtypes.VolumeGroup) int64 {
	var sum int64
	for _, r := range vg.FreeSpace {
		sum += r.Length
	}
	return sum
}
