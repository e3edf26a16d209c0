package hostsim

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheng-z/xenvm/pkg/dispatch"
	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// newHarness builds the same two-phase Dispatcher/Registry/journal
// wiring the dispatch and rpcserver test harnesses use.
func newHarness(t *testing.T, totalExtents int64) (*dispatch.Dispatcher, *lvmcodec.MemBackend, *vgstore.Store, func()) {
	t.Helper()
	backend := lvmcodec.NewMemBackend()
	store, err := vgstore.Open(filepath.Join(t.TempDir(), "vg.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(&xenvmtypes.VolumeGroup{
		Name:          "vg0",
		ExtentSectors: 8192,
		PVs:           []xenvmtypes.PVInfo{{Name: "pv0", Device: "/dev/sda", Extents: totalExtents}},
		FreeSpace:     []xenvmtypes.ExtentRange{{PV: "pv0", Start: 0, Length: totalExtents}},
		LVs:           map[string]*xenvmtypes.LogicalVolume{},
	}))

	d := dispatch.New(store, nil, nil, nil)
	jr, err := journal.Start(journal.Config{NodeID: "node1", DataDir: t.TempDir(), BindAddr: "127.0.0.1:0"}, d.Apply)
	require.NoError(t, err)
	hosts := hostregistry.New(backend, store, jr, xenvmlog.WithComponent("hostsim_test"))
	d.Bootstrap(jr, hosts, nil)

	return d, backend, store, func() { jr.Shutdown() }
}

func TestHostPollAndRequestExpandRoundTrip(t *testing.T) {
	d, backend, store, shutdown := newHarness(t, 1000)
	defer shutdown()

	require.NoError(t, d.Host().Create("h1"))
	require.NoError(t, d.Host().Connect("h1"))

	_, err := d.CreateLV("vol1", 0, nil, nil)
	require.NoError(t, err)

	freeID, ok := d.Host().FreeLVID("h1")
	require.True(t, ok)

	// Apply a real FreeAllocation op through the dispatcher rather than
	// calling PushFreeAllocationTo directly: Apply performs both halves
	// (the VG write that grows the free-pool LV's segments, and the ring
	// push that hands the same extents to the host), the same apply step
	// the allocator controller's journaled top-up reaches in production.
	op, err := xenvmtypes.Encode(xenvmtypes.OpFreeAllocation, xenvmtypes.FreeAllocationOp{
		Host:    "h1",
		Extents: []xenvmtypes.Segment{{PV: "pv0", PhysicalStart: 500, Length: 20}},
	})
	require.NoError(t, err)
	require.NoError(t, d.Apply(op))

	h, err := Attach(backend, "h1", xenvmlog.WithComponent("hostsim_test"))
	require.NoError(t, err)

	require.NoError(t, h.Poll())
	assert.EqualValues(t, 20, h.FreeExtents())

	require.NoError(t, h.RequestExpand("vol1", 12))
	assert.EqualValues(t, 8, h.FreeExtents())

	require.NoError(t, d.Host().Flush("h1"))

	require.NoError(t, store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, ok := vg.LVByName("vol1")
		require.True(t, ok)
		assert.EqualValues(t, 12, lv.SizeInExtents())
		// freeID starts at 1 extent from its own reserved-LV creation,
		// gains 20 from the top-up above, loses 12 to vol1's expand.
		assert.EqualValues(t, 9, vg.LVs[freeID].SizeInExtents())
		return nil
	}))
}

func TestRequestExpandInsufficientPoolIsRetryable(t *testing.T) {
	_, backend, _, shutdown := newHarness(t, 1000)
	defer shutdown()

	// A bare Host that has never polled its fromLVM ring has an empty
	// free pool, so any expand request must be refused as retryable.
	h := &Host{name: "h1", logger: xenvmlog.WithComponent("hostsim_test"), stopCh: make(chan struct{})}
	_ = backend
	err := h.RequestExpand("vol1", 10)
	assert.ErrorIs(t, err, xenvmtypes.ErrRetry)
}
