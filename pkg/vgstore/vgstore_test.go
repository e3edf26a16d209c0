package vgstore

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

func newTestStore(t *testing.T) (*Store, *xenvmtypes.VolumeGroup) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	vg := &xenvmtypes.VolumeGroup{
		Name:          "vg0",
		ExtentSectors: 8192,
		PVs:           []xenvmtypes.PVInfo{{Name: "pv0", Device: "/dev/sda", Extents: 1000}},
		FreeSpace:     []xenvmtypes.ExtentRange{{PV: "pv0", Start: 0, Length: 1000}},
		LVs:           map[string]*xenvmtypes.LogicalVolume{},
	}
	require.NoError(t, s.Init(vg))
	return s, vg
}

func totalExtents(vg *xenvmtypes.VolumeGroup) int64 {
	var sum int64
	for _, r := range vg.FreeSpace {
		sum += r.Length
	}
	for _, lv := range vg.LVs {
		sum += lv.SizeInExtents()
	}
	return sum
}

// P1: extent conservation across a sequence of create/expand/remove ops.
func TestExtentConservationAcrossOps(t *testing.T) {
	s, vg0 := newTestStore(t)
	total := vg0.TotalExtents()

	err := s.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return ApplyCreateLV(vg, xenvmtypes.CreateLVOp{ID: "lv1", Name: "vol1"})
	})
	require.NoError(t, err)

	var alloc AllocResult
	err = s.Write(func(vg *xenvmtypes.VolumeGroup) error {
		alloc = FindFreeExtents(vg, 8)
		require.False(t, alloc.OnlyThisMuch)
		seg := xenvmtypes.Segment{LogicalStart: 0, Length: alloc.Extents[0].Length, PV: alloc.Extents[0].PV, PhysicalStart: alloc.Extents[0].Start}
		return ApplyExpandLV(vg, xenvmtypes.ExpandLVOp{ID: "lv1", Segments: []xenvmtypes.Segment{seg}})
	})
	require.NoError(t, err)

	err = s.Read(func(vg *xenvmtypes.VolumeGroup) error {
		assert.EqualValues(t, total, totalExtents(vg))
		assert.EqualValues(t, 8, vg.LVs["lv1"].SizeInExtents())
		return nil
	})
	require.NoError(t, err)

	err = s.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return ApplyRemoveLV(vg, xenvmtypes.RemoveLVOp{ID: "lv1"})
	})
	require.NoError(t, err)

	err = s.Read(func(vg *xenvmtypes.VolumeGroup) error {
		assert.EqualValues(t, total, totalExtents(vg))
		_, ok := vg.LVs["lv1"]
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

// P2: no two LVs, and no LV and free_space, ever share an extent.
func TestNonOverlapAfterConcurrentAllocations(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Write(func(vg *xenvmtypes.VolumeGroup) error {
		if err := ApplyCreateLV(vg, xenvmtypes.CreateLVOp{ID: "lv1", Name: "vol1"}); err != nil {
			return err
		}
		return ApplyCreateLV(vg, xenvmtypes.CreateLVOp{ID: "lv2", Name: "vol2"})
	}))

	for _, id := range []string{"lv1", "lv2"} {
		id := id
		require.NoError(t, s.Write(func(vg *xenvmtypes.VolumeGroup) error {
			alloc := FindFreeExtents(vg, 100)
			require.False(t, alloc.OnlyThisMuch)
			seg := xenvmtypes.Segment{Length: alloc.Extents[0].Length, PV: alloc.Extents[0].PV, PhysicalStart: alloc.Extents[0].Start}
			return ApplyExpandLV(vg, xenvmtypes.ExpandLVOp{ID: id, Segments: []xenvmtypes.Segment{seg}})
		}))
	}

	require.NoError(t, s.Read(func(vg *xenvmtypes.VolumeGroup) error {
		occupied := map[int64]string{}
		check := func(owner string, start, length int64) {
			for i := start; i < start+length; i++ {
				if prior, ok := occupied[i]; ok {
					t.Fatalf("extent %d double-owned by %s and %s", i, prior, owner)
				}
				occupied[i] = owner
			}
		}
		for id, lv := range vg.LVs {
			for _, seg := range lv.Segments {
				check(id, seg.PhysicalStart, seg.Length)
			}
		}
		for _, r := range vg.FreeSpace {
			check("free_space", r.Start, r.Length)
		}
		return nil
	}))
}

// FindFreeExtents reports OnlyThisMuch rather than assembling a
// request across two separate free ranges.
func TestFindFreeExtentsReportsPartial(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Write(func(vg *xenvmtypes.VolumeGroup) error {
		vg.FreeSpace = []xenvmtypes.ExtentRange{{PV: "pv0", Start: 0, Length: 5}, {PV: "pv0", Start: 100, Length: 5}}
		return nil
	}))

	require.NoError(t, s.Read(func(vg *xenvmtypes.VolumeGroup) error {
		alloc := FindFreeExtents(vg, 8)
		assert.True(t, alloc.OnlyThisMuch)
		assert.EqualValues(t, 5, alloc.Available)
		return nil
	}))
}

// P4: applying a FreeAllocation op twice has the same observable
// effect as applying it once.
func TestApplyFreeAllocationIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return ApplyCreateHostLV(vg, xenvmtypes.HostLVOp{Host: "h1", ID: "h1-free-id", Name: "h1-free"})
	}))

	extents := []xenvmtypes.Segment{{LogicalStart: 0, Length: 16, PV: "pv0", PhysicalStart: 0}}

	apply := func() {
		require.NoError(t, s.Write(func(vg *xenvmtypes.VolumeGroup) error {
			return ApplyFreeAllocation(vg, "h1-free-id", extents)
		}))
	}
	apply()
	var firstSize int64
	require.NoError(t, s.Read(func(vg *xenvmtypes.VolumeGroup) error {
		firstSize = vg.LVs["h1-free-id"].SizeInExtents()
		return nil
	}))
	apply()
	require.NoError(t, s.Read(func(vg *xenvmtypes.VolumeGroup) error {
		assert.Equal(t, firstSize, vg.LVs["h1-free-id"].SizeInExtents())
		assert.EqualValues(t, 1000, totalExtents(vg))
		return nil
	}))
}

// P7: concurrent Write closures observe a total order, no lost
// updates, no interleaving.
func TestWriteSerializesConcurrentMutations(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return ApplyCreateLV(vg, xenvmtypes.CreateLVOp{ID: "lv1", Name: "vol1"})
	}))

	var wg sync.WaitGroup
	var counter int64
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Write(func(vg *xenvmtypes.VolumeGroup) error {
				lv := vg.LVs["lv1"]
				lv.Tags["touched"] = true
				atomic.AddInt64(&counter, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, n, counter)
}
