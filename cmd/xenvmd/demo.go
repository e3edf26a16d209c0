package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cheng-z/xenvm/pkg/allocator"
	"github.com/cheng-z/xenvm/pkg/dispatch"
	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/hostsim"
	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// demoCmd runs a self-contained control plane in a temp directory and
// drives a simulated host through it, so the full round trip (free-pool
// top-up, a host requesting an expand, the daemon flushing that request
// back into the VG) can be watched without a real SAN or a second
// process.
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a self-contained allocation round trip against an in-memory VG",
	RunE:  runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(_ *cobra.Command, _ []string) error {
	xenvmlog.Init(xenvmlog.Config{Level: xenvmlog.InfoLevel})
	logger := xenvmlog.WithComponent("demo")

	dataDir, err := os.MkdirTemp("", "xenvmd-demo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dataDir)

	backend := lvmcodec.NewMemBackend()
	store, err := vgstore.Open(filepath.Join(dataDir, "vg.db"))
	if err != nil {
		return err
	}
	if err := store.Init(&xenvmtypes.VolumeGroup{
		Name:          "demo",
		ExtentSectors: 8192, // 4 MiB extents
		PVs:           []xenvmtypes.PVInfo{{Name: "pv0", Device: "demo0", Extents: 256}},
		FreeSpace:     []xenvmtypes.ExtentRange{{PV: "pv0", Start: 0, Length: 256}},
		LVs:           map[string]*xenvmtypes.LogicalVolume{},
	}); err != nil {
		return err
	}

	d := dispatch.New(store, nil, nil, nil)
	jr, err := journal.Start(journal.Config{
		NodeID:   "demo",
		DataDir:  filepath.Join(dataDir, "journal"),
		BindAddr: "127.0.0.1:0",
	}, d.Apply)
	if err != nil {
		return err
	}
	hosts := hostregistry.New(backend, store, jr, xenvmlog.WithComponent("hostregistry"))
	ctrl := allocator.New(store, jr, hosts, 16 /* quantum MiB */, 8 /* low-water MiB */)
	ctrl.Start()
	defer ctrl.Stop()
	d.Bootstrap(jr, hosts, ctrl.Stop)

	if _, err := d.CreateLV("demo-vol", 0, nil, nil); err != nil {
		return err
	}
	if err := hosts.Create("demo-host"); err != nil {
		return err
	}
	if err := hosts.Connect("demo-host"); err != nil {
		return err
	}
	logger.Info().Msg("host connected, waiting for the free-pool controller's first top-up")

	host, err := hostsim.Attach(backend, "demo-host", xenvmlog.WithComponent("hostsim"))
	if err != nil {
		return err
	}

	var free int64
	for i := 0; i < 100; i++ {
		if err := host.Poll(); err != nil {
			return err
		}
		free = host.FreeExtents()
		if free >= 4 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Printf("demo-host free pool: %d extents\n", free)
	if free < 4 {
		return fmt.Errorf("demo: controller did not top up demo-host in time")
	}

	if err := host.RequestExpand("demo-vol", 4); err != nil {
		return err
	}
	fmt.Println("demo-host requested a 4-extent expand of demo-vol")

	for i := 0; i < 50; i++ {
		if err := hosts.Flush("demo-host"); err != nil {
			return err
		}
		var done bool
		if err := store.Read(func(vg *xenvmtypes.VolumeGroup) error {
			lv, ok := vg.LVByName("demo-vol")
			done = ok && lv.SizeInExtents() >= 4
			return nil
		}); err != nil {
			return err
		}
		if done {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	return store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, ok := vg.LVByName("demo-vol")
		if !ok {
			return fmt.Errorf("demo: demo-vol missing after flush")
		}
		fmt.Printf("demo-vol is now %d extents\n", lv.SizeInExtents())
		return nil
	})
}
