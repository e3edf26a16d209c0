package allocator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/metrics"
	"github.com/cheng-z/xenvm/pkg/ring"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

const tickInterval = 5 * time.Second

// Controller is the free-pool controller: a single periodic task that
// keeps every registered host's free-pool LV topped up and its toLVM
// queue drained. Each tick runs resend, then top-up, then flush, in
// that order.
type Controller struct {
	store   *vgstore.Store
	journal *journal.Journal
	hosts   *hostregistry.Registry
	logger  zerolog.Logger

	quantumMiB      int64
	lowWaterMarkMiB int64

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Controller. quantumMiB and lowWaterMarkMiB come from the
// daemon's configuration (host_allocation_quantum_mib, host_low_water_mark_mib).
func New(store *vgstore.Store, jr *journal.Journal, hosts *hostregistry.Registry, quantumMiB, lowWaterMarkMiB int64) *Controller {
	return &Controller{
		store:           store,
		journal:         jr,
		hosts:           hosts,
		logger:          xenvmlog.WithComponent("allocator"),
		quantumMiB:      quantumMiB,
		lowWaterMarkMiB: lowWaterMarkMiB,
		stopCh:          make(chan struct{}),
	}
}

// Start begins the periodic resend/top-up/flush loop.
func (c *Controller) Start() {
	go c.run()
}

// Stop ends the periodic loop.
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	c.logger.Info().Msg("free-pool controller started")

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			c.logger.Info().Msg("free-pool controller stopped")
			return
		}
	}
}

// tick performs one resend/top-up/flush cycle, logging and continuing
// past per-step failures rather than aborting the whole cycle.
func (c *Controller) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ControllerTickDuration)
		metrics.ControllerTicksTotal.Inc()
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.resend(); err != nil {
		c.logger.Error().Err(err).Msg("resend step failed")
	}
	if err := c.topUp(); err != nil {
		c.logger.Error().Err(err).Msg("top-up step failed")
	}
	if err := c.flush(); err != nil {
		c.logger.Error().Err(err).Msg("flush step failed")
	}
}

// resend re-pushes each suspended host's current free-pool allocation,
// so a just-restarted local allocator resynchronises before it is
// granted more extents. PushFreeAllocationTo blocks (polling) until the
// ring becomes Running before pushing.
func (c *Controller) resend() error {
	for _, host := range c.hosts.Connected() {
		state, err := c.hosts.FromLVMState(host)
		if err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("resend: could not query fromLVM state")
			continue
		}
		if state != ring.Suspended {
			continue
		}

		freeID, ok := c.hosts.FreeLVID(host)
		if !ok {
			continue
		}
		var segments []xenvmtypes.Segment
		if err := c.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
			lv, ok := vg.LVs[freeID]
			if !ok {
				return fmt.Errorf("allocator: %w: lv %s", xenvmtypes.ErrNotFound, freeID)
			}
			segments = append([]xenvmtypes.Segment(nil), lv.Segments...)
			return nil
		}); err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("resend: could not read free-pool segments")
			continue
		}

		if err := c.hosts.PushFreeAllocationTo(host, segments); err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("resend: push failed")
			continue
		}
		metrics.ResendsTotal.Inc()
		c.logger.Info().Str("host", host).Int("extents", len(segments)).Msg("resent free-pool allocation")
	}
	return nil
}

// topUp tops up every registered host whose free pool has fallen below
// the configured low-water mark, allocating a quantum-sized batch of
// extents from the VG's free_space and journaling the transfer. A host
// for which only a partial batch is available is skipped this tick and
// retried on the next.
func (c *Controller) topUp() error {
	extentMiB, err := c.extentSizeMiB()
	if err != nil {
		return err
	}
	if extentMiB <= 0 {
		return fmt.Errorf("allocator: invalid extent size")
	}
	want := c.quantumMiB / extentMiB
	if want <= 0 {
		return fmt.Errorf("allocator: quantum %d MiB smaller than one extent (%d MiB)", c.quantumMiB, extentMiB)
	}

	for _, host := range c.hosts.Connected() {
		freeID, ok := c.hosts.FreeLVID(host)
		if !ok {
			continue
		}

		var freeExtents int64
		var alloc vgstore.AllocResult
		if err := c.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
			if lv, ok := vg.LVs[freeID]; ok {
				freeExtents = lv.SizeInExtents()
			}
			alloc = vgstore.PeekFreeExtents(vg, want)
			return nil
		}); err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("top-up: could not read VG state")
			continue
		}

		if freeExtents*extentMiB >= c.lowWaterMarkMiB {
			continue
		}

		if alloc.OnlyThisMuch {
			metrics.TopUpsTotal.WithLabelValues("skipped_insufficient").Inc()
			c.logger.Warn().Str("host", host).Int64("available", alloc.Available).Int64("want", want).
				Msg("top-up: insufficient contiguous free space, skipping host this tick")
			continue
		}

		segments := make([]xenvmtypes.Segment, len(alloc.Extents))
		for i, e := range alloc.Extents {
			segments[i] = xenvmtypes.Segment{LogicalStart: 0, Length: e.Length, PV: e.PV, PhysicalStart: e.Start}
		}

		op, err := xenvmtypes.Encode(xenvmtypes.OpFreeAllocation, xenvmtypes.FreeAllocationOp{Host: host, Extents: segments})
		if err != nil {
			return err
		}
		w, err := c.journal.Push(op)
		if err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("top-up: journal push failed")
			continue
		}
		if err := w.Result(); err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("top-up: journal apply failed")
			continue
		}
		metrics.TopUpsTotal.WithLabelValues("allocated").Inc()
		metrics.JournalOpsTotal.WithLabelValues(string(xenvmtypes.OpFreeAllocation)).Inc()
		c.logger.Info().Str("host", host).Int64("extents", want).Msg("topped up host free pool")
	}
	return nil
}

// flush drains every registered host's toLVM queue into the VG.
func (c *Controller) flush() error {
	for _, host := range c.hosts.Connected() {
		timer := metrics.NewTimer()
		err := c.hosts.Flush(host)
		timer.ObserveDuration(metrics.HostFlushDuration)
		if err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("flush failed")
		}
	}
	return nil
}

func (c *Controller) extentSizeMiB() (int64, error) {
	var sectors int64
	if err := c.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		sectors = vg.ExtentSectors
		return nil
	}); err != nil {
		return 0, err
	}
	return (sectors * 512) / (1024 * 1024), nil
}
