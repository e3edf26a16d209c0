package hostsim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/ring"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// defaultPollInterval is how often Run folds the fromLVM ring when the
// caller does not set one explicitly.
const defaultPollInterval = 2 * time.Second

// Host is one simulated local allocator: a toLVM producer and a
// fromLVM consumer, plus the in-memory ledger of extents the daemon
// has handed over but this host has not yet assigned to a volume.
type Host struct {
	name    string
	logger  zerolog.Logger
	toLVM   *ring.Producer
	fromLVM *ring.Consumer

	mu       sync.Mutex
	freePool []xenvmtypes.Segment

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Attach opens host's reserved toLVM and fromLVM LVs on backend and
// returns a Host ready to Poll and RequestExpand. The host must
// already have been created and connected through
// hostregistry.Registry.
func Attach(backend lvmcodec.Backend, host string, logger zerolog.Logger) (*Host, error) {
	triple := xenvmtypes.NewHostTriple(host)

	toRaw, err := backend.OpenLV(triple.ToLVM)
	if err != nil {
		return nil, fmt.Errorf("hostsim: open %s: %w", triple.ToLVM, err)
	}
	toLVM, err := ring.AttachProducer(toRaw)
	if err != nil {
		return nil, fmt.Errorf("hostsim: attach %s producer: %w", triple.ToLVM, err)
	}

	fromRaw, err := backend.OpenLV(triple.FromLVM)
	if err != nil {
		return nil, fmt.Errorf("hostsim: open %s: %w", triple.FromLVM, err)
	}
	fromLVM, err := ring.AttachConsumer(fromRaw)
	if err != nil {
		return nil, fmt.Errorf("hostsim: attach %s consumer: %w", triple.FromLVM, err)
	}

	return &Host{
		name:    host,
		logger:  logger.With().Str("host", host).Logger(),
		toLVM:   toLVM,
		fromLVM: fromLVM,
		stopCh:  make(chan struct{}),
	}, nil
}

// Poll folds every FreeAllocationItem currently queued on fromLVM into
// the local free pool and advances the consumer past them. It is safe
// to call repeatedly; an empty ring is a no-op.
func (h *Host) Poll() error {
	var items []xenvmtypes.FreeAllocationItem
	endPos, err := h.fromLVM.Fold(func(raw []byte) error {
		var item xenvmtypes.FreeAllocationItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("hostsim: decode fromLVM item: %w", err)
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hostsim: fold %s-fromLVM: %w", h.name, err)
	}
	if len(items) == 0 {
		return nil
	}

	h.mu.Lock()
	for _, item := range items {
		h.freePool = append(h.freePool, item.Extents...)
	}
	h.mu.Unlock()

	if err := h.fromLVM.Advance(endPos); err != nil {
		return fmt.Errorf("hostsim: advance %s-fromLVM: %w", h.name, err)
	}
	h.logger.Debug().Int("items", len(items)).Msg("folded free allocation")
	return nil
}

// FreeExtents reports the total extents this host currently holds
// unassigned.
func (h *Host) FreeExtents() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sum int64
	for _, s := range h.freePool {
		sum += s.Length
	}
	return sum
}

// RequestExpand takes wantExtents worth of segments from the local
// free pool (splitting the last segment touched if it covers more
// than needed) and pushes an ExpandVolume request for volumeName onto
// toLVM. It returns xenvmtypes.ErrRetry if the free pool does not yet
// hold enough extents, the caller should Poll and retry once the
// controller's next top-up lands.
func (h *Host) RequestExpand(volumeName string, wantExtents int64) error {
	segments, err := h.takeFromPool(wantExtents)
	if err != nil {
		return err
	}

	item := xenvmtypes.ExpandVolume{VolumeName: volumeName, Segments: segments}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	pos, err := h.toLVM.Push(data)
	if err != nil {
		h.returnToPool(segments)
		return err
	}
	if err := h.toLVM.Advance(pos); err != nil {
		return fmt.Errorf("hostsim: advance %s-toLVM: %w", h.name, err)
	}
	h.logger.Info().Str("volume", volumeName).Int64("extents", wantExtents).Msg("requested expand")
	return nil
}

func (h *Host) takeFromPool(want int64) ([]xenvmtypes.Segment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var available int64
	for _, s := range h.freePool {
		available += s.Length
	}
	if available < want {
		return nil, fmt.Errorf("hostsim: %w: have %d extents, need %d", xenvmtypes.ErrRetry, available, want)
	}

	var taken []xenvmtypes.Segment
	remaining := want
	kept := h.freePool[:0]
	for i, s := range h.freePool {
		if remaining <= 0 {
			kept = append(kept, h.freePool[i:]...)
			break
		}
		if s.Length <= remaining {
			taken = append(taken, s)
			remaining -= s.Length
			continue
		}
		taken = append(taken, xenvmtypes.Segment{PV: s.PV, PhysicalStart: s.PhysicalStart, Length: remaining})
		kept = append(kept, xenvmtypes.Segment{PV: s.PV, PhysicalStart: s.PhysicalStart + remaining, Length: s.Length - remaining})
		remaining = 0
	}
	h.freePool = kept
	return taken, nil
}

func (h *Host) returnToPool(segments []xenvmtypes.Segment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freePool = append(h.freePool, segments...)
}

// Run polls fromLVM on interval (defaultPollInterval if zero) until ctx
// is cancelled or Stop is called.
func (h *Host) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				if err := h.Poll(); err != nil {
					h.logger.Error().Err(err).Msg("poll failed")
				}
			}
		}
	}()
}

// Stop ends a Run loop started on this Host and waits for it to exit.
func (h *Host) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}
