package hostregistry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/ring"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// hostLVSizeBytes is the fixed size of every reserved per-host LV:
// toLVM, fromLVM and free all get the same 4 MiB allocation.
const hostLVSizeBytes = 4 * 1024 * 1024

const suspendPollInterval = 5 * time.Second

// conn is what Connect registers for one host: attached ring handles
// plus the identity of its free-pool LV.
type conn struct {
	toLVM    *ring.Consumer
	fromLVM  *ring.Producer
	freeName string
	freeID   string
}

// Registry is the daemon-side host-lifecycle state machine: create,
// connect, disconnect, destroy, and the flush that drains a host's
// toLVM queue into the VG.
type Registry struct {
	backend lvmcodec.Backend
	store   *vgstore.Store
	journal *journal.Journal
	logger  zerolog.Logger

	mu    sync.Mutex
	conns map[string]*conn

	flushMu sync.Mutex
}

// New builds a Registry over the given backend, VG store and journal.
func New(backend lvmcodec.Backend, store *vgstore.Store, jr *journal.Journal, logger zerolog.Logger) *Registry {
	return &Registry{
		backend: backend,
		store:   store,
		journal: jr,
		logger:  logger,
		conns:   make(map[string]*conn),
	}
}

// Create makes host H's three reserved LVs if they do not already
// exist. The existence of H-free is the commit marker: a crash
// partway through is repaired by calling Create again.
func (r *Registry) Create(host string) error {
	triple := xenvmtypes.NewHostTriple(host)

	exists, err := r.lvExists(triple.Free)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	toRaw, toID, err := r.ensureRawLV(triple.ToLVM)
	if err != nil {
		return fmt.Errorf("hostregistry: create %s-toLVM: %w", host, err)
	}
	fromRaw, fromID, err := r.ensureRawLV(triple.FromLVM)
	if err != nil {
		return fmt.Errorf("hostregistry: create %s-fromLVM: %w", host, err)
	}

	if err := eraseAndInitRing(toRaw); err != nil {
		return fmt.Errorf("hostregistry: init %s-toLVM ring: %w", host, err)
	}
	if err := eraseAndInitRing(fromRaw); err != nil {
		return fmt.Errorf("hostregistry: init %s-fromLVM ring: %w", host, err)
	}

	if err := r.registerReservedLV(host, triple.ToLVM, toID); err != nil {
		return fmt.Errorf("hostregistry: register %s-toLVM: %w", host, err)
	}
	if err := r.registerReservedLV(host, triple.FromLVM, fromID); err != nil {
		return fmt.Errorf("hostregistry: register %s-fromLVM: %w", host, err)
	}

	_, freeID, err := r.ensureRawLV(triple.Free)
	if err != nil {
		return fmt.Errorf("hostregistry: create %s-free: %w", host, err)
	}
	if err := r.registerReservedLV(host, triple.Free, freeID); err != nil {
		return fmt.Errorf("hostregistry: register %s-free: %w", host, err)
	}
	return r.store.Sync()
}

// Connect attaches ring handles for an already-created host, resumes
// its toLVM consumer, and, if fromLVM was left Suspended by a crashed
// local allocator, re-delivers the host's current free-pool
// allocation so the allocator resynchronises.
func (r *Registry) Connect(host string) error {
	triple := xenvmtypes.NewHostTriple(host)

	var freeID string
	var freeSegments []xenvmtypes.Segment
	err := r.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, ok := vg.LVByName(triple.Free)
		if !ok {
			return xenvmtypes.ErrHostNotCreated
		}
		freeID = lv.ID
		freeSegments = append([]xenvmtypes.Segment(nil), lv.Segments...)
		return nil
	})
	if err != nil {
		return err
	}

	toRaw, err := r.backend.OpenLV(triple.ToLVM)
	if err != nil {
		return fmt.Errorf("hostregistry: open %s-toLVM: %w", host, err)
	}
	toConsumer, err := ring.AttachConsumer(toRaw)
	if err != nil {
		return fmt.Errorf("hostregistry: attach %s-toLVM consumer: %w", host, err)
	}
	if err := toConsumer.Resume(); err != nil {
		return fmt.Errorf("hostregistry: resume %s-toLVM: %w", host, err)
	}

	fromRaw, err := r.backend.OpenLV(triple.FromLVM)
	if err != nil {
		return fmt.Errorf("hostregistry: open %s-fromLVM: %w", host, err)
	}
	initialState, err := ring.QueryState(fromRaw)
	if err != nil {
		return fmt.Errorf("hostregistry: query %s-fromLVM state: %w", host, err)
	}
	fromProducer, err := ring.AttachProducer(fromRaw)
	if err != nil {
		return fmt.Errorf("hostregistry: attach %s-fromLVM producer: %w", host, err)
	}

	if initialState == ring.Suspended {
		if err := pushFreeAllocation(fromProducer, freeSegments); err != nil {
			return fmt.Errorf("hostregistry: resend %s-fromLVM: %w", host, err)
		}
	}

	r.mu.Lock()
	r.conns[host] = &conn{toLVM: toConsumer, fromLVM: fromProducer, freeName: triple.Free, freeID: freeID}
	r.mu.Unlock()
	return nil
}

// Disconnect suspends and drains a connected host's toLVM queue and
// removes it from the registry. Disconnecting a host that is not
// registered is a no-op success.
func (r *Registry) Disconnect(host string) error {
	r.mu.Lock()
	c, ok := r.conns[host]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.toLVM.Suspend(); err != nil {
		return fmt.Errorf("hostregistry: suspend %s-toLVM: %w", host, err)
	}

	r.flushMu.Lock()
	err := r.flushAlreadyLocked(host, c)
	r.flushMu.Unlock()
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.conns, host)
	r.mu.Unlock()
	return nil
}

// Flush drains host's toLVM queue into the VG without changing its
// connection state. It acquires the flush mutex the same way the
// free-pool controller's periodic flush step does.
func (r *Registry) Flush(host string) error {
	r.mu.Lock()
	c, ok := r.conns[host]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.flushAlreadyLocked(host, c)
}

// flushAlreadyLocked assumes the caller holds flushMu. It folds every
// ExpandVolume item queued on host's toLVM ring, journals the matching
// LvExpand/LvCrop pair for each, and advances the toLVM consumer past
// everything it folded.
func (r *Registry) flushAlreadyLocked(host string, c *conn) error {
	var items []xenvmtypes.ExpandVolume
	endPos, err := c.toLVM.Fold(func(raw []byte) error {
		var item xenvmtypes.ExpandVolume
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("hostregistry: decode toLVM item: %w", err)
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hostregistry: fold %s-toLVM: %w", host, err)
	}

	for _, item := range items {
		var targetID string
		if err := r.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
			lv, ok := vg.LVByName(item.VolumeName)
			if !ok {
				return fmt.Errorf("hostregistry: %w: lv %s", xenvmtypes.ErrNotFound, item.VolumeName)
			}
			targetID = lv.ID
			return nil
		}); err != nil {
			return err
		}

		expandOp, err := xenvmtypes.Encode(xenvmtypes.OpExpandLV, xenvmtypes.ExpandLVOp{ID: targetID, Segments: item.Segments})
		if err != nil {
			return err
		}
		if err := r.pushAndWait(expandOp); err != nil {
			return fmt.Errorf("hostregistry: expand %s: %w", item.VolumeName, err)
		}

		cropOp, err := xenvmtypes.Encode(xenvmtypes.OpCropLV, xenvmtypes.CropLVOp{ID: c.freeID, Segments: item.Segments})
		if err != nil {
			return err
		}
		if err := r.pushAndWait(cropOp); err != nil {
			return fmt.Errorf("hostregistry: crop %s-free: %w", host, err)
		}
	}

	return c.toLVM.Advance(endPos)
}

// Destroy disconnects host (if connected) and removes its three
// reserved LVs from the VG.
func (r *Registry) Destroy(host string) error {
	if err := r.Disconnect(host); err != nil {
		return err
	}
	triple := xenvmtypes.NewHostTriple(host)
	for _, name := range []string{triple.ToLVM, triple.FromLVM, triple.Free} {
		id, ok, err := r.lvID(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		kind := xenvmtypes.OpRemoveHostLV
		op, err := xenvmtypes.Encode(kind, xenvmtypes.HostLVOp{Host: host, ID: id, Name: name})
		if err != nil {
			return err
		}
		if err := r.pushAndWait(op); err != nil {
			return fmt.Errorf("hostregistry: remove %s: %w", name, err)
		}
		if err := r.backend.RemoveLV(name); err != nil {
			return fmt.Errorf("hostregistry: remove raw lv %s: %w", name, err)
		}
	}
	return nil
}

// All reports a summary of every currently registered (connected) host.
func (r *Registry) All() ([]xenvmtypes.HostSummary, error) {
	r.mu.Lock()
	hosts := make([]string, 0, len(r.conns))
	conns := make(map[string]*conn, len(r.conns))
	for h, c := range r.conns {
		hosts = append(hosts, h)
		conns[h] = c
	}
	r.mu.Unlock()

	summaries := make([]xenvmtypes.HostSummary, 0, len(hosts))
	for _, host := range hosts {
		c := conns[host]
		triple := xenvmtypes.NewHostTriple(host)

		toRaw, err := r.backend.OpenLV(triple.ToLVM)
		if err != nil {
			return nil, err
		}
		toState, err := ring.QueryState(toRaw)
		if err != nil {
			return nil, err
		}
		fromRaw, err := r.backend.OpenLV(triple.FromLVM)
		if err != nil {
			return nil, err
		}
		fromState, err := ring.QueryState(fromRaw)
		if err != nil {
			return nil, err
		}

		var freeExtents int64
		if err := r.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
			if lv, ok := vg.LVs[c.freeID]; ok {
				freeExtents = lv.SizeInExtents()
			}
			return nil
		}); err != nil {
			return nil, err
		}

		summaries = append(summaries, xenvmtypes.HostSummary{
			Name:        host,
			ToLVM:       xenvmtypes.QueueSummary{LVName: triple.ToLVM, Suspended: toState == ring.Suspended},
			FromLVM:     xenvmtypes.QueueSummary{LVName: triple.FromLVM, Suspended: fromState == ring.Suspended},
			FreeExtents: freeExtents,
		})
	}
	return summaries, nil
}

// Connected reports the hosts currently registered, for the free-pool
// controller's resend/top-up/flush loop.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.conns))
	for h := range r.conns {
		hosts = append(hosts, h)
	}
	return hosts
}

// FreeLVID returns the VG LV ID backing host's free pool.
func (r *Registry) FreeLVID(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[host]
	if !ok {
		return "", false
	}
	return c.freeID, true
}

// FromLVMState and PushFreeAllocationTo are used by the free-pool
// controller's resend step.
func (r *Registry) FromLVMState(host string) (ring.State, error) {
	r.mu.Lock()
	_, ok := r.conns[host]
	r.mu.Unlock()
	if !ok {
		return ring.Running, fmt.Errorf("hostregistry: %w", xenvmtypes.ErrHostNotCreated)
	}
	triple := xenvmtypes.NewHostTriple(host)
	raw, err := r.backend.OpenLV(triple.FromLVM)
	if err != nil {
		return ring.Running, err
	}
	return ring.QueryState(raw)
}

// PushFreeAllocationTo delivers segments to host's fromLVM ring,
// blocking on the 5s transient back-off if the ring is full or
// suspended.
func (r *Registry) PushFreeAllocationTo(host string, segments []xenvmtypes.Segment) error {
	r.mu.Lock()
	c, ok := r.conns[host]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostregistry: %w", xenvmtypes.ErrHostNotCreated)
	}
	return pushFreeAllocation(c.fromLVM, segments)
}

func pushFreeAllocation(producer *ring.Producer, segments []xenvmtypes.Segment) error {
	item := xenvmtypes.FreeAllocationItem{Extents: segments}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	for {
		pos, err := producer.Push(data)
		switch {
		case err == nil:
			return producer.Advance(pos)
		case isRetryOrSuspended(err):
			time.Sleep(suspendPollInterval)
		default:
			return err
		}
	}
}

func isRetryOrSuspended(err error) bool {
	return err == xenvmtypes.ErrRetry || err == xenvmtypes.ErrSuspended
}

func (r *Registry) pushAndWait(op xenvmtypes.Op) error {
	w, err := r.journal.Push(op)
	if err != nil {
		return err
	}
	return w.Result()
}

func (r *Registry) lvExists(name string) (bool, error) {
	var exists bool
	err := r.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		_, exists = vg.LVByName(name)
		return nil
	})
	return exists, err
}

func (r *Registry) lvID(name string) (string, bool, error) {
	var id string
	var ok bool
	err := r.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, found := vg.LVByName(name)
		if found {
			id, ok = lv.ID, true
		}
		return nil
	})
	return id, ok, err
}

// ensureRawLV creates name as a raw backend LV, or opens it if an
// earlier, crashed Create already got that far.
func (r *Registry) ensureRawLV(name string) (lvmcodec.LV, string, error) {
	id := uuid.NewString()
	lv, err := r.backend.CreateLV(id, name, hostLVSizeBytes)
	if err == nil {
		return lv, id, nil
	}
	lv, openErr := r.backend.OpenLV(name)
	if openErr != nil {
		return nil, "", err
	}
	return lv, lv.ID(), nil
}

func eraseAndInitRing(lv lvmcodec.LV) error {
	zero := make([]byte, lv.SizeBytes())
	if _, err := lv.WriteAt(zero, 0); err != nil {
		return err
	}
	if err := lv.Sync(); err != nil {
		return err
	}
	return ring.Create(lv)
}

// registerReservedLV records one of a host's reserved LVs in the VG,
// allocating its backing extents from free_space. Already-registered
// LVs (lvID present in the VG) are left alone, this makes repeated
// Create calls after a crash safe.
func (r *Registry) registerReservedLV(host, name, lvID string) error {
	var segments []xenvmtypes.Segment
	var already bool
	err := r.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		if _, ok := vg.LVs[lvID]; ok {
			already = true
			return nil
		}
		extentSize := vg.ExtentSectors * 512
		want := (hostLVSizeBytes + extentSize - 1) / extentSize
		alloc := vgstore.PeekFreeExtents(vg, want)
		if alloc.OnlyThisMuch {
			return fmt.Errorf("hostregistry: %w: need %d extents for %s, only %d free", xenvmtypes.ErrRetry, want, name, alloc.Available)
		}
		segments = make([]xenvmtypes.Segment, len(alloc.Extents))
		for i, e := range alloc.Extents {
			segments[i] = xenvmtypes.Segment{LogicalStart: 0, Length: e.Length, PV: e.PV, PhysicalStart: e.Start}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	op, err := xenvmtypes.Encode(xenvmtypes.OpCreateHostLV, xenvmtypes.HostLVOp{Host: host, ID: lvID, Name: name, Segments: segments})
	if err != nil {
		return err
	}
	return r.pushAndWait(op)
}
