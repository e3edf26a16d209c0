package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/metrics"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// shutdownGrace is how long Shutdown sleeps after stopping the
// free-pool controller and closing the journal, before it returns.
const shutdownGrace = time.Second

// Dispatcher is the daemon's request-dispatch layer: every operation
// pkg/rpcserver exposes is a direct call into one of these methods,
// which in turn takes the VG lock (via pkg/vgstore) and/or the
// host-registry's own locks. Dispatch holds no state beyond the
// handles it was built with.
type Dispatcher struct {
	store   *vgstore.Store
	journal *journal.Journal
	hosts   *hostregistry.Registry
	logger  zerolog.Logger

	stopControllers func()

	// fatal carries a FatalError observed while applying a committed
	// journal entry, the only place a failure threatens the
	// single-writer invariant badly enough to halt the daemon.
	// Buffered by one: the daemon is exiting either way, only the
	// first fatal error needs to reach the run loop.
	fatal chan error
}

// New builds a Dispatcher. jr and hosts may be nil at construction
// time and filled in later with Bootstrap, the journal's ApplyFunc is
// this Dispatcher's own Apply method, so the journal cannot exist
// before the Dispatcher does. stopControllers is invoked once by
// Shutdown to stop the free-pool controller before the journal is
// closed; it may be nil.
func New(store *vgstore.Store, jr *journal.Journal, hosts *hostregistry.Registry, stopControllers func()) *Dispatcher {
	return &Dispatcher{
		store:           store,
		journal:         jr,
		hosts:           hosts,
		logger:          xenvmlog.WithComponent("dispatch"),
		stopControllers: stopControllers,
		fatal:           make(chan error, 1),
	}
}

// FatalCh reports a FatalError observed while applying a committed
// journal entry. cmd/xenvmd's run loop selects on it and exits the
// process, continuing to serve RPCs after vgstore or the journal has
// failed to apply a committed op would leave the VG's on-disk state
// diverging from what clients are told it is.
func (d *Dispatcher) FatalCh() <-chan error {
	return d.fatal
}

// reportFatal wraps err as a FatalError and delivers it on fatal
// without blocking, a channel already holding an error means the
// daemon is already on its way down. It returns the wrapped error so
// callers that themselves return to the journal's replay loop also
// see the failure.
func (d *Dispatcher) reportFatal(err error) error {
	if err == nil {
		return nil
	}
	wrapped := xenvmtypes.Fatal(err)
	select {
	case d.fatal <- wrapped:
	default:
	}
	return wrapped
}

// Bootstrap fills in the journal and host-registry handles after
// construction, completing the two-phase wiring every caller outside
// this package needs: build a Dispatcher with New, start the journal
// with its Apply method, build the host registry against that
// journal, then Bootstrap ties the three together.
func (d *Dispatcher) Bootstrap(jr *journal.Journal, hosts *hostregistry.Registry, stopControllers func()) {
	d.journal = jr
	d.hosts = hosts
	d.stopControllers = stopControllers
}

// Apply is the journal.ApplyFunc installed at startup: it decodes one
// committed redo-log op and turns it into the matching vgstore
// mutation, and for FreeAllocation also the ring push that hands the
// allocation to the host. Every branch is idempotent, since the
// journal replays its committed-but-unapplied suffix on every restart.
func (d *Dispatcher) Apply(op xenvmtypes.Op) error {
	switch op.Kind {
	case xenvmtypes.OpCreateLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyCreateLV))
	case xenvmtypes.OpRemoveLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyRemoveLV))
	case xenvmtypes.OpExpandLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyExpandLV))
	case xenvmtypes.OpCropLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyCropLV))
	case xenvmtypes.OpRenameLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyRenameLV))
	case xenvmtypes.OpSetStatus:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplySetStatus))
	case xenvmtypes.OpAddTag:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyAddTag))
	case xenvmtypes.OpRemoveTag:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyRemoveTag))
	case xenvmtypes.OpAllocateLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyAllocateLV))
	case xenvmtypes.OpCreateHostLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyCreateHostLV))
	case xenvmtypes.OpRemoveHostLV:
		return d.reportFatal(decodeAndWrite(d.store, op, vgstore.ApplyRemoveHostLV))
	case xenvmtypes.OpFreeAllocation:
		return d.applyFreeAllocation(op)
	default:
		return d.reportFatal(fmt.Errorf("dispatch: unknown op kind %q", op.Kind))
	}
}

// decodeAndWrite unmarshals op.Data into a P and runs applyFn against
// the store under the VG lock. It is generic over every op payload
// type so Apply's switch stays a flat dispatch table.
func decodeAndWrite[P any](store *vgstore.Store, op xenvmtypes.Op, applyFn func(*xenvmtypes.VolumeGroup, P) error) error {
	var payload P
	if err := json.Unmarshal(op.Data, &payload); err != nil {
		return fmt.Errorf("dispatch: decode %s: %w", op.Kind, err)
	}
	timer := metrics.NewTimer()
	err := store.Write(func(vg *xenvmtypes.VolumeGroup) error { return applyFn(vg, payload) })
	timer.ObserveDuration(metrics.VGWriteDuration)
	if err == nil {
		metrics.JournalOpsTotal.WithLabelValues(string(op.Kind)).Inc()
	}
	return err
}

// applyFreeAllocation performs both halves of a FreeAllocation op: the
// VG write that extends the host's free-pool LV, and the fromLVM ring
// push that hands the same extents to the host. Both halves are
// idempotent (see vgstore.ApplyFreeAllocation and
// hostregistry.PushFreeAllocationTo), so replaying this op after a
// crash between the two halves reproduces the same end state.
func (d *Dispatcher) applyFreeAllocation(op xenvmtypes.Op) error {
	var payload xenvmtypes.FreeAllocationOp
	if err := json.Unmarshal(op.Data, &payload); err != nil {
		return fmt.Errorf("dispatch: decode %s: %w", op.Kind, err)
	}
	freeID, ok := d.hosts.FreeLVID(payload.Host)
	if !ok {
		return fmt.Errorf("dispatch: free_allocation: %w: host %s", xenvmtypes.ErrHostNotCreated, payload.Host)
	}
	timer := metrics.NewTimer()
	err := d.store.Write(func(vg *xenvmtypes.VolumeGroup) error {
		return vgstore.ApplyFreeAllocation(vg, freeID, payload.Extents)
	})
	timer.ObserveDuration(metrics.VGWriteDuration)
	if err != nil {
		return d.reportFatal(err)
	}
	metrics.JournalOpsTotal.WithLabelValues(string(op.Kind)).Inc()
	return d.hosts.PushFreeAllocationTo(payload.Host, payload.Extents)
}

// pushAndWait journals op and blocks until its apply has completed.
func (d *Dispatcher) pushAndWait(op xenvmtypes.Op) error {
	w, err := d.journal.Push(op)
	if err != nil {
		return err
	}
	return w.Result()
}

// Get returns the full VG snapshot.
func (d *Dispatcher) Get() (*xenvmtypes.VolumeGroup, error) {
	var out *xenvmtypes.VolumeGroup
	err := d.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		out = vg
		return nil
	})
	return out, err
}

// GetLV returns a VG whose LV map holds exactly the one named LV,
// the shape "get_lv(name)" calls for, used by clients that
// only want one volume's detail without the whole VG.
func (d *Dispatcher) GetLV(name string) (*xenvmtypes.VolumeGroup, error) {
	var out *xenvmtypes.VolumeGroup
	err := d.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, ok := vg.LVByName(name)
		if !ok {
			return fmt.Errorf("dispatch: get_lv: %w: %s", xenvmtypes.ErrNotFound, name)
		}
		out = vg.Clone()
		out.LVs = map[string]*xenvmtypes.LogicalVolume{lv.ID: lv}
		return nil
	})
	return out, err
}

// CreateLV creates a new logical volume, allocating sizeExtents
// contiguous extents from the VG's free_space (not from any host's
// free pool, this is a direct administrative create, distinct from
// the host-driven ExpandVolume path hostregistry's flush handles).
func (d *Dispatcher) CreateLV(name string, sizeExtents int64, status []xenvmtypes.LVStatus, tags []string) (string, error) {
	if _, ok, err := d.lvByName(name); err != nil {
		return "", err
	} else if ok {
		return "", fmt.Errorf("dispatch: create_lv: lv %q already exists", name)
	}

	id := uuid.NewString()
	createOp, err := xenvmtypes.Encode(xenvmtypes.OpCreateLV, xenvmtypes.CreateLVOp{ID: id, Name: name, Status: status, Tags: tags})
	if err != nil {
		return "", err
	}
	if err := d.pushAndWait(createOp); err != nil {
		return "", fmt.Errorf("dispatch: create_lv %s: %w", name, err)
	}
	if err := d.store.Sync(); err != nil {
		return "", fmt.Errorf("dispatch: create_lv %s: sync: %w", name, err)
	}

	if sizeExtents <= 0 {
		return id, nil
	}
	if err := d.allocateOnto(id, sizeExtents); err != nil {
		return "", fmt.Errorf("dispatch: create_lv %s: allocate: %w", name, err)
	}
	return id, nil
}

// ResizeLV grows name by extraExtents, drawn from the VG's free_space.
func (d *Dispatcher) ResizeLV(name string, extraExtents int64) error {
	id, ok, err := d.lvByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatch: resize_lv: %w: %s", xenvmtypes.ErrNotFound, name)
	}
	if extraExtents <= 0 {
		return nil
	}
	return d.allocateOnto(id, extraExtents)
}

// allocateOnto finds `want` contiguous free extents and journals the
// AllocateLV op that assigns them to lvID. ErrRetry surfaces to the
// caller when the VG currently has less than `want` contiguous space;
// callers may retry once the free-pool controller's flush step returns
// more space to free_space.
func (d *Dispatcher) allocateOnto(lvID string, want int64) error {
	var alloc vgstore.AllocResult
	if err := d.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		alloc = vgstore.PeekFreeExtents(vg, want)
		return nil
	}); err != nil {
		return err
	}
	if alloc.OnlyThisMuch {
		return fmt.Errorf("dispatch: %w: need %d extents, only %d free", xenvmtypes.ErrRetry, want, alloc.Available)
	}
	segments := make([]xenvmtypes.Segment, len(alloc.Extents))
	for i, e := range alloc.Extents {
		segments[i] = xenvmtypes.Segment{LogicalStart: 0, Length: e.Length, PV: e.PV, PhysicalStart: e.Start}
	}
	op, err := xenvmtypes.Encode(xenvmtypes.OpAllocateLV, xenvmtypes.AllocateLVOp{ID: lvID, Segments: segments})
	if err != nil {
		return err
	}
	return d.pushAndWait(op)
}

// RenameLV gives the LV called name the new name newName; its LV ID
// is unchanged.
func (d *Dispatcher) RenameLV(name, newName string) error {
	id, ok, err := d.lvByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatch: rename_lv: %w: %s", xenvmtypes.ErrNotFound, name)
	}
	op, err := xenvmtypes.Encode(xenvmtypes.OpRenameLV, xenvmtypes.RenameLVOp{ID: id, NewName: newName})
	if err != nil {
		return err
	}
	if err := d.pushAndWait(op); err != nil {
		return err
	}
	return d.store.Sync()
}

// RemoveLV deletes name, returning its extents to free_space.
func (d *Dispatcher) RemoveLV(name string) error {
	id, ok, err := d.lvByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatch: remove_lv: %w: %s", xenvmtypes.ErrNotFound, name)
	}
	op, err := xenvmtypes.Encode(xenvmtypes.OpRemoveLV, xenvmtypes.RemoveLVOp{ID: id})
	if err != nil {
		return err
	}
	return d.pushAndWait(op)
}

// SetStatus replaces name's status flags.
func (d *Dispatcher) SetStatus(name string, status []xenvmtypes.LVStatus) error {
	id, ok, err := d.lvByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatch: set_status: %w: %s", xenvmtypes.ErrNotFound, name)
	}
	op, err := xenvmtypes.Encode(xenvmtypes.OpSetStatus, xenvmtypes.SetStatusOp{ID: id, Status: status})
	if err != nil {
		return err
	}
	return d.pushAndWait(op)
}

// AddTag adds tag to name's tag set.
func (d *Dispatcher) AddTag(name, tag string) error {
	return d.tagOp(xenvmtypes.OpAddTag, name, tag)
}

// RemoveTag removes tag from name's tag set.
func (d *Dispatcher) RemoveTag(name, tag string) error {
	return d.tagOp(xenvmtypes.OpRemoveTag, name, tag)
}

func (d *Dispatcher) tagOp(kind xenvmtypes.OpKind, name, tag string) error {
	id, ok, err := d.lvByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatch: %s: %w: %s", kind, xenvmtypes.ErrNotFound, name)
	}
	op, err := xenvmtypes.Encode(kind, xenvmtypes.TagOp{ID: id, Tag: tag})
	if err != nil {
		return err
	}
	return d.pushAndWait(op)
}

// Flush is specified as flush-all: the daemon does not track a
// per-host LV-ownership index, so "flush name" degrades to flushing
// every connected host's toLVM queue.
func (d *Dispatcher) Flush(name string) error {
	_ = name
	var firstErr error
	for _, host := range d.hosts.Connected() {
		if err := d.hosts.Flush(host); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown stops the free-pool controller, closes the journal and
// then sleeps for the shutdown grace period before returning. It does
// not disconnect registered hosts and does not end the process.
func (d *Dispatcher) Shutdown() error {
	d.logger.Info().Msg("shutdown requested")
	if d.stopControllers != nil {
		d.stopControllers()
	}
	if err := d.journal.Shutdown(); err != nil {
		return d.reportFatal(err)
	}
	time.Sleep(shutdownGrace)
	return nil
}

// Host exposes the registry for rpcserver's Host.* methods. Dispatch
// adds nothing over the registry for host-lifecycle operations, they
// already serialise through the registry's own mutex and flush-mutex,
// so rpcserver calls straight through.
func (d *Dispatcher) Host() *hostregistry.Registry { return d.hosts }

func (d *Dispatcher) lvByName(name string) (string, bool, error) {
	var id string
	var ok bool
	err := d.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		lv, found := vg.LVByName(name)
		if found {
			id, ok = lv.ID, true
		}
		return nil
	})
	return id, ok, err
}
