/*
Package allocator implements the free-pool controller: the periodic task
that keeps every connected host's free-pool LV topped up and drains its
queued allocations back into the volume group.

Hosts never talk to the volume group directly. Each host owns three
reserved LVs (toLVM, fromLVM, free) and exchanges extents with xenvmd
over the two ring queues attached to them (see pkg/ring,
pkg/hostregistry). The free-pool controller is the other side of that
exchange: it watches every connected host's free-pool size and its
fromLVM ring state, and acts so that a host's local allocator always has
enough free extents on hand and never waits indefinitely on a stuck
ring.

# Architecture

The controller runs on a fixed 5-second interval. Each tick performs
three steps, always in the same order:

	┌────────────────────────────────────────────────────────────┐
	│              Free-Pool Controller Tick                     │
	│                    (Every 5 seconds)                        │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┼────────────┬────────────────┐
	    ▼            ▼            ▼
	┌─────────┐  ┌─────────┐  ┌─────────┐
	│ Resend  │  │ Top-up  │  │ Flush   │
	└────┬────┘  └────┬────┘  └────┬────┘
	     │            │            │
	     ▼            ▼            ▼
	Suspended    free_mib <    Drain toLVM
	fromLVM ->   low_water ->  queues into
	re-push      allocate      the VG
	free-pool    quantum

# Step Ordering

Resend runs first: a local allocator that restarted since the last tick
left its fromLVM ring Suspended, and must see the extents it already
owns before the controller considers granting it more. Top-up runs
second, so the reservoir stays full once every host is in sync.
Flush runs last, returning extents that hosts have already assigned to
named LVs back under the VG's direct bookkeeping.

# Resend

For every connected host whose fromLVM ring is Suspended, the
controller re-reads the host's current free-pool LV (`H-free`) segments
from the VG store and pushes them onto fromLVM. The push blocks,
polling, until the ring is Running, the same wait-then-push the host
registry performs on Connect when it observes an already-suspended
ring.

# Top-up

For each connected host, free_mib is computed as
free_extents * extent_size_mib. If free_mib falls below the configured
low-water mark, the controller asks the VG store for a contiguous batch
of host_allocation_quantum_mib worth of extents. Two outcomes:

  - Insufficient contiguous space (OnlyThisMuch): the host is skipped
    this tick and retried on the next. This is not an error.
  - Enough space: a FreeAllocation op is journaled and its completion
    awaited before the controller proceeds to the next host. The
    journal's apply callback both extends the host's free-pool LV in
    the VG and delivers the new extents over fromLVM.

# Flush

For every connected host, the controller calls the host registry's
Flush, which folds queued ExpandVolume items off the host's toLVM ring
and journals the matching LvExpand/LvCrop pair for each, transferring
ownership of extents the host has already assigned to a named LV out of
its free pool.

# Concurrency

A single mutex serialises tick execution so two ticks never run
concurrently (the ticker only fires the next tick after the previous one
returns, but Stop/Start races are still guarded). Each step logs and
continues past a single host's failure rather than aborting the whole
tick, a problem with one host must not block resend/top-up/flush for
every other host.
*/
package allocator
