/*
Package hostregistry owns the per-host state machine
(absent → created → connected → created → absent) and the flush
mutex that serialises "drain this host's toLVM queue into the VG"
against both an explicit disconnect and the free-pool controller's
own periodic flush.

It holds no locks of its own over the VG; every VG mutation it issues
goes through pkg/vgstore, which owns that discipline. The flush mutex
here is a second, narrower lock: held only across
flushAlreadyLocked, exactly as long as it takes to fold one host's
toLVM ring and apply the resulting LvExpand/LvCrop pair per item.
*/
package hostregistry
