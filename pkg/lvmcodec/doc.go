/*
Package lvmcodec is the narrow seam between the daemon and the things it
deliberately does not implement: the LVM2 on-disk codec, raw block I/O,
and device-mapper. Those belong to lvm2 and the kernel, not to this
repository.

The packages that touch raw LVs, pkg/ring, pkg/hostregistry and
pkg/hostsim, talk only to the LV and Backend interfaces below; pkg/vgstore
and pkg/journal keep their own state in bbolt and Raft files instead. MemBackend gives
them a working, fully in-memory implementation so the daemon runs and
its tests pass without a real volume group or a SAN attached; a future
backend wired to liblvm2cmd and /dev/mapper can replace it without
touching a caller.
*/
package lvmcodec
