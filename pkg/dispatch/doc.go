/*
Package dispatch is the thin method layer external requests arrive
through: it maps the RPC operations in pkg/rpcserver onto pkg/vgstore
and pkg/hostregistry under their own lock discipline, and supplies the
journal's apply function that turns a committed redo-log op into a VG
write (and, for FreeAllocation, a ring push).

Dispatch itself holds no state of its own beyond the handles it was
built with. Every LV mutation it performs goes through the journal
first (see Apply), so a crash between "caller asked for this" and "VG
reflects it" always replays to the same outcome on restart.
*/
package dispatch
