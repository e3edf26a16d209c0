/*
Package journal is the daemon's crash-safe redo log: every mutating
operation is durably appended here, in a single-writer Raft group
bootstrapped with exactly one voter, before it is applied to
pkg/vgstore. On restart the log replays from the last applied index,
reproducing any operation that committed but whose apply step had not
yet finished or been observed.

Raft is used here as a durable, ordered append log, not for
multi-node consensus, the daemon never joins a second voter, and
Apply always runs synchronously relative to the applier goroutine
that drives it. The real durable state lives in pkg/vgstore's own
bbolt file, so Snapshot/Restore need only satisfy Raft's log
compaction, not carry any state the daemon depends on.
*/
package journal
