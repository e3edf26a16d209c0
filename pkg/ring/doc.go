/*
Package ring implements the persistent single-producer/single-consumer
queue that backs every host's toLVM and fromLVM channel. The daemon's
redo journal in pkg/journal does not use it; it is a Raft log.

A ring lives entirely inside one logical volume: a fixed-size header
(magic, producer position, consumer position, a suspended flag) followed
by a power-of-two byte buffer holding length-framed items. Positions are
monotonically increasing byte offsets that are never wrapped logically,
only `pos % len(buffer)` is wrapped when computing a physical offset,
so a producer and a consumer can each own one field of the header
without a lock between them.
*/
package ring
