/*
Package vgstore is the single-writer, bbolt-backed view of the volume
group. It exposes Read and Write, each covering the whole VG under one
mutex: the LVM2 on-disk layout tolerates exactly one mutator, and VG
mutations are infrequent enough next to ring-queue traffic that coarse
locking costs nothing observable.

Write's callback mutates a working copy of the VG and returns only an
error; Write records no redo op. vgstore persists the new VG to bbolt
before releasing the lock, so a reader never observes a VG that is not
yet durable. The redo ops live in pkg/journal: the daemon's callers
journal an op first and reach Write from that op's apply step.
*/
package vgstore
