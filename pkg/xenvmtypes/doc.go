/*
Package xenvmtypes defines the domain model shared across the xenvm
daemon: volume-group and logical-volume metadata, the per-host ring-queue
triple, redo-log operations, and startup configuration.

These types carry no behavior beyond simple accessors; the packages that
mutate them (pkg/vgstore, pkg/journal, pkg/hostregistry) own the locking
and persistence discipline.
*/
package xenvmtypes
