/*
Package config loads the daemon's typed startup configuration from a
YAML file, once, before any other subsystem is constructed. Nothing in
the daemon re-reads or mutates the loaded Config afterwards: the
allocation quantum, low-water mark, VG name and device list are
immutable for the lifetime of the process.
*/
package config
