/*
Package hostsim is a test/demo stand-in for the out-of-scope per-host
local allocator: the agent that would normally run on each SAN client,
consuming FreeAllocationItems from its fromLVM ring and producing
ExpandVolume requests onto its toLVM ring. The real allocator also owns
lvcreate/lvextend request handling and kernel device-mapper plumbing;
hostsim implements neither, it only drives the ring protocol closely
enough for integration tests and xenvmd's "demo" subcommand to exercise
the daemon side (pkg/hostregistry, pkg/allocator) in-process, without a
second host agent to stand up.

A Host must already be registered and connected through
hostregistry.Registry before Attach is called: hostsim opens the same
named LVs (<host>-toLVM, <host>-fromLVM) the registry created, it does
not create them itself.
*/
package hostsim
