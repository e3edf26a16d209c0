/*
Package rpcserver exposes pkg/dispatch over JSON-RPC 2.0, simultaneously
on a TCP listener and a Unix-domain socket. Method names mirror the
operations pkg/hostregistry and pkg/dispatch expose: "Host.Create",
"Host.Connect", "Host.Disconnect", "Host.Destroy", "Host.All", and
"Xenvm.Get", "Xenvm.CreateLV", "Xenvm.RenameLV", "Xenvm.RemoveLV",
"Xenvm.ResizeLV", "Xenvm.SetStatus", "Xenvm.AddTag", "Xenvm.RemoveTag",
"Xenvm.GetLV", "Xenvm.Flush", "Xenvm.Shutdown".

Both services are thin: every method immediately calls into pkg/dispatch
and translates its result (or error) into the shapes net/rpc plus
github.com/powerman/rpc-codec/jsonrpc2 expect. Domain errors
(HostNotCreated, NotFound, Retry) are returned as jsonrpc2.Error values
so they surface to the caller with a distinguished error code instead
of a generic -32000.
*/
package rpcserver
