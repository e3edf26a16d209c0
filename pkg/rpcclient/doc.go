/*
Package rpcclient is a thin JSON-RPC 2.0 client for pkg/rpcserver,
used by cmd/xenvmctl. It dials either a
Unix-domain socket or a host:port TCP address and exposes one Go method
per RPC method rpcserver registers, translating jsonrpc2's generic
call errors back into the same distinguished xenvmtypes sentinels the
daemon raised them from.
*/
package rpcclient
