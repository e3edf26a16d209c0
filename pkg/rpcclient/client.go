package rpcclient

import (
	"fmt"

	"github.com/powerman/rpc-codec/jsonrpc2"

	"github.com/cheng-z/xenvm/pkg/rpcserver"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// Client wraps a JSON-RPC 2.0 connection to a running xenvmd and
// exposes one method per RPC the daemon registers.
type Client struct {
	rpc *jsonrpc2.Client
}

// DialUnix connects to a daemon listening on a Unix-domain socket.
func DialUnix(path string) (*Client, error) {
	c, err := jsonrpc2.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", path, err)
	}
	return &Client{rpc: c}, nil
}

// DialTCP connects to a daemon listening on host:port over TCP, using
// the JSON-RPC HTTP transport the daemon's TCP listener serves.
func DialTCP(addr string) (*Client, error) {
	return NewHTTP("http://" + addr + "/"), nil
}

// NewHTTP connects over the JSON-RPC HTTP transport instead of a raw
// socket, for daemons reachable only through a URL (e.g. behind a
// reverse proxy).
func NewHTTP(url string) *Client {
	return &Client{rpc: jsonrpc2.NewHTTPClient(url)}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// call runs the RPC and, on failure, decodes a JSON-RPC error reply
// back into the xenvmtypes sentinel it was raised from, so callers can
// errors.Is against the same errors the daemon returns internally.
func (c *Client) call(method string, args, reply interface{}) error {
	err := c.rpc.Call(method, args, reply)
	return translate(err)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	jerr := jsonrpc2.ServerError(err)
	if jerr == nil {
		return err
	}
	switch jerr.Code {
	case -32001:
		return fmt.Errorf("%s: %w", jerr.Message, xenvmtypes.ErrHostNotCreated)
	case -32002:
		return fmt.Errorf("%s: %w", jerr.Message, xenvmtypes.ErrNotFound)
	case -32003:
		return fmt.Errorf("%s: %w", jerr.Message, xenvmtypes.ErrRetry)
	default:
		return err
	}
}

// HostCreate is Host.Create.
func (c *Client) HostCreate(host string) error {
	return c.call("Host.Create", &rpcserver.HostNameArgs{Host: host}, &struct{}{})
}

// HostConnect is Host.Connect.
func (c *Client) HostConnect(host string) error {
	return c.call("Host.Connect", &rpcserver.HostNameArgs{Host: host}, &struct{}{})
}

// HostDisconnect is Host.Disconnect.
func (c *Client) HostDisconnect(host string) error {
	return c.call("Host.Disconnect", &rpcserver.HostNameArgs{Host: host}, &struct{}{})
}

// HostDestroy is Host.Destroy.
func (c *Client) HostDestroy(host string) error {
	return c.call("Host.Destroy", &rpcserver.HostNameArgs{Host: host}, &struct{}{})
}

// HostAll is Host.All.
func (c *Client) HostAll() ([]xenvmtypes.HostSummary, error) {
	var reply rpcserver.HostAllReply
	if err := c.call("Host.All", &struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply.Hosts, nil
}

// Get is Xenvm.Get.
func (c *Client) Get() (*xenvmtypes.VolumeGroup, error) {
	var reply rpcserver.VGReply
	if err := c.call("Xenvm.Get", &struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply.VG, nil
}

// GetLV is Xenvm.GetLV.
func (c *Client) GetLV(name string) (*xenvmtypes.VolumeGroup, error) {
	var reply rpcserver.VGReply
	if err := c.call("Xenvm.GetLV", &rpcserver.NameArgs{Name: name}, &reply); err != nil {
		return nil, err
	}
	return reply.VG, nil
}

// CreateLV is Xenvm.CreateLV.
func (c *Client) CreateLV(name string, sizeExtents int64, status []xenvmtypes.LVStatus, tags []string) (string, error) {
	var reply rpcserver.CreateLVReply
	args := &rpcserver.CreateLVArgs{Name: name, SizeExtents: sizeExtents, Status: status, Tags: tags}
	if err := c.call("Xenvm.CreateLV", args, &reply); err != nil {
		return "", err
	}
	return reply.ID, nil
}

// RenameLV is Xenvm.RenameLV.
func (c *Client) RenameLV(name, newName string) error {
	return c.call("Xenvm.RenameLV", &rpcserver.RenameLVArgs{Name: name, NewName: newName}, &struct{}{})
}

// RemoveLV is Xenvm.RemoveLV.
func (c *Client) RemoveLV(name string) error {
	return c.call("Xenvm.RemoveLV", &rpcserver.NameArgs{Name: name}, &struct{}{})
}

// ResizeLV is Xenvm.ResizeLV.
func (c *Client) ResizeLV(name string, extraExtents int64) error {
	return c.call("Xenvm.ResizeLV", &rpcserver.ResizeLVArgs{Name: name, ExtraExtents: extraExtents}, &struct{}{})
}

// SetStatus is Xenvm.SetStatus.
func (c *Client) SetStatus(name string, status []xenvmtypes.LVStatus) error {
	return c.call("Xenvm.SetStatus", &rpcserver.SetStatusArgs{Name: name, Status: status}, &struct{}{})
}

// AddTag is Xenvm.AddTag.
func (c *Client) AddTag(name, tag string) error {
	return c.call("Xenvm.AddTag", &rpcserver.TagArgs{Name: name, Tag: tag}, &struct{}{})
}

// RemoveTag is Xenvm.RemoveTag.
func (c *Client) RemoveTag(name, tag string) error {
	return c.call("Xenvm.RemoveTag", &rpcserver.TagArgs{Name: name, Tag: tag}, &struct{}{})
}

// Flush is Xenvm.Flush.
func (c *Client) Flush() error {
	return c.call("Xenvm.Flush", &rpcserver.NameArgs{}, &struct{}{})
}

// Shutdown is Xenvm.Shutdown.
func (c *Client) Shutdown() error {
	return c.call("Xenvm.Shutdown", &struct{}{}, &struct{}{})
}
