package rpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/powerman/rpc-codec/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheng-z/xenvm/pkg/dispatch"
	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// newTestServer builds a Dispatcher with the same two-phase
// New/Bootstrap wiring cmd/xenvmd uses, registers it on a Server, and serves it over a Unix socket in
// the test's temp dir so no port allocation races with other tests.
func newTestServer(t *testing.T) (*jsonrpc2.Client, func()) {
	t.Helper()
	backend := lvmcodec.NewMemBackend()
	store, err := vgstore.Open(filepath.Join(t.TempDir(), "vg.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(&xenvmtypes.VolumeGroup{
		Name:          "vg0",
		ExtentSectors: 8192,
		PVs:           []xenvmtypes.PVInfo{{Name: "pv0", Device: "/dev/sda", Extents: 1000}},
		FreeSpace:     []xenvmtypes.ExtentRange{{PV: "pv0", Start: 0, Length: 1000}},
		LVs:           map[string]*xenvmtypes.LogicalVolume{},
	}))

	d := dispatch.New(store, nil, nil, nil)
	jr, err := journal.Start(journal.Config{NodeID: "node1", DataDir: t.TempDir(), BindAddr: "127.0.0.1:0"}, d.Apply)
	require.NoError(t, err)
	hosts := hostregistry.New(backend, store, jr, xenvmlog.WithComponent("rpcserver_test"))
	d.Bootstrap(jr, hosts, nil)

	srv, err := New(d)
	require.NoError(t, err)

	sockPath := filepath.Join(t.TempDir(), "xenvm.sock")
	require.NoError(t, srv.ServeUnix(sockPath))

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, dialErr := net.Dial("unix", sockPath)
		if dialErr != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)

	client := jsonrpc2.NewClient(conn)
	cleanup := func() {
		client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		jr.Shutdown()
	}
	return client, cleanup
}

func TestServerCreateAndGetLV(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	var createReply CreateLVReply
	err := client.Call("Xenvm.CreateLV", CreateLVArgs{Name: "vol1", SizeExtents: 4}, &createReply)
	require.NoError(t, err)
	assert.NotEmpty(t, createReply.ID)

	var getReply VGReply
	require.NoError(t, client.Call("Xenvm.GetLV", NameArgs{Name: "vol1"}, &getReply))
	assert.Len(t, getReply.VG.LVs, 1)
}

func TestServerGetLVNotFoundReturnsDistinguishedCode(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	var reply VGReply
	err := client.Call("Xenvm.GetLV", NameArgs{Name: "missing"}, &reply)
	require.Error(t, err)
	jerr := jsonrpc2.ServerError(err)
	require.NotNil(t, jerr, "expected a decodable JSON-RPC error, got %v", err)
	assert.Equal(t, codeNotFound, jerr.Code)
}

func TestServerHostLifecycle(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	require.NoError(t, client.Call("Host.Create", HostNameArgs{Host: "h1"}, &struct{}{}))
	require.NoError(t, client.Call("Host.Connect", HostNameArgs{Host: "h1"}, &struct{}{}))

	var all HostAllReply
	require.NoError(t, client.Call("Host.All", struct{}{}, &all))
	require.Len(t, all.Hosts, 1)
	assert.Equal(t, "h1", all.Hosts[0].Name)

	require.NoError(t, client.Call("Host.Disconnect", HostNameArgs{Host: "h1"}, &struct{}{}))
}

func TestServerCreateLVDuplicateNameIsGenericError(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	var reply CreateLVReply
	require.NoError(t, client.Call("Xenvm.CreateLV", CreateLVArgs{Name: "vol1"}, &reply))

	err := client.Call("Xenvm.CreateLV", CreateLVArgs{Name: "vol1"}, &reply)
	require.Error(t, err)
	assert.NotNil(t, jsonrpc2.ServerError(err), "expected a decodable JSON-RPC error, got %v", err)
}
