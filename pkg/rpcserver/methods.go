package rpcserver

import (
	"github.com/cheng-z/xenvm/pkg/dispatch"
	"github.com/cheng-z/xenvm/pkg/metrics"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// HostService exposes pkg/hostregistry's lifecycle operations
// as net/rpc methods, registered under the "Host" service name.
type HostService struct {
	d *dispatch.Dispatcher
}

// HostNameArgs is the parameter shape for every Host.* method except
// All, which takes none.
type HostNameArgs struct {
	Host string `json:"host"`
}

// HostAllReply is Host.All's result: a summary per registered host.
type HostAllReply struct {
	Hosts []xenvmtypes.HostSummary `json:"hosts"`
}

func (s *HostService) call(method string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.RPCRequestDuration, method)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	return codeError(err)
}

// Create is "Host.Create": idempotently provisions host's three
// reserved LVs.
func (s *HostService) Create(args *HostNameArgs, reply *struct{}) error {
	return s.call("Host.Create", func() error { return s.d.Host().Create(args.Host) })
}

// Connect is "Host.Connect": attaches ring handles for an
// already-created host and registers it as connected.
func (s *HostService) Connect(args *HostNameArgs, reply *struct{}) error {
	return s.call("Host.Connect", func() error { return s.d.Host().Connect(args.Host) })
}

// Disconnect is "Host.Disconnect": suspends and drains the host's
// toLVM queue before removing it from the registry.
func (s *HostService) Disconnect(args *HostNameArgs, reply *struct{}) error {
	return s.call("Host.Disconnect", func() error { return s.d.Host().Disconnect(args.Host) })
}

// Destroy is "Host.Destroy": disconnects (if connected) and removes
// the host's three reserved LVs from the VG.
func (s *HostService) Destroy(args *HostNameArgs, reply *struct{}) error {
	return s.call("Host.Destroy", func() error { return s.d.Host().Destroy(args.Host) })
}

// All is "Host.All": reports every currently connected host.
func (s *HostService) All(args *struct{}, reply *HostAllReply) error {
	return s.call("Host.All", func() error {
		hosts, err := s.d.Host().All()
		if err != nil {
			return err
		}
		reply.Hosts = hosts
		return nil
	})
}

// XenvmService exposes pkg/dispatch's request-dispatch operations
// as net/rpc methods, registered under the "Xenvm" service name.
type XenvmService struct {
	d *dispatch.Dispatcher
}

// NameArgs is the parameter shape for every method that names one LV.
type NameArgs struct {
	Name string `json:"name"`
}

// VGReply wraps a VolumeGroup snapshot, returned by Get and GetLV.
type VGReply struct {
	VG *xenvmtypes.VolumeGroup `json:"vg"`
}

// CreateLVArgs is Xenvm.CreateLV's parameter shape.
type CreateLVArgs struct {
	Name        string               `json:"name"`
	SizeExtents int64                `json:"size_extents"`
	Status      []xenvmtypes.LVStatus `json:"status,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
}

// CreateLVReply is Xenvm.CreateLV's result.
type CreateLVReply struct {
	ID string `json:"id"`
}

// RenameLVArgs is Xenvm.RenameLV's parameter shape.
type RenameLVArgs struct {
	Name    string `json:"name"`
	NewName string `json:"new_name"`
}

// ResizeLVArgs is Xenvm.ResizeLV's parameter shape.
type ResizeLVArgs struct {
	Name          string `json:"name"`
	ExtraExtents  int64  `json:"extra_extents"`
}

// SetStatusArgs is Xenvm.SetStatus's parameter shape.
type SetStatusArgs struct {
	Name   string               `json:"name"`
	Status []xenvmtypes.LVStatus `json:"status"`
}

// TagArgs is the parameter shape for Xenvm.AddTag and Xenvm.RemoveTag.
type TagArgs struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

func (s *XenvmService) call(method string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.RPCRequestDuration, method)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	return codeError(err)
}

// Get is "Xenvm.Get": returns the full VG snapshot.
func (s *XenvmService) Get(args *struct{}, reply *VGReply) error {
	return s.call("Xenvm.Get", func() error {
		vg, err := s.d.Get()
		if err != nil {
			return err
		}
		reply.VG = vg
		return nil
	})
}

// GetLV is "Xenvm.GetLV": returns a VG with only the named LV present.
func (s *XenvmService) GetLV(args *NameArgs, reply *VGReply) error {
	return s.call("Xenvm.GetLV", func() error {
		vg, err := s.d.GetLV(args.Name)
		if err != nil {
			return err
		}
		reply.VG = vg
		return nil
	})
}

// CreateLV is "Xenvm.CreateLV".
func (s *XenvmService) CreateLV(args *CreateLVArgs, reply *CreateLVReply) error {
	return s.call("Xenvm.CreateLV", func() error {
		id, err := s.d.CreateLV(args.Name, args.SizeExtents, args.Status, args.Tags)
		if err != nil {
			return err
		}
		reply.ID = id
		return nil
	})
}

// RenameLV is "Xenvm.RenameLV".
func (s *XenvmService) RenameLV(args *RenameLVArgs, reply *struct{}) error {
	return s.call("Xenvm.RenameLV", func() error { return s.d.RenameLV(args.Name, args.NewName) })
}

// RemoveLV is "Xenvm.RemoveLV".
func (s *XenvmService) RemoveLV(args *NameArgs, reply *struct{}) error {
	return s.call("Xenvm.RemoveLV", func() error { return s.d.RemoveLV(args.Name) })
}

// ResizeLV is "Xenvm.ResizeLV".
func (s *XenvmService) ResizeLV(args *ResizeLVArgs, reply *struct{}) error {
	return s.call("Xenvm.ResizeLV", func() error { return s.d.ResizeLV(args.Name, args.ExtraExtents) })
}

// SetStatus is "Xenvm.SetStatus".
func (s *XenvmService) SetStatus(args *SetStatusArgs, reply *struct{}) error {
	return s.call("Xenvm.SetStatus", func() error { return s.d.SetStatus(args.Name, args.Status) })
}

// AddTag is "Xenvm.AddTag".
func (s *XenvmService) AddTag(args *TagArgs, reply *struct{}) error {
	return s.call("Xenvm.AddTag", func() error { return s.d.AddTag(args.Name, args.Tag) })
}

// RemoveTag is "Xenvm.RemoveTag".
func (s *XenvmService) RemoveTag(args *TagArgs, reply *struct{}) error {
	return s.call("Xenvm.RemoveTag", func() error { return s.d.RemoveTag(args.Name, args.Tag) })
}

// Flush is "Xenvm.Flush": treated as flush-all since the daemon does not
// resolution (the daemon does not track host-of-LV).
func (s *XenvmService) Flush(args *NameArgs, reply *struct{}) error {
	return s.call("Xenvm.Flush", func() error { return s.d.Flush(args.Name) })
}

// Shutdown is "Xenvm.Shutdown": stops the free-pool controller and
// closes the journal, then replies after the dispatcher's grace period.
// The daemon process keeps running; it exits on SIGTERM or a fatal
// error.
func (s *XenvmService) Shutdown(args *struct{}, reply *struct{}) error {
	return s.call("Xenvm.Shutdown", func() error { return s.d.Shutdown() })
}
