package metrics

import (
	"time"

	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/ring"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// Collector periodically samples VG and host-registry state into gauges.
type Collector struct {
	store  *vgstore.Store
	hosts  *hostregistry.Registry
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *vgstore.Store, hosts *hostregistry.Registry) *Collector {
	return &Collector{
		store:  store,
		hosts:  hosts,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectVGMetrics()
	c.collectHostMetrics()
}

func (c *Collector) collectVGMetrics() {
	err := c.store.Read(func(vg *xenvmtypes.VolumeGroup) error {
		LVsTotal.Set(float64(len(vg.LVs)))
		var free int64
		for _, r := range vg.FreeSpace {
			free += r.Length
		}
		FreeExtentsTotal.Set(float64(free))
		return nil
	})
	if err != nil {
		return
	}
}

func (c *Collector) collectHostMetrics() {
	HostsConnectedTotal.Set(float64(len(c.hosts.Connected())))

	var suspended int
	for _, host := range c.hosts.Connected() {
		state, err := c.hosts.FromLVMState(host)
		if err == nil && state == ring.Suspended {
			suspended++
		}
	}
	RingSuspendedTotal.Set(float64(suspended))
}
