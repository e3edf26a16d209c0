package journal

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// ApplyFunc applies one durably-logged op to the volume group and any
// downstream ring. It must be idempotent: journal replay after a crash
// re-applies the same op, and ApplyFunc must make that re-application
// a no-op in its observable effects.
type ApplyFunc func(op xenvmtypes.Op) error

// Journal is a single-node, durable, ordered redo log. It is backed by
// a one-voter Raft group so every accepted op survives an unclean
// daemon shutdown and replays, in order, before the daemon accepts new
// RPCs.
type Journal struct {
	raft    *raft.Raft
	fsm     *fsm
	dataDir string
}

// Config configures where a Journal keeps its durable state and how it
// binds its (loopback-only, single-voter) Raft transport.
type Config struct {
	NodeID   string
	DataDir  string
	BindAddr string // e.g. "127.0.0.1:0"; the daemon never accepts peers
}

// Start opens or creates the journal rooted at cfg.DataDir, bootstrapping
// a single-voter Raft cluster on first start. Replay of any committed
// but previously-unapplied ops happens synchronously, inside NewRaft,
// before Start returns, apply is called once per op in commit order.
func Start(cfg Config, apply ApplyFunc) (*Journal, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create data dir: %w", err)
	}

	f := &fsm{apply: apply}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("journal: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("journal: transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("journal: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "journal-log.db"))
	if err != nil {
		return nil, fmt.Errorf("journal: log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "journal-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("journal: stable store: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return nil, fmt.Errorf("journal: inspect existing state: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("journal: new raft: %w", err)
	}

	if !hasState {
		bootstrap := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(bootstrap).Error(); err != nil {
			return nil, fmt.Errorf("journal: bootstrap: %w", err)
		}
	}

	if err := waitForLeader(r); err != nil {
		return nil, err
	}

	return &Journal{raft: r, fsm: f, dataDir: cfg.DataDir}, nil
}

func waitForLeader(r *raft.Raft) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == raft.Leader {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("journal: no leader elected within timeout")
}

// Wait is the handle Push returns. Result blocks until the op has been
// durably committed and applied, returning apply's error if any.
type Wait struct {
	future raft.ApplyFuture
}

// Result blocks until the op's apply has completed.
func (w *Wait) Result() error {
	if err := w.future.Error(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	if resp := w.future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// Push durably appends op to the log and returns a Wait that resolves
// once apply(op) has run. Push itself does not block on apply; call
// Result to observe completion.
func (j *Journal) Push(op xenvmtypes.Op) (*Wait, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal op: %w", err)
	}
	future := j.raft.Apply(data, 10*time.Second)
	return &Wait{future: future}, nil
}

// Shutdown flushes and closes the journal. It blocks until Raft's
// shutdown future resolves.
func (j *Journal) Shutdown() error {
	if err := j.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("journal: shutdown: %w", err)
	}
	return nil
}
