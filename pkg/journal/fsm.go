package journal

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// fsm is the Raft finite state machine driving every committed op
// through ApplyFunc in log order, including on restart replay.
type fsm struct {
	apply ApplyFunc
}

// Apply is invoked by Raft for every committed log entry, in order,
// both for newly-pushed ops and for replay of a previously-committed
// but unapplied suffix after a crash.
func (f *fsm) Apply(log *raft.Log) interface{} {
	var op xenvmtypes.Op
	if err := json.Unmarshal(log.Data, &op); err != nil {
		return fmt.Errorf("journal: unmarshal op: %w", err)
	}
	if err := f.apply(op); err != nil {
		return err
	}
	return nil
}

// Snapshot returns an empty snapshot. The journal's applied state is
// not kept in the FSM; it lives in pkg/vgstore's own durable store, so
// there is nothing for Raft's log compaction to persist here.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

// Restore is a no-op for the same reason Snapshot is empty.
func (f *fsm) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}
