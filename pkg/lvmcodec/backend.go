package lvmcodec

import (
	"fmt"
	"io"
	"sync"
)

// LV is a single logical volume's raw byte extent, addressable the way
// the ring package needs: random-access reads and writes plus
// an explicit Sync. It says nothing about segments or extents; that
// bookkeeping lives in pkg/xenvmtypes and pkg/vgstore.
type LV interface {
	ID() string
	Name() string
	SizeBytes() int64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

// Backend creates, opens and removes LVs. A Backend does not know about
// volume groups, extents or tags, it is a flat namespace of named byte
// extents, the same boundary lvm2 draws between the kernel and userland
// tooling.
type Backend interface {
	CreateLV(id, name string, sizeBytes int64) (LV, error)
	OpenLV(name string) (LV, error)
	RemoveLV(name string) error
}

// MemBackend is an in-memory Backend. It is the default backend for
// tests and for running the daemon without a real SAN attached.
type MemBackend struct {
	mu  sync.Mutex
	lvs map[string]*memLV
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{lvs: make(map[string]*memLV)}
}

func (b *MemBackend) CreateLV(id, name string, sizeBytes int64) (LV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lvs[name]; ok {
		return nil, fmt.Errorf("lvmcodec: lv %q already exists", name)
	}
	lv := &memLV{id: id, name: name, data: make([]byte, sizeBytes)}
	b.lvs[name] = lv
	return lv, nil
}

func (b *MemBackend) OpenLV(name string) (LV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lv, ok := b.lvs[name]
	if !ok {
		return nil, fmt.Errorf("lvmcodec: lv %q not found", name)
	}
	return lv, nil
}

func (b *MemBackend) RemoveLV(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lvs[name]; !ok {
		return fmt.Errorf("lvmcodec: lv %q not found", name)
	}
	delete(b.lvs, name)
	return nil
}

// memLV is an LV backed by a plain byte slice. Sync is a no-op: there is
// nothing behind it to flush.
type memLV struct {
	mu   sync.RWMutex
	id   string
	name string
	data []byte
}

func (m *memLV) ID() string      { return m.id }
func (m *memLV) Name() string    { return m.name }
func (m *memLV) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *memLV) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memLV) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:end], p), nil
}

func (m *memLV) Sync() error { return nil }
