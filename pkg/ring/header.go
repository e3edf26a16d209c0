package ring

import (
	"encoding/binary"
	"fmt"
)

// Header layout, little-endian, fixed width so a producer and a
// consumer can each update their own field with a single WriteAt
// without disturbing the other's.
//
//	offset 0:  magic      uint32
//	offset 4:  producerPos uint64
//	offset 12: consumerPos uint64
//	offset 20: suspended  uint8 (0 = Running, 1 = Suspended)
const (
	headerSize        = 32
	offMagic          = 0
	offProducerPos    = 4
	offConsumerPos    = 12
	offSuspendedFlag  = 20
	magic      uint32 = 0x78766c6d // "xvlm"
)

type header struct {
	producerPos uint64
	consumerPos uint64
	suspended   bool
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[offMagic:], magic)
	binary.LittleEndian.PutUint64(buf[offProducerPos:], h.producerPos)
	binary.LittleEndian.PutUint64(buf[offConsumerPos:], h.consumerPos)
	if h.suspended {
		buf[offSuspendedFlag] = 1
	}
	return buf
}

func readHeader(lv lvRead) (header, error) {
	buf := make([]byte, headerSize)
	if _, err := lv.ReadAt(buf, 0); err != nil {
		return header{}, fmt.Errorf("ring: read header: %w", err)
	}
	if got := binary.LittleEndian.Uint32(buf[offMagic:]); got != magic {
		return header{}, fmt.Errorf("ring: bad magic %x, lv not initialised as a ring", got)
	}
	return header{
		producerPos: binary.LittleEndian.Uint64(buf[offProducerPos:]),
		consumerPos: binary.LittleEndian.Uint64(buf[offConsumerPos:]),
		suspended:   buf[offSuspendedFlag] != 0,
	}, nil
}

// lvRead is the subset of lvmcodec.LV that header reads need; kept
// narrow so tests can stub it without a full backend.
type lvRead interface {
	ReadAt(p []byte, off int64) (int, error)
}
