package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// State is a ring's Running/Suspended state as reported by State().
type State int

const (
	Running State = iota
	Suspended
)

func (s State) String() string {
	if s == Suspended {
		return "Suspended"
	}
	return "Running"
}

// frameLen is the width of the item-length prefix preceding every
// pushed item in the ring's byte buffer.
const frameLen = 4

// Create initialises lv as an empty, Running ring: zero positions,
// clear suspended flag. The buffer is the largest power-of-two number
// of bytes that fits in lv after the header; any remainder is unused.
func Create(lv lvmcodec.LV) error {
	if err := checkBufSize(lv); err != nil {
		return err
	}
	_, err := lv.WriteAt(encodeHeader(header{}), 0)
	if err != nil {
		return fmt.Errorf("ring: create: %w", err)
	}
	return lv.Sync()
}

func checkBufSize(lv lvmcodec.LV) error {
	if bufSizeOf(lv) == 0 {
		return fmt.Errorf("ring: lv size %d leaves no room for a buffer after the header", lv.SizeBytes())
	}
	return nil
}

// bufSizeOf is the largest power of two that fits in lv after the
// header, or 0 if none does.
func bufSizeOf(lv lvmcodec.LV) uint64 {
	n := lv.SizeBytes() - headerSize
	if n <= 0 {
		return 0
	}
	b := uint64(1)
	for b*2 <= uint64(n) {
		b *= 2
	}
	return b
}

// Producer is the host/daemon side that appends items to a ring and
// commits them with Advance. A Producer is not safe for concurrent use
// by more than one goroutine; the ring protocol allows exactly one
// producer.
type Producer struct {
	lv       lvmcodec.LV
	bufSize  uint64
	writePos uint64 // next uncommitted write offset; advances ahead of the durable producerPos
}

// AttachProducer opens an existing ring on lv as a Producer, resuming
// from its durable producer position.
func AttachProducer(lv lvmcodec.LV) (*Producer, error) {
	h, err := readHeader(lv)
	if err != nil {
		return nil, err
	}
	return &Producer{lv: lv, bufSize: bufSizeOf(lv), writePos: h.producerPos}, nil
}

// Push writes item into the ring's buffer past the last committed
// position and returns the position Advance must be called with to
// commit it. It returns xenvmtypes.ErrRetry if the buffer has no room
// and xenvmtypes.ErrSuspended if the ring is suspended.
func (p *Producer) Push(item []byte) (uint64, error) {
	h, err := readHeader(p.lv)
	if err != nil {
		return 0, err
	}
	if h.suspended {
		return 0, xenvmtypes.ErrSuspended
	}
	need := uint64(frameLen + len(item))
	if need > p.bufSize {
		return 0, fmt.Errorf("ring: item of %d bytes exceeds buffer size %d", len(item), p.bufSize)
	}
	if p.writePos+need-h.consumerPos > p.bufSize {
		return 0, xenvmtypes.ErrRetry
	}
	frame := make([]byte, frameLen+len(item))
	binary.LittleEndian.PutUint32(frame, uint32(len(item)))
	copy(frame[frameLen:], item)
	if err := p.writeCircular(p.writePos, frame); err != nil {
		return 0, err
	}
	p.writePos += need
	return p.writePos, nil
}

// Advance durably commits every push up to pos, making it visible to
// the consumer's Fold.
func (p *Producer) Advance(pos uint64) error {
	if _, err := p.lv.WriteAt(encodeUint64(pos), offProducerPos); err != nil {
		return fmt.Errorf("ring: advance producer: %w", err)
	}
	return p.lv.Sync()
}

func (p *Producer) writeCircular(pos uint64, data []byte) error {
	off := int64(pos % p.bufSize)
	first := data
	if off+int64(len(data)) > int64(p.bufSize) {
		split := int64(p.bufSize) - off
		first = data[:split]
		if _, err := p.lv.WriteAt(data[split:], headerSize); err != nil {
			return fmt.Errorf("ring: write wrap: %w", err)
		}
	}
	if _, err := p.lv.WriteAt(first, headerSize+off); err != nil {
		return fmt.Errorf("ring: write: %w", err)
	}
	return nil
}

// Consumer is the daemon/host side that drains items via Fold and
// commits consumption with Advance. Exactly one consumer per ring.
type Consumer struct {
	lv      lvmcodec.LV
	bufSize uint64
}

// AttachConsumer opens an existing ring on lv as a Consumer.
func AttachConsumer(lv lvmcodec.LV) (*Consumer, error) {
	if _, err := readHeader(lv); err != nil {
		return nil, err
	}
	return &Consumer{lv: lv, bufSize: bufSizeOf(lv)}, nil
}

// Fold reads every item currently between the durable consumer
// position and the durable producer position, in push order, passing
// each to f, without advancing the consumer position. It returns the
// producer position observed, which the caller passes to Advance once
// every folded item's effect has been made durable elsewhere.
func (c *Consumer) Fold(f func(item []byte) error) (uint64, error) {
	h, err := readHeader(c.lv)
	if err != nil {
		return 0, err
	}
	pos := h.consumerPos
	for pos < h.producerPos {
		lenBuf := make([]byte, frameLen)
		if err := c.readCircular(pos, lenBuf); err != nil {
			return 0, err
		}
		itemLen := binary.LittleEndian.Uint32(lenBuf)
		item := make([]byte, itemLen)
		if err := c.readCircular(pos+frameLen, item); err != nil {
			return 0, err
		}
		if err := f(item); err != nil {
			return 0, err
		}
		pos += uint64(frameLen) + uint64(itemLen)
	}
	return h.producerPos, nil
}

// Advance durably records that every item up to pos has been
// consumed and its effect made durable; items survive unclean
// shutdown only once this call returns.
func (c *Consumer) Advance(pos uint64) error {
	if _, err := c.lv.WriteAt(encodeUint64(pos), offConsumerPos); err != nil {
		return fmt.Errorf("ring: advance consumer: %w", err)
	}
	return c.lv.Sync()
}

// Suspend transitions the ring to Suspended, blocking (with the
// caller's own polling loop; this method itself performs one toggle
// attempt) until the transition is durable. Callers observing
// xenvmtypes.ErrRetry should sleep and retry per the daemon's
// transient-error policy.
func (c *Consumer) Suspend() error { return c.setSuspended(true) }

// Resume transitions the ring to Running. See Suspend.
func (c *Consumer) Resume() error { return c.setSuspended(false) }

func (c *Consumer) setSuspended(target bool) error {
	h, err := readHeader(c.lv)
	if err != nil {
		return err
	}
	if h.suspended == target {
		return nil
	}
	flag := byte(0)
	if target {
		flag = 1
	}
	if _, err := c.lv.WriteAt([]byte{flag}, offSuspendedFlag); err != nil {
		return fmt.Errorf("ring: set suspended: %w", err)
	}
	return c.lv.Sync()
}

// QueryState reports a ring's current Running/Suspended state.
func QueryState(lv lvmcodec.LV) (State, error) {
	h, err := readHeader(lv)
	if err != nil {
		return Running, err
	}
	if h.suspended {
		return Suspended, nil
	}
	return Running, nil
}

func (c *Consumer) readCircular(pos uint64, p []byte) error {
	off := int64(pos % c.bufSize)
	if off+int64(len(p)) > int64(c.bufSize) {
		split := int64(c.bufSize) - off
		if _, err := c.lv.ReadAt(p[:split], headerSize+off); err != nil {
			return fmt.Errorf("ring: read wrap: %w", err)
		}
		if _, err := c.lv.ReadAt(p[split:], headerSize); err != nil {
			return fmt.Errorf("ring: read wrap: %w", err)
		}
		return nil
	}
	if _, err := c.lv.ReadAt(p, headerSize+off); err != nil {
		return fmt.Errorf("ring: read: %w", err)
	}
	return nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
