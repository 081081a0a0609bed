package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/yndnr/lockmesh-go/internal/cluster"
)

const (
	// HeaderLen is the size of the fixed frame header.
	HeaderLen = 24

	// MaxMessageLen bounds a whole frame.
	MaxMessageLen = 4096

	// MaxPayload is the largest payload a single message may carry.
	MaxPayload = MaxMessageLen - HeaderLen
)

const (
	magicData          uint16 = 0xfa55
	magicStatus        uint16 = 0xfa56
	magicKeepaliveReq  uint16 = 0xfa57
	magicKeepaliveResp uint16 = 0xfa58
)

// Message is a received data message as seen by a handler. Payload is
// only valid for the duration of the handler call.
type Message struct {
	From    cluster.NodeID
	Type    uint16
	Key     uint32
	Payload []byte
}

// header is the on-wire frame header, big endian.
type header struct {
	Magic     uint16
	DataLen   uint16
	MsgType   uint16
	SysStatus uint32
	Status    int32
	Key       uint32
	MsgID     uint32
}

func (h *header) marshal(b []byte) {
	_ = b[HeaderLen-1]
	binary.BigEndian.PutUint16(b[0:2], h.Magic)
	binary.BigEndian.PutUint16(b[2:4], h.DataLen)
	binary.BigEndian.PutUint16(b[4:6], h.MsgType)
	binary.BigEndian.PutUint16(b[6:8], 0)
	binary.BigEndian.PutUint32(b[8:12], h.SysStatus)
	binary.BigEndian.PutUint32(b[12:16], uint32(h.Status))
	binary.BigEndian.PutUint32(b[16:20], h.Key)
	binary.BigEndian.PutUint32(b[20:24], h.MsgID)
}

func (h *header) unmarshal(b []byte) error {
	if len(b) < HeaderLen {
		return fmt.Errorf("%w: short header (%d bytes)", ErrFraming, len(b))
	}
	h.Magic = binary.BigEndian.Uint16(b[0:2])
	h.DataLen = binary.BigEndian.Uint16(b[2:4])
	h.MsgType = binary.BigEndian.Uint16(b[4:6])
	h.SysStatus = binary.BigEndian.Uint32(b[8:12])
	h.Status = int32(binary.BigEndian.Uint32(b[12:16]))
	h.Key = binary.BigEndian.Uint32(b[16:20])
	h.MsgID = binary.BigEndian.Uint32(b[20:24])

	switch h.Magic {
	case magicData, magicStatus, magicKeepaliveReq, magicKeepaliveResp:
	default:
		return fmt.Errorf("%w: bad magic %#04x", ErrFraming, h.Magic)
	}
	if int(h.DataLen) > MaxPayload {
		return fmt.Errorf("%w: payload length %d exceeds %d", ErrFraming, h.DataLen, MaxPayload)
	}
	return nil
}
