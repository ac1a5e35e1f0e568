package wire

import (
	"encoding/binary"

	"github.com/meshcast/meshcast/media"
)

// PacketHeaderSize is the fixed header length of every wire packet:
// a big-endian uint32 millisecond timestamp followed by one type byte.
const PacketHeaderSize = 5

// MaxTimestampMS is the largest representable packet timestamp. Encoding
// saturates here rather than wrapping.
const MaxTimestampMS = uint32(0xFFFFFFFF)

// Packet is one decoded wire unit: a millisecond timestamp relative to the
// stream-local epoch, a frame-type tag, and the opaque payload.
type Packet struct {
	TimestampMS uint32
	Type        media.FrameType
	Payload     []byte
}

// EncodePacket serializes payload into a wire packet. The timestamp is given
// in microseconds; baseMicros (the session timeline anchor, zero when none
// has been established) is subtracted first, then the result is floored to
// milliseconds and clamped to [0, MaxTimestampMS]. Never fails: out-of-range
// timestamps saturate instead of erroring.
func EncodePacket(payload []byte, timestampMicros, baseMicros int64, typ media.FrameType) []byte {
	out := make([]byte, PacketHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:4], clampMS(timestampMicros-baseMicros))
	out[4] = byte(typ)
	copy(out[PacketHeaderSize:], payload)
	return out
}

// ParsePacket decodes a wire packet. The returned payload aliases data.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < PacketHeaderSize {
		return Packet{}, ErrShortPacket
	}
	return Packet{
		TimestampMS: binary.BigEndian.Uint32(data[:4]),
		Type:        media.FrameType(data[4]),
		Payload:     data[PacketHeaderSize:],
	}, nil
}

// clampMS converts relative microseconds to a saturating uint32 millisecond
// count.
func clampMS(micros int64) uint32 {
	if micros < 0 {
		return 0
	}
	ms := micros / 1000
	if ms > int64(MaxTimestampMS) {
		return MaxTimestampMS
	}
	return uint32(ms)
}
