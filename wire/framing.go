package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds the length prefix a Demuxer will accept. A prefix
// outside (PacketHeaderSize, MaxFrameSize] means the byte stream has
// desynchronized; there is no byte-level resync heuristic, so the channel
// must be closed rather than fed to a decoder.
const MaxFrameSize = 16 << 20

// FrameForTransport wraps an encoded packet with the 4-byte big-endian
// length prefix used for stream-oriented delivery. This is the unit actually
// written to a channel's writer, for media and control packets alike.
func FrameForTransport(packet []byte) []byte {
	out := make([]byte, 4+len(packet))
	binary.BigEndian.PutUint32(out[:4], uint32(len(packet)))
	copy(out[4:], packet)
	return out
}

// WriteFrame frames packet and writes it to w as a single Write call so the
// prefix and body stay contiguous without external synchronization.
func WriteFrame(w io.Writer, packet []byte) error {
	_, err := w.Write(FrameForTransport(packet))
	return err
}

// Demuxer turns a channel's byte stream back into discrete packets. Each
// channel owns its own Demuxer with an independent cursor; Next is called
// repeatedly until the stream closes.
type Demuxer struct {
	r      io.Reader
	lenBuf [4]byte
}

// NewDemuxer creates a Demuxer reading framed packets from r.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{r: r}
}

// Next reads one length-prefixed packet and parses it. It returns io.EOF
// when the stream ends cleanly on a frame boundary, io.ErrUnexpectedEOF when
// it ends mid-frame, and a *DesyncError when the length prefix is implausible.
// All errors are terminal for the channel.
func (d *Demuxer) Next() (Packet, error) {
	if _, err := io.ReadFull(d.r, d.lenBuf[:]); err != nil {
		if err == io.EOF {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(d.lenBuf[:])
	if length < PacketHeaderSize || length > MaxFrameSize {
		return Packet{}, &DesyncError{Length: length}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Packet{}, fmt.Errorf("read frame body: %w", err)
	}

	return ParsePacket(body)
}
