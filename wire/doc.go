// Package wire implements the meshcast wire-protocol codec: the 5-byte
// packet header (big-endian millisecond timestamp plus frame-type tag), the
// 4-byte length-prefix transport framing, the per-channel demuxer, and the
// JSON control messages exchanged on the event channel (StreamConfig,
// PublisherState, SwitchBitrate, heartbeats).
//
// This package contains no channel or session logic; those higher-level
// concerns live in [github.com/meshcast/meshcast/mux].
package wire
