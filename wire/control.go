package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Control message type discriminators carried in the "type" field of every
// JSON control payload.
const (
	MsgStreamConfig   = "StreamConfig"
	MsgPublisherState = "PublisherState"
	MsgSwitchBitrate  = "SwitchBitrate"
	MsgPing           = "ping"
	MsgPong           = "pong"
)

// CodecParams describes one codec configuration. Video and audio use
// disjoint subsets of the optional fields; Description carries the opaque
// codec setup bytes (e.g. an AVC decoder configuration record or an Opus
// identification header) as base64.
type CodecParams struct {
	Codec            string  `json:"codec"`
	CodedWidth       int     `json:"codedWidth,omitempty"`
	CodedHeight      int     `json:"codedHeight,omitempty"`
	FrameRate        float64 `json:"frameRate,omitempty"`
	SampleRate       int     `json:"sampleRate,omitempty"`
	NumberOfChannels int     `json:"numberOfChannels,omitempty"`
	Description      string  `json:"description"`
}

// DescriptionBytes decodes the base64 codec setup payload.
func (p CodecParams) DescriptionBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Description)
	if err != nil {
		return nil, &ParseError{Field: "description", Err: err}
	}
	return raw, nil
}

// EncodeDescription encodes raw codec setup bytes for embedding in
// CodecParams.
func EncodeDescription(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// StreamConfig is the one-time per-channel codec handshake, framed as a
// TypeConfig packet. No media frame on a channel is meaningful until its
// StreamConfig has been delivered and applied.
type StreamConfig struct {
	Type        string      `json:"type"`
	ChannelName string      `json:"channelName"`
	MediaType   string      `json:"mediaType"` // "video" or "audio"
	Config      CodecParams `json:"config"`
}

// NewStreamConfig builds a StreamConfig with the type discriminator set.
func NewStreamConfig(channelName, mediaType string, params CodecParams) StreamConfig {
	return StreamConfig{
		Type:        MsgStreamConfig,
		ChannelName: channelName,
		MediaType:   mediaType,
		Config:      params,
	}
}

// PublisherState announces a publisher's capabilities and mute state on the
// event channel, once at connect and again whenever a toggle changes.
type PublisherState struct {
	Type          string `json:"type"`
	StreamID      string `json:"streamId"`
	HasCamera     bool   `json:"hasCamera"`
	HasMic        bool   `json:"hasMic"`
	CameraEnabled bool   `json:"cameraEnabled"`
	MicEnabled    bool   `json:"micEnabled"`
	StreamType    string `json:"streamType"` // "camera" or "screen_share"
	Timestamp     int64  `json:"timestamp"`
}

// SwitchBitrate asks the server to start routing a different quality tier
// to this subscriber.
type SwitchBitrate struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	Quality  string `json:"quality"`
}

// Heartbeat is the periodic event-channel keepalive.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ServerEvent is an inbound event-channel message. The multiplexer only
// deserializes the type envelope and forwards the raw JSON; interpreting
// event semantics is the caller's concern.
type ServerEvent struct {
	Type string
	Raw  json.RawMessage
}

// ParseServerEvent extracts the type discriminator from an inbound JSON
// control payload, keeping the raw bytes for the caller.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ServerEvent{}, &ParseError{Field: "type", Err: err}
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return ServerEvent{Type: envelope.Type, Raw: raw}, nil
}

// ParseStreamConfig parses a TypeConfig packet payload.
func ParseStreamConfig(data []byte) (StreamConfig, error) {
	var sc StreamConfig
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, &ParseError{Field: "streamConfig", Err: err}
	}
	if sc.Type != MsgStreamConfig {
		return sc, fmt.Errorf("%w: type %q", ErrNotControl, sc.Type)
	}
	if sc.ChannelName == "" {
		return sc, &ParseError{Field: "channelName", Err: fmt.Errorf("empty")}
	}
	return sc, nil
}
