package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestStreamConfigRoundTrip(t *testing.T) {
	t.Parallel()
	setup := []byte{0x01, 0x64, 0x00, 0x1F}
	sc := NewStreamConfig("cam_720p", "video", CodecParams{
		Codec:       "avc1.64001f",
		CodedWidth:  1280,
		CodedHeight: 720,
		FrameRate:   30,
		Description: EncodeDescription(setup),
	})

	data, err := json.Marshal(sc)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseStreamConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ChannelName != "cam_720p" || got.MediaType != "video" {
		t.Errorf("channel/media = %q/%q", got.ChannelName, got.MediaType)
	}
	if got.Config.CodedWidth != 1280 || got.Config.CodedHeight != 720 {
		t.Errorf("dimensions = %dx%d, want 1280x720", got.Config.CodedWidth, got.Config.CodedHeight)
	}

	desc, err := got.Config.DescriptionBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(desc, setup) {
		t.Errorf("description = %x, want %x", desc, setup)
	}
}

func TestParseStreamConfigWrongType(t *testing.T) {
	t.Parallel()
	data, _ := json.Marshal(map[string]string{"type": "PublisherState"})
	if _, err := ParseStreamConfig(data); !errors.Is(err, ErrNotControl) {
		t.Fatalf("err = %v, want ErrNotControl", err)
	}
}

func TestParseStreamConfigMissingChannel(t *testing.T) {
	t.Parallel()
	data, _ := json.Marshal(map[string]string{"type": MsgStreamConfig})
	var pe *ParseError
	if _, err := ParseStreamConfig(data); !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}

func TestParseServerEvent(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"type":"participant_joined","participantId":"p123"}`)
	ev, err := ParseServerEvent(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "participant_joined" {
		t.Errorf("type = %q", ev.Type)
	}
	if !bytes.Equal(ev.Raw, raw) {
		t.Error("raw payload not preserved")
	}
}

func TestParseServerEventBadJSON(t *testing.T) {
	t.Parallel()
	if _, err := ParseServerEvent([]byte("ping{")); err == nil {
		t.Fatal("expected error on malformed JSON")
	}
}

func TestDescriptionBytesBadBase64(t *testing.T) {
	t.Parallel()
	p := CodecParams{Description: "%%%not-base64%%%"}
	var pe *ParseError
	if _, err := p.DescriptionBytes(); !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}
