package broker

import (
	"bytes"
	"testing"
)

func TestEncodeFrameAppendsSeparator(t *testing.T) {
	t.Parallel()
	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if frame[len(frame)-1] != recordSeparator {
		t.Error("frame missing record separator")
	}
	want := `{"protocol":"json","version":1}`
	if got := string(frame[:len(frame)-1]); got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}
}

func TestSplitFrames(t *testing.T) {
	t.Parallel()
	msg := bytes.Join([][]byte{
		[]byte(`{"type":6}`),
		[]byte(`{"type":1,"target":"GatewayQuote"}`),
		{}, // trailing separator produces an empty segment
	}, []byte{recordSeparator})

	frames := splitFrames(msg)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if string(frames[0]) != `{"type":6}` {
		t.Errorf("frame 0 = %s", frames[0])
	}
	if string(frames[1]) != `{"type":1,"target":"GatewayQuote"}` {
		t.Errorf("frame 1 = %s", frames[1])
	}
}

func TestSplitFramesSingle(t *testing.T) {
	t.Parallel()
	frames := splitFrames(append([]byte(`{}`), recordSeparator))
	if len(frames) != 1 || string(frames[0]) != `{}` {
		t.Errorf("frames = %q", frames)
	}
}

func TestDecodeHandshake(t *testing.T) {
	t.Parallel()
	if err := decodeHandshake([]byte(`{}`)); err != nil {
		t.Errorf("empty handshake reply should succeed: %v", err)
	}
	if err := decodeHandshake([]byte(`{"error":"unsupported protocol"}`)); err == nil {
		t.Error("handshake error not surfaced")
	}
	if err := decodeHandshake([]byte(`not json`)); err == nil {
		t.Error("malformed handshake not surfaced")
	}
}
