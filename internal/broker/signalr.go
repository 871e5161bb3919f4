// signalr.go implements the subset of the SignalR JSON hub protocol the
// gateway's real-time hubs speak: a handshake, 0x1e-separated JSON frames,
// invocation messages routed by target name, and type-6 pings.
package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates every SignalR JSON frame.
const recordSeparator byte = 0x1e

// SignalR message type codes used by the gateway hubs.
const (
	msgInvocation = 1
	msgPing       = 6
	msgClose      = 7
)

// handshakeRequest negotiates the JSON hub protocol. Sent once per
// connection before any other frame.
type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// handshakeResponse is empty on success; Error is set when the server
// rejects the protocol.
type handshakeResponse struct {
	Error string `json:"error"`
}

// hubMessage is the decoded envelope of one frame. Target/Arguments are
// only set for invocations.
type hubMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
	Error     string            `json:"error"`
}

// invocation is an outbound hub call (subscribe/unsubscribe).
type invocation struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// encodeFrame marshals v and appends the record separator.
func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, recordSeparator), nil
}

// splitFrames splits a websocket message into its JSON frames. A message
// may carry several frames; a trailing empty segment (after the final
// separator) is discarded.
func splitFrames(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	frames := parts[:0]
	for _, p := range parts {
		if len(p) > 0 {
			frames = append(frames, p)
		}
	}
	return frames
}

// decodeHandshake parses the server's handshake reply frame.
func decodeHandshake(frame []byte) error {
	var resp handshakeResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return nil
}
