package gateway

import "encoding/json"

// Frame types exchanged over the socket.
const (
	FrameWelcome = "welcome"
	FrameJoin    = "join"
	FrameJoined  = "joined"
	FrameLeave   = "leave"
	FrameLeft    = "left"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameMessage = "message"
	FrameError   = "error"
)

// Frame is the JSON envelope for every text message. Clients send join,
// leave and ping; the gateway answers with joined, left, pong or error, and
// pushes message frames from Broadcast.
type Frame struct {
	Type         string          `json:"type"`
	Room         string          `json:"room,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	PrincipalID  string          `json:"principalId,omitempty"`
	Rooms        []string        `json:"rooms,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameError, Error: msg}
}
