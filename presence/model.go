package presence

// Metadata is optional request context captured when a connection registers.
type Metadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	RoomHint  string `json:"roomHint,omitempty"`
}

// Connection is the record of one realtime connection. Times are Unix
// milliseconds. PrincipalID is empty for anonymous connections.
type Connection struct {
	ConnectionID string    `json:"connectionId"`
	PrincipalID  string    `json:"principalId,omitempty"`
	ConnectedAt  int64     `json:"connectedAt"`
	LastActivity int64     `json:"lastActivity"`
	Metadata     *Metadata `json:"metadata,omitempty"`
}

// Room is a room and its member connection ids. A room with no members is
// never stored.
type Room struct {
	RoomID      string
	Connections []string
}

// Removal describes what a disconnect cleaned up.
type Removal struct {
	Existed bool
	// Rooms the connection was a member of at the time of removal.
	Rooms []string
	// EmptiedRooms were deleted because the connection was their last member.
	EmptiedRooms []string
}
