package domain

type (
	RoomID    uint64
	ChannelID uint64
	// PeerID identifies one connection of a participant to the
	// coordinating server. A user keeps its UserID across reconnects
	// but gets a fresh PeerID.
	PeerID uint64
)
