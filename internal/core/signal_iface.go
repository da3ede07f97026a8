package core

import (
	"context"

	"github.com/huddle-dev/huddle/internal/domain"
)

// ConnectionStatus is the state of the client-to-server connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
	StatusSignedOut
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusSignedOut:
		return "signed-out"
	default:
		return "disconnected"
	}
}

// StatusWatcher observes connection flips. Changes delivers every
// transition after subscription; Current never blocks. A watcher has a
// single consumer.
type StatusWatcher interface {
	Current() ConnectionStatus
	Changes() <-chan ConnectionStatus
}

// ParticipantEntry is one remote participant in a server room snapshot.
// PeerID is nil for a participant the server has accepted but whose
// connection is not yet established; such entries are skipped.
type ParticipantEntry struct {
	UserID   domain.UserID              `json:"user_id"`
	PeerID   *domain.PeerID             `json:"peer_id"`
	Projects []domain.ProjectSummary    `json:"projects"`
	Location domain.ParticipantLocation `json:"location"`
}

// FollowerEdge is one edge of the follower graph. Leader or follower
// may be missing on malformed pushes; such edges are dropped.
type FollowerEdge struct {
	LeaderID   *domain.PeerID    `json:"leader_id"`
	FollowerID *domain.PeerID    `json:"follower_id"`
	ProjectID  *domain.ProjectID `json:"project_id"`
}

// RoomSnapshot is the server's authoritative view of a room, delivered
// on join, rejoin, and every roster push.
type RoomSnapshot struct {
	ID                  domain.RoomID      `json:"id"`
	Participants        []ParticipantEntry `json:"participants"`
	PendingParticipants []domain.UserID    `json:"pending_participants"`
	Followers           []FollowerEdge     `json:"followers"`
}

// MediaConnectInfo carries what the media engine needs to connect.
type MediaConnectInfo struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
}

type CreateRoomResponse struct {
	Room      *RoomSnapshot     `json:"room"`
	MediaInfo *MediaConnectInfo `json:"media_info"`
}

type JoinRoomResponse struct {
	Room      *RoomSnapshot     `json:"room"`
	ChannelID *domain.ChannelID `json:"channel_id"`
	MediaInfo *MediaConnectInfo `json:"media_info"`
}

// ResharedProject mirrors one project the local host re-announced
// during a rejoin.
type ResharedProject struct {
	ID        domain.ProjectID          `json:"id"`
	Worktrees []domain.WorktreeMetadata `json:"worktrees"`
}

// RejoinedProject names a guest project resumed during a rejoin.
type RejoinedProject struct {
	ID        domain.ProjectID        `json:"id"`
	Worktrees []domain.RejoinWorktree `json:"worktrees"`
}

type RejoinRoomRequest struct {
	ID               domain.RoomID     `json:"id"`
	ResharedProjects []ResharedProject `json:"reshared_projects"`
	RejoinedProjects []RejoinedProject `json:"rejoined_projects"`
}

type RejoinRoomResponse struct {
	Room             *RoomSnapshot     `json:"room"`
	ResharedProjects []ResharedProject `json:"reshared_projects"`
	RejoinedProjects []RejoinedProject `json:"rejoined_projects"`
	// MessageID is the server message sequence number of this response.
	// Rejoined guest projects use it to resolve operations that were
	// applied while disconnected.
	MessageID uint32 `json:"-"`
}

// Client is the signaling/server collaborator. Request methods follow
// ctx for cancellation and return caller-visible errors; the Client
// owns its transport and reconnects it independently of any session.
type Client interface {
	// UserID reports the signed-in user, false when signed out.
	UserID() (domain.UserID, bool)
	Status() StatusWatcher

	CreateRoom(ctx context.Context) (*CreateRoomResponse, error)
	JoinRoom(ctx context.Context, id domain.RoomID) (*JoinRoomResponse, error)
	JoinChannel(ctx context.Context, id domain.ChannelID) (*JoinRoomResponse, error)
	RejoinRoom(ctx context.Context, req RejoinRoomRequest) (*RejoinRoomResponse, error)
	LeaveRoom(ctx context.Context, id domain.RoomID) error

	Call(ctx context.Context, roomID domain.RoomID, calledUserID domain.UserID, initialProjectID *domain.ProjectID) error
	ShareProject(ctx context.Context, roomID domain.RoomID, worktrees []domain.WorktreeMetadata) (domain.ProjectID, error)
	UnshareProject(ctx context.Context, projectID domain.ProjectID) error
	UpdateLocation(ctx context.Context, roomID domain.RoomID, location domain.ParticipantLocation) error

	// RoomUpdates delivers server-pushed room snapshots. The channel is
	// closed when the client shuts down.
	RoomUpdates() <-chan *RoomSnapshot
}
