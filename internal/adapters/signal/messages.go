package signal

import (
	"encoding/json"

	"github.com/huddle-dev/huddle/internal/domain"
)

// envelope frames every message on the signaling socket. Requests
// carry an ID; the server echoes it in ReplyTo. Pushes carry neither.
// Seq is the server's message sequence number.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Type    string          `json:"type"`
	Seq     uint32          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	msgHello          = "hello"
	msgSignedOut      = "signed_out"
	msgRoomUpdated    = "room_updated"
	msgCreateRoom     = "create_room"
	msgJoinRoom       = "join_room"
	msgJoinChannel    = "join_channel"
	msgRejoinRoom     = "rejoin_room"
	msgLeaveRoom      = "leave_room"
	msgCall           = "call"
	msgShareProject   = "share_project"
	msgUnshareProject = "unshare_project"
	msgUpdateLocation = "update_location"
	msgGetUsers       = "get_users"
)

type helloPayload struct {
	UserID domain.UserID `json:"user_id"`
}

type joinRoomPayload struct {
	ID domain.RoomID `json:"id"`
}

type joinChannelPayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

type leaveRoomPayload struct {
	ID domain.RoomID `json:"id"`
}

type callPayload struct {
	RoomID           domain.RoomID     `json:"room_id"`
	CalledUserID     domain.UserID     `json:"called_user_id"`
	InitialProjectID *domain.ProjectID `json:"initial_project_id,omitempty"`
}

type shareProjectPayload struct {
	RoomID    domain.RoomID             `json:"room_id"`
	Worktrees []domain.WorktreeMetadata `json:"worktrees"`
}

type shareProjectResponse struct {
	ProjectID domain.ProjectID `json:"project_id"`
}

type unshareProjectPayload struct {
	ProjectID domain.ProjectID `json:"project_id"`
}

type updateLocationPayload struct {
	RoomID   domain.RoomID              `json:"room_id"`
	Location domain.ParticipantLocation `json:"location"`
}

type getUsersPayload struct {
	IDs []domain.UserID `json:"ids"`
}

type getUsersResponse struct {
	Users []*domain.User `json:"users"`
}
