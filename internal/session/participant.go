package session

import (
	"strconv"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

// LocalParticipant is the caller's own published state.
type LocalParticipant struct {
	// ActiveProject is a weak handle to the locally-open project the
	// user is working in, shared or not.
	ActiveProject *core.WeakProject
	// Projects is the server's view of what the local user shares.
	Projects []domain.ProjectSummary
}

// RemoteParticipant is one connected peer. The session owns these
// structs and keeps mutating them as merges land; accessors hand out
// detached copies.
type RemoteParticipant struct {
	User        *domain.User
	PeerID      domain.PeerID
	Projects    []domain.ProjectSummary
	Location    domain.ParticipantLocation
	Muted       bool
	Speaking    bool
	VideoTracks map[string]core.RemoteVideoTrack
	AudioTracks map[string]core.RemoteAudioTrack
}

// snapshot deep-copies the mutable parts so callers can read the
// participant without the session lock.
func (p *RemoteParticipant) snapshot() RemoteParticipant {
	out := *p
	out.Projects = append([]domain.ProjectSummary(nil), p.Projects...)
	out.VideoTracks = make(map[string]core.RemoteVideoTrack, len(p.VideoTracks))
	for sid, t := range p.VideoTracks {
		out.VideoTracks[sid] = t
	}
	out.AudioTracks = make(map[string]core.RemoteAudioTrack, len(p.AudioTracks))
	for sid, t := range p.AudioTracks {
		out.AudioTracks[sid] = t
	}
	return out
}

// identity converts a user id to the publisher identity used by the
// media engine.
func identity(id domain.UserID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseIdentity(s string) (domain.UserID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return domain.UserID(id), nil
}
