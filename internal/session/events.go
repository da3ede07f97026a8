package session

import (
	"github.com/huddle-dev/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Event is delivered on the session's event channel. There is no
// process-wide bus; each session owns its queue and subscribers drain
// it.
type Event interface{ event() }

type ParticipantLocationChanged struct {
	ParticipantID domain.PeerID
}

type RemoteVideoTracksChanged struct {
	ParticipantID domain.PeerID
}

type RemoteAudioTracksChanged struct {
	ParticipantID domain.PeerID
}

type RemoteProjectShared struct {
	Owner             *domain.User
	ProjectID         domain.ProjectID
	WorktreeRootNames []string
}

type RemoteProjectUnshared struct {
	ProjectID domain.ProjectID
}

type Left struct{}

func (ParticipantLocationChanged) event() {}
func (RemoteVideoTracksChanged) event()   {}
func (RemoteAudioTracksChanged) event()   {}
func (RemoteProjectShared) event()        {}
func (RemoteProjectUnshared) event()      {}
func (Left) event()                       {}

// Events is the session's event stream. A slow subscriber loses
// events rather than blocking state mutation.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emitLocked(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("module", "session.events").Uint64("room", uint64(s.id)).Msg("event buffer full, dropping event")
	}
}
