package session

import (
	"context"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

// ApplyRoomSnapshot merges a server room snapshot into the roster.
// Identity resolution is asynchronous, so the merge runs as a tracked
// background task; when snapshots arrive faster than they resolve,
// only the newest requested merge lands.
func (s *Session) ApplyRoomSnapshot(snap *core.RoomSnapshot) {
	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return
	}
	s.mergeSeq++
	seq := s.mergeSeq

	localID, _ := s.client.UserID()
	var local *core.ParticipantEntry
	remotes := make([]core.ParticipantEntry, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.UserID == localID {
			p := p
			local = &p
		} else {
			remotes = append(remotes, p)
		}
	}
	pendingIDs := append([]domain.UserID(nil), snap.PendingParticipants...)
	followers := append([]core.FollowerEdge(nil), snap.Followers...)
	ctx := s.ctx
	s.mu.Unlock()

	go s.finishRosterMerge(ctx, seq, local, remotes, pendingIDs, followers)
}

func (s *Session) finishRosterMerge(ctx context.Context, seq uint64, local *core.ParticipantEntry, remotes []core.ParticipantEntry, pendingIDs []domain.UserID, followers []core.FollowerEdge) {
	remoteIDs := make([]domain.UserID, len(remotes))
	for i, p := range remotes {
		remoteIDs[i] = p.UserID
	}
	remoteUsers, remoteErr := s.directory.GetUsers(ctx, remoteIDs)
	pendingUsers, pendingErr := s.directory.GetUsers(ctx, pendingIDs)
	if remoteErr == nil && len(remoteUsers) != len(remotes) {
		remoteErr = ErrInvalidRoom
	}
	if pendingErr == nil && len(pendingUsers) != len(pendingIDs) {
		pendingErr = ErrInvalidRoom
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.mergeSeq {
		s.logger.Debug().Uint64("seq", seq).Msg("roster merge superseded")
		return
	}
	if s.status.IsOffline() {
		return
	}

	s.participantUserIDs = make(map[domain.UserID]struct{})

	if local != nil {
		s.localParticipant.Projects = local.Projects
	} else {
		s.localParticipant.Projects = nil
	}

	if remoteErr != nil {
		// Keep the stale roster rather than corrupt it; re-account its
		// ids so the bookkeeping invariant holds.
		s.logger.Error().Err(remoteErr).Msg("resolving remote participants, keeping stale roster")
		for id := range s.remoteParticipants {
			s.participantUserIDs[id] = struct{}{}
		}
	} else {
		s.mergeRemoteParticipantsLocked(remotes, remoteUsers)
	}

	if pendingErr != nil {
		s.logger.Error().Err(pendingErr).Msg("resolving pending participants, keeping stale list")
		for _, u := range s.pendingParticipants {
			s.participantUserIDs[u.ID] = struct{}{}
		}
	} else {
		s.pendingParticipants = pendingUsers
		for _, u := range pendingUsers {
			s.participantUserIDs[u.ID] = struct{}{}
		}
	}

	s.rebuildFollowsLocked(followers)

	s.mergeDone = seq
	if s.shouldLeaveLocked() {
		s.logger.Info().Msg("room is empty, leaving")
		s.leaveLocked()
	}
}

func (s *Session) mergeRemoteParticipantsLocked(remotes []core.ParticipantEntry, users []*domain.User) {
	for i, entry := range remotes {
		user := users[i]
		if entry.PeerID == nil {
			continue
		}
		peerID := *entry.PeerID
		s.participantUserIDs[entry.UserID] = struct{}{}

		oldProjects := make(map[domain.ProjectID]struct{})
		if existing, ok := s.remoteParticipants[entry.UserID]; ok {
			for _, p := range existing.Projects {
				oldProjects[p.ID] = struct{}{}
			}
		}
		newProjects := make(map[domain.ProjectID]struct{}, len(entry.Projects))
		for _, p := range entry.Projects {
			newProjects[p.ID] = struct{}{}
		}

		for _, p := range entry.Projects {
			if _, ok := oldProjects[p.ID]; !ok {
				s.emitLocked(RemoteProjectShared{
					Owner:             user,
					ProjectID:         p.ID,
					WorktreeRootNames: p.WorktreeRootNames,
				})
			}
		}
		for id := range oldProjects {
			if _, ok := newProjects[id]; !ok {
				s.disconnectJoinedProjectLocked(id)
				s.emitLocked(RemoteProjectUnshared{ProjectID: id})
			}
		}

		if existing, ok := s.remoteParticipants[entry.UserID]; ok {
			existing.Projects = entry.Projects
			existing.PeerID = peerID
			if entry.Location != existing.Location {
				existing.Location = entry.Location
				s.emitLocked(ParticipantLocationChanged{ParticipantID: peerID})
			}
		} else {
			s.remoteParticipants[entry.UserID] = &RemoteParticipant{
				User:     user,
				PeerID:   peerID,
				Projects: entry.Projects,
				Location: entry.Location,
				// Muted until an audio publication reports otherwise.
				Muted:       true,
				VideoTracks: make(map[string]core.RemoteVideoTrack),
				AudioTracks: make(map[string]core.RemoteAudioTrack),
			}
			s.sounds.Play(core.SoundJoined)
			if s.media != nil {
				s.hydrateParticipantTracksLocked(entry.UserID)
			}
		}
	}

	for id, participant := range s.remoteParticipants {
		if _, ok := s.participantUserIDs[id]; !ok {
			for _, p := range participant.Projects {
				s.emitLocked(RemoteProjectUnshared{ProjectID: p.ID})
			}
			delete(s.remoteParticipants, id)
		}
	}
}

// disconnectJoinedProjectLocked drops any locally-joined project tied
// to a project id the host stopped sharing.
func (s *Session) disconnectJoinedProjectLocked(id domain.ProjectID) {
	for hid, w := range s.joinedProjects {
		proj, ok := w.Upgrade()
		if !ok {
			delete(s.joinedProjects, hid)
			continue
		}
		if remoteID, shared := proj.RemoteID(); shared && remoteID == id {
			proj.DisconnectedFromHost()
			delete(s.joinedProjects, hid)
		}
	}
}

// hydrateParticipantTracksLocked treats tracks the engine already
// subscribed for a newly-visible participant as late-arriving
// subscription events.
func (s *Session) hydrateParticipantTracksLocked(id domain.UserID) {
	ident := identity(id)
	engine := s.media.engine

	for _, track := range engine.RemoteVideoTracks(ident) {
		err := s.applyVideoUpdateLocked(core.RemoteVideoUpdate{
			Kind:              core.TrackSubscribed,
			Track:             track,
			PublisherIdentity: ident,
			TrackSID:          track.SID(),
		})
		if err != nil {
			s.logger.Error().Err(err).Str("sid", track.SID()).Msg("hydrating video track")
		}
	}

	tracks, pubs := engine.RemoteAudioTracks(ident)
	for i, track := range tracks {
		update := core.RemoteAudioUpdate{
			Kind:              core.TrackSubscribed,
			Track:             track,
			PublisherIdentity: ident,
			TrackSID:          track.SID(),
		}
		if i < len(pubs) {
			update.Publication = pubs[i]
			update.Muted = pubs[i].IsMuted()
		}
		if err := s.applyAudioUpdateLocked(update); err != nil {
			s.logger.Error().Err(err).Str("sid", track.SID()).Msg("hydrating audio track")
		}
	}
}

func (s *Session) rebuildFollowsLocked(edges []core.FollowerEdge) {
	s.follows = make(map[followKey][]domain.PeerID)
	for _, edge := range edges {
		if edge.LeaderID == nil || edge.FollowerID == nil {
			s.logger.Error().Msg("follower edge missing leader or follower, dropping")
			continue
		}
		key := followKey{leader: *edge.LeaderID}
		if edge.ProjectID != nil {
			key.projectID = *edge.ProjectID
			key.inProject = true
		}
		list := s.follows[key]
		duplicate := false
		for _, f := range list {
			if f == *edge.FollowerID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			s.follows[key] = append(list, *edge.FollowerID)
		}
	}
}
