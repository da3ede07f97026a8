package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

type trackState int

const (
	trackNone trackState = iota
	trackPending
	trackPublished
)

// localTrack is the tri-state publish lifecycle of one local media
// kind. publishID disambiguates stale in-flight publishes: the engine
// request has no native cancel, so a superseded attempt is detected by
// comparing ids when its result arrives.
type localTrack struct {
	state       trackState
	publishID   int
	muted       bool
	publication core.LocalTrackPublication
}

// mediaSession wraps the engine handle plus the local track state.
// All fields are guarded by the owning Session's mutex.
type mediaSession struct {
	engine      core.MediaEngine
	micTrack    localTrack
	screenTrack localTrack
	// mutedByUser distinguishes a manual mute from an auto-mute caused
	// by deafening; un-deafening restores the manual state.
	mutedByUser   bool
	deafened      bool
	speaking      bool
	nextPublishID int
}

func newMediaSession(engine core.MediaEngine) *mediaSession {
	return &mediaSession{engine: engine}
}

func (s *Session) connectMedia(ctx context.Context, engine core.MediaEngine, info core.MediaConnectInfo) {
	if err := engine.Connect(ctx, info.ServerURL, info.Token); err != nil {
		s.logger.Error().Err(err).Str("module", "session.media").Msg("media connect failed")
		return
	}
	if !s.opts.MuteOnJoin {
		if err := s.ShareMicrophone(ctx); err != nil {
			s.logger.Warn().Err(err).Str("module", "session.media").Msg("sharing microphone on join")
		}
	}
}

func (s *Session) IsSharingMic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil && s.media.micTrack.state != trackNone
}

func (s *Session) IsScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil && s.media.screenTrack.state != trackNone
}

func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil && s.media.speaking
}

// IsDeafened reports false in the second value when the session has no
// media connection.
func (s *Session) IsDeafened() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil {
		return false, false
	}
	return s.media.deafened, true
}

func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMutedLocked()
}

func (s *Session) isMutedLocked() bool {
	if s.media == nil {
		return false
	}
	switch s.media.micTrack.state {
	case trackNone:
		return s.opts.MuteOnJoin
	default:
		return s.media.micTrack.muted
	}
}

// ShareMicrophone publishes the local microphone. If the attempt is
// superseded before the engine resolves (the track toggled off, the
// session left), a late success is unpublished and the result
// discarded silently.
func (s *Session) ShareMicrophone(ctx context.Context) error {
	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return ErrRoomOffline
	}
	if s.media == nil {
		s.mu.Unlock()
		return ErrEngineNotStarted
	}
	if s.media.micTrack.state != trackNone {
		s.mu.Unlock()
		return fmt.Errorf("microphone: %w", ErrAlreadySharing)
	}
	publishID := s.media.nextPublishID
	s.media.nextPublishID++
	s.media.micTrack = localTrack{state: trackPending, publishID: publishID}
	engine := s.media.engine
	s.mu.Unlock()

	var pub core.LocalTrackPublication
	track, err := engine.CreateAudioTrack(ctx)
	if err == nil {
		pub, err = engine.PublishAudioTrack(ctx, track)
	}

	return s.finishPublish(ctx, micKind, engine, publishID, pub, err, func() {})
}

// ShareScreen captures the first available display and publishes it.
func (s *Session) ShareScreen(ctx context.Context) error {
	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return ErrRoomOffline
	}
	if s.media == nil {
		s.mu.Unlock()
		return ErrEngineNotStarted
	}
	if s.media.screenTrack.state != trackNone {
		s.mu.Unlock()
		return fmt.Errorf("screen: %w", ErrAlreadySharing)
	}
	publishID := s.media.nextPublishID
	s.media.nextPublishID++
	s.media.screenTrack = localTrack{state: trackPending, publishID: publishID}
	engine := s.media.engine
	s.mu.Unlock()

	var pub core.LocalTrackPublication
	sources, err := engine.DisplaySources(ctx)
	if err == nil && len(sources) == 0 {
		err = fmt.Errorf("no display found")
	}
	if err == nil {
		var track core.LocalVideoTrack
		track, err = engine.CreateScreenTrack(ctx, sources[0])
		if err == nil {
			pub, err = engine.PublishVideoTrack(ctx, track)
		}
	}

	return s.finishPublish(ctx, screenKind, engine, publishID, pub, err, func() {
		s.sounds.Play(core.SoundStartScreenshare)
	})
}

type trackKind int

const (
	micKind trackKind = iota
	screenKind
)

func (s *Session) trackLocked(kind trackKind) *localTrack {
	if kind == micKind {
		return &s.media.micTrack
	}
	return &s.media.screenTrack
}

// finishPublish applies an engine publish result against the current
// publish id. A stale id means the attempt was superseded: a failure
// is dropped and a success unpublished immediately.
func (s *Session) finishPublish(ctx context.Context, kind trackKind, engine core.MediaEngine, publishID int, pub core.LocalTrackPublication, err error, onPublished func()) error {
	s.mu.Lock()
	if s.media == nil {
		s.mu.Unlock()
		if pub != nil {
			engine.UnpublishTrack(pub)
		}
		return nil
	}

	track := s.trackLocked(kind)
	superseded := track.state != trackPending || track.publishID != publishID
	muted := false
	if !superseded {
		muted = track.muted
	}

	if err != nil {
		if superseded {
			s.mu.Unlock()
			return nil
		}
		*track = localTrack{}
		s.mu.Unlock()
		return fmt.Errorf("publishing track: %w", err)
	}

	if superseded {
		s.mu.Unlock()
		engine.UnpublishTrack(pub)
		return nil
	}

	*track = localTrack{
		state:       trackPublished,
		publishID:   publishID,
		muted:       muted,
		publication: pub,
	}
	s.mu.Unlock()

	if muted {
		if err := pub.SetMuted(ctx, true); err != nil {
			s.logger.Warn().Err(err).Str("module", "session.media").Msg("applying pending mute")
		}
	}
	onPublished()
	return nil
}

// UnshareScreen stops a screen share. A pending share is simply
// cleared (nothing was published yet); its in-flight publish will be
// detected as superseded and undone.
func (s *Session) UnshareScreen() error {
	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return ErrRoomOffline
	}
	if s.media == nil {
		s.mu.Unlock()
		return ErrEngineNotStarted
	}
	track := s.media.screenTrack
	s.media.screenTrack = localTrack{}
	engine := s.media.engine
	s.mu.Unlock()

	switch track.state {
	case trackNone:
		return fmt.Errorf("screen: %w", ErrNotSharing)
	case trackPending:
		return nil
	default:
		engine.UnpublishTrack(track.publication)
		s.sounds.Play(core.SoundStopScreenshare)
		return nil
	}
}

// setMuteLocked flips the microphone mute state and plays the matching
// chime when the state actually changes. It returns the publication to
// apply the mute to, nil while the track is still pending.
func (s *Session) setMuteLocked(shouldMute bool) (core.LocalTrackPublication, bool, error) {
	m := s.media
	if !shouldMute {
		m.mutedByUser = false
	}

	var pub core.LocalTrackPublication
	var oldMuted bool
	switch m.micTrack.state {
	case trackNone:
		return nil, false, fmt.Errorf("microphone: %w", ErrNotSharing)
	case trackPending:
		oldMuted = m.micTrack.muted
		m.micTrack.muted = shouldMute
	default:
		oldMuted = m.micTrack.muted
		m.micTrack.muted = shouldMute
		pub = m.micTrack.publication
	}

	if oldMuted != shouldMute {
		if shouldMute {
			s.sounds.Play(core.SoundMute)
		} else {
			s.sounds.Play(core.SoundUnmute)
		}
	}
	return pub, oldMuted, nil
}

// ToggleMute flips the microphone mute. With no microphone track yet,
// it starts sharing one instead. Unmuting while deafened because of a
// prior manual mute also un-deafens.
func (s *Session) ToggleMute(ctx context.Context) error {
	s.mu.Lock()
	if s.media == nil {
		s.mu.Unlock()
		return ErrEngineNotStarted
	}
	if s.media.micTrack.state == trackNone {
		s.mu.Unlock()
		return s.ShareMicrophone(ctx)
	}

	shouldMute := !s.isMutedLocked()
	pub, oldMuted, err := s.setMuteLocked(shouldMute)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.media.mutedByUser = shouldMute
	undeafen := oldMuted && s.media.deafened
	s.mu.Unlock()

	if pub != nil {
		if err := pub.SetMuted(ctx, shouldMute); err != nil {
			return fmt.Errorf("muting track: %w", err)
		}
	}
	if undeafen {
		return s.ToggleDeafen(ctx)
	}
	return nil
}

// ToggleDeafen flips deafening. Deafening mutes the microphone unless
// it was already manually muted and disables all remote audio
// subscriptions; un-deafening restores the prior manual-mute state.
func (s *Session) ToggleDeafen(ctx context.Context) error {
	s.mu.Lock()
	if s.media == nil {
		s.mu.Unlock()
		return ErrEngineNotStarted
	}
	m := s.media
	m.deafened = !m.deafened
	deafened := m.deafened

	var micPub core.LocalTrackPublication
	if m.deafened || !m.mutedByUser {
		pub, _, err := s.setMuteLocked(m.deafened)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		micPub = pub
	}

	engine := m.engine
	idents := make([]string, 0, len(s.remoteParticipants))
	for id := range s.remoteParticipants {
		idents = append(idents, identity(id))
	}
	s.mu.Unlock()

	if micPub != nil {
		if err := micPub.SetMuted(ctx, deafened); err != nil {
			return fmt.Errorf("muting track: %w", err)
		}
	}
	for _, ident := range idents {
		_, pubs := engine.RemoteAudioTracks(ident)
		for _, pub := range pubs {
			if err := pub.SetEnabled(ctx, !deafened); err != nil {
				return fmt.Errorf("toggling remote audio: %w", err)
			}
		}
	}
	return nil
}

func (s *Session) watchMediaStatus(ctx context.Context, engine core.MediaEngine) {
	changes := engine.StatusChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-changes:
			if !ok {
				return
			}
			if state == core.MediaDisconnected {
				s.logger.Info().Str("module", "session.media").Msg("media connection lost, leaving room")
				if err := s.Leave(); err != nil && err != ErrRoomOffline {
					s.logger.Error().Err(err).Msg("leave after media disconnect")
				}
				return
			}
		}
	}
}

func (s *Session) watchVideoTracks(ctx context.Context, engine core.MediaEngine) {
	updates := engine.RemoteVideoUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.mu.Lock()
			if s.status.IsOffline() || s.media == nil {
				s.mu.Unlock()
				return
			}
			if err := s.applyVideoUpdateLocked(update); err != nil {
				s.logger.Error().Err(err).Str("module", "session.media").Str("sid", update.TrackSID).Msg("remote video update")
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) watchAudioTracks(ctx context.Context, engine core.MediaEngine) {
	updates := engine.RemoteAudioUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.mu.Lock()
			if s.status.IsOffline() || s.media == nil {
				s.mu.Unlock()
				return
			}
			if err := s.applyAudioUpdateLocked(update); err != nil {
				s.logger.Error().Err(err).Str("module", "session.media").Str("sid", update.TrackSID).Msg("remote audio update")
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) participantByIdentityLocked(ident string) (*RemoteParticipant, error) {
	id, err := parseIdentity(ident)
	if err != nil {
		return nil, fmt.Errorf("parsing publisher identity %q: %w", ident, err)
	}
	participant, ok := s.remoteParticipants[id]
	if !ok {
		return nil, fmt.Errorf("publisher %d: %w", id, ErrUnknownParticipant)
	}
	return participant, nil
}

func (s *Session) applyVideoUpdateLocked(update core.RemoteVideoUpdate) error {
	participant, err := s.participantByIdentityLocked(update.PublisherIdentity)
	if err != nil {
		return err
	}
	switch update.Kind {
	case core.TrackSubscribed:
		participant.VideoTracks[update.TrackSID] = update.Track
	case core.TrackUnsubscribed:
		delete(participant.VideoTracks, update.TrackSID)
	default:
		return fmt.Errorf("unexpected video update kind %d", update.Kind)
	}
	s.emitLocked(RemoteVideoTracksChanged{ParticipantID: participant.PeerID})
	return nil
}

func (s *Session) applyAudioUpdateLocked(update core.RemoteAudioUpdate) error {
	switch update.Kind {
	case core.ActiveSpeakersChanged:
		s.applyActiveSpeakersLocked(update.Speakers)
		return nil
	case core.TrackMuteChanged:
		for _, participant := range s.remoteParticipants {
			if _, ok := participant.AudioTracks[update.TrackSID]; ok {
				participant.Muted = update.Muted
				return nil
			}
		}
		return fmt.Errorf("track %s: %w", update.TrackSID, ErrUnknownParticipant)
	case core.TrackSubscribed:
		participant, err := s.participantByIdentityLocked(update.PublisherIdentity)
		if err != nil {
			return err
		}
		participant.AudioTracks[update.TrackSID] = update.Track
		if update.Publication != nil {
			participant.Muted = update.Publication.IsMuted()
		}
		s.emitLocked(RemoteAudioTracksChanged{ParticipantID: participant.PeerID})
		return nil
	case core.TrackUnsubscribed:
		participant, err := s.participantByIdentityLocked(update.PublisherIdentity)
		if err != nil {
			return err
		}
		delete(participant.AudioTracks, update.TrackSID)
		s.emitLocked(RemoteAudioTracksChanged{ParticipantID: participant.PeerID})
		return nil
	default:
		return fmt.Errorf("unexpected audio update kind %d", update.Kind)
	}
}

func (s *Session) applyActiveSpeakersLocked(speakers []string) {
	ids := make([]uint64, 0, len(speakers))
	for _, ident := range speakers {
		if id, err := parseIdentity(ident); err == nil {
			ids = append(ids, uint64(id))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	contains := func(id domain.UserID) bool {
		i := sort.Search(len(ids), func(i int) bool { return ids[i] >= uint64(id) })
		return i < len(ids) && ids[i] == uint64(id)
	}

	for id, participant := range s.remoteParticipants {
		participant.Speaking = contains(id)
	}
	if localID, ok := s.client.UserID(); ok && s.media != nil {
		s.media.speaking = contains(localID)
	}
}
