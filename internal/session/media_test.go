package session

import (
	"context"
	"errors"
	"testing"

	"github.com/huddle-dev/huddle/internal/core"
)

func TestMicrophoneSharedAutomaticallyOnJoin(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{}, entry(2, 20))
	defer s.Leave()

	waitFor(t, "microphone share", s.IsSharingMic)
	if s.IsMuted() {
		t.Error("auto-shared microphone should start unmuted")
	}
}

func TestMuteOnJoinSkipsMicrophoneShare(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if s.IsSharingMic() {
		t.Error("microphone must not be shared when muting on join")
	}
	if !s.IsMuted() {
		t.Error("session should report muted before any track exists")
	}
}

func TestShareMicrophoneTwiceFails(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if err := s.ShareMicrophone(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.ShareMicrophone(context.Background()); !errors.Is(err, ErrAlreadySharing) {
		t.Fatalf("err = %v, want ErrAlreadySharing", err)
	}
}

func TestSupersededScreenPublishIsUnpublished(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	gate := make(chan struct{})
	env.engine.mu.Lock()
	env.engine.publishGate = gate
	env.engine.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.ShareScreen(context.Background()) }()
	waitFor(t, "pending screen share", s.IsScreenSharing)

	// Cancel while the engine request is still in flight.
	if err := s.UnshareScreen(); err != nil {
		t.Fatalf("UnshareScreen: %v", err)
	}
	if s.IsScreenSharing() {
		t.Fatal("screen share should be cleared")
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("superseded share should resolve cleanly, got %v", err)
	}
	if sids := env.engine.unpublishedSIDs(); len(sids) != 1 {
		t.Fatalf("unpublished tracks = %v, want exactly one", sids)
	}
	if env.sounds.count(core.SoundStartScreenshare) != 0 {
		t.Error("superseded share must not chime")
	}
}

func TestUnshareScreenStates(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if err := s.UnshareScreen(); !errors.Is(err, ErrNotSharing) {
		t.Fatalf("err = %v, want ErrNotSharing", err)
	}

	if err := s.ShareScreen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if env.sounds.count(core.SoundStartScreenshare) != 1 {
		t.Error("start chime not played")
	}
	if err := s.UnshareScreen(); err != nil {
		t.Fatal(err)
	}
	if env.sounds.count(core.SoundStopScreenshare) != 1 {
		t.Error("stop chime not played")
	}
	if sids := env.engine.unpublishedSIDs(); len(sids) != 1 {
		t.Fatalf("unpublished = %v", sids)
	}
}

func TestToggleMuteFlipsAndChimes(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if err := s.ShareMicrophone(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.IsMuted() {
		t.Fatal("should be muted after toggle")
	}
	if env.sounds.count(core.SoundMute) != 1 {
		t.Error("mute chime not played")
	}

	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.IsMuted() {
		t.Fatal("should be unmuted after second toggle")
	}
	if env.sounds.count(core.SoundUnmute) != 1 {
		t.Error("unmute chime not played")
	}
}

func TestToggleMuteWithoutTrackSharesMicrophone(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.IsSharingMic() {
		t.Fatal("toggling mute with no track should share the microphone")
	}
}

func TestDeafenMutesAndDisablesRemoteAudio(t *testing.T) {
	env := newTestEnv()
	remote := env.engine.addRemoteAudio(identity(2), "audio-1", false)
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if err := s.ShareMicrophone(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.ToggleDeafen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if deafened, _ := s.IsDeafened(); !deafened {
		t.Fatal("should be deafened")
	}
	if !s.IsMuted() {
		t.Error("deafening should mute the microphone")
	}
	if remote.isEnabled() {
		t.Error("remote audio should be disabled while deafened")
	}

	if err := s.ToggleDeafen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if deafened, _ := s.IsDeafened(); deafened {
		t.Fatal("should no longer be deafened")
	}
	if s.IsMuted() {
		t.Error("un-deafening should restore the unmuted microphone")
	}
	if !remote.isEnabled() {
		t.Error("remote audio should be re-enabled")
	}
}

func TestUndeafenPreservesManualMute(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if err := s.ShareMicrophone(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Mute by hand, then deafen and un-deafen.
	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.ToggleDeafen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.ToggleDeafen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.IsMuted() {
		t.Fatal("manual mute must survive a deafen cycle")
	}
}

func TestUnmuteWhileDeafenedAlsoUndeafens(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	if err := s.ShareMicrophone(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.ToggleDeafen(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Unmuting now lifts the deafen as well.
	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.IsMuted() {
		t.Error("should be unmuted")
	}
	if deafened, _ := s.IsDeafened(); deafened {
		t.Error("unmuting should also un-deafen")
	}
}

func TestRemoteTrackUpdates(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()
	drainEvents(s)

	track := &fakeRemoteTrack{sid: "audio-9", ident: identity(2)}
	env.engine.audio <- core.RemoteAudioUpdate{
		Kind:              core.TrackSubscribed,
		Track:             track,
		Publication:       track,
		PublisherIdentity: identity(2),
		TrackSID:          "audio-9",
	}
	waitFor(t, "audio subscription", func() bool {
		p, ok := s.RemoteParticipantForPeerID(20)
		if !ok {
			return false
		}
		_, has := p.AudioTracks["audio-9"]
		return has
	})
	if events := eventsOfType[RemoteAudioTracksChanged](drainEvents(s)); len(events) != 1 {
		t.Fatalf("audio events = %+v", events)
	}

	env.engine.audio <- core.RemoteAudioUpdate{
		Kind:     core.TrackMuteChanged,
		TrackSID: "audio-9",
		Muted:    true,
	}
	waitFor(t, "mute change", func() bool {
		p, _ := s.RemoteParticipantForPeerID(20)
		return p.Muted
	})

	env.engine.audio <- core.RemoteAudioUpdate{
		Kind:              core.TrackUnsubscribed,
		PublisherIdentity: identity(2),
		TrackSID:          "audio-9",
	}
	waitFor(t, "audio unsubscription", func() bool {
		p, _ := s.RemoteParticipantForPeerID(20)
		_, has := p.AudioTracks["audio-9"]
		return !has
	})
}

func TestActiveSpeakers(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20), entry(3, 30))
	defer s.Leave()

	// Speakers include remote user 2 and the local user.
	env.engine.audio <- core.RemoteAudioUpdate{
		Kind:     core.ActiveSpeakersChanged,
		Speakers: []string{identity(2), identity(1)},
	}
	waitFor(t, "speaker update", func() bool {
		p, ok := s.RemoteParticipantForPeerID(20)
		if !ok {
			return false
		}
		return p.Speaking
	})
	if !s.IsSpeaking() {
		t.Error("local participant should be speaking")
	}
	if p, _ := s.RemoteParticipantForPeerID(30); p.Speaking {
		t.Error("silent participant marked speaking")
	}
}

func TestMediaDisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))

	env.engine.status <- core.MediaDisconnected
	waitFor(t, "leave on media loss", func() bool { return s.Status() == StatusOffline })
}

func TestMuteAppliedToLatePublication(t *testing.T) {
	env := newTestEnv()
	s := joinChannelSession(t, env, Options{MuteOnJoin: true}, entry(2, 20))
	defer s.Leave()

	gate := make(chan struct{})
	env.engine.mu.Lock()
	env.engine.publishGate = gate
	env.engine.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.ShareMicrophone(context.Background()) }()
	waitFor(t, "pending microphone", s.IsSharingMic)

	// Mute lands while the publish is still in flight.
	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if !s.IsMuted() {
		t.Fatal("mute should survive publish completion")
	}
	s.mu.Lock()
	pub := s.media.micTrack.publication.(*fakeLocalPub)
	s.mu.Unlock()
	if !pub.isMuted() {
		t.Error("pending mute was not applied to the publication")
	}
}
