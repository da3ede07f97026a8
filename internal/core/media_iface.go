package core

import "context"

// MediaConnectionState is the engine-level connection state.
type MediaConnectionState int

const (
	MediaConnecting MediaConnectionState = iota
	MediaConnected
	MediaDisconnected
)

// LocalAudioTrack and LocalVideoTrack are opaque capture handles
// produced by the engine and consumed only by its publish methods.
type (
	LocalAudioTrack interface{ Kind() string }
	LocalVideoTrack interface{ Kind() string }
)

// LocalTrackPublication is a published local track. SetMuted pauses or
// resumes it server-side.
type LocalTrackPublication interface {
	SID() string
	SetMuted(ctx context.Context, muted bool) error
}

// RemoteTrackPublication is the subscription-side view of a remote
// track. SetEnabled pauses delivery without unsubscribing.
type RemoteTrackPublication interface {
	SID() string
	IsMuted() bool
	SetEnabled(ctx context.Context, enabled bool) error
}

// RemoteVideoTrack / RemoteAudioTrack are subscribed remote tracks.
// PublisherIdentity is the publishing user's id in decimal form.
type RemoteVideoTrack interface {
	SID() string
	PublisherIdentity() string
}

type RemoteAudioTrack interface {
	SID() string
	PublisherIdentity() string
}

// DisplaySource is a capturable screen.
type DisplaySource struct {
	ID   string
	Name string
}

type TrackUpdateKind int

const (
	TrackSubscribed TrackUpdateKind = iota
	TrackUnsubscribed
	TrackMuteChanged
	ActiveSpeakersChanged
)

// RemoteVideoUpdate is one event on the remote-video stream.
// Track is set for TrackSubscribed; PublisherIdentity and TrackSID are
// always set for per-track kinds.
type RemoteVideoUpdate struct {
	Kind              TrackUpdateKind
	Track             RemoteVideoTrack
	PublisherIdentity string
	TrackSID          string
}

// RemoteAudioUpdate is one event on the remote-audio stream. Speakers
// carries publisher identities for ActiveSpeakersChanged; Muted is
// meaningful for TrackMuteChanged and TrackSubscribed.
type RemoteAudioUpdate struct {
	Kind              TrackUpdateKind
	Track             RemoteAudioTrack
	Publication       RemoteTrackPublication
	PublisherIdentity string
	TrackSID          string
	Muted             bool
	Speakers          []string
}

// MediaEngine is the opaque media capability: connect, publish,
// subscribe. The session exclusively owns its engine instance and must
// Close it on leave. All streams are closed on Close.
type MediaEngine interface {
	Connect(ctx context.Context, serverURL, token string) error
	Close()

	StatusChanges() <-chan MediaConnectionState
	RemoteVideoUpdates() <-chan RemoteVideoUpdate
	RemoteAudioUpdates() <-chan RemoteAudioUpdate

	CreateAudioTrack(ctx context.Context) (LocalAudioTrack, error)
	DisplaySources(ctx context.Context) ([]DisplaySource, error)
	CreateScreenTrack(ctx context.Context, source DisplaySource) (LocalVideoTrack, error)

	PublishAudioTrack(ctx context.Context, track LocalAudioTrack) (LocalTrackPublication, error)
	PublishVideoTrack(ctx context.Context, track LocalVideoTrack) (LocalTrackPublication, error)
	UnpublishTrack(pub LocalTrackPublication)

	// Engine-level views of what is already subscribed for one
	// publisher, used to hydrate participants that become visible after
	// their tracks arrived.
	RemoteVideoTracks(publisherIdentity string) []RemoteVideoTrack
	RemoteAudioTracks(publisherIdentity string) ([]RemoteAudioTrack, []RemoteTrackPublication)
}
