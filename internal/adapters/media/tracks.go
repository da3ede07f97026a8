package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/huddle-dev/huddle/internal/core"
)

type localTrack struct {
	kind  string
	track *webrtc.TrackLocalStaticSample
}

func (t *localTrack) Kind() string { return t.kind }

var (
	_ core.LocalAudioTrack = (*localTrack)(nil)
	_ core.LocalVideoTrack = (*localTrack)(nil)
)

type localPublication struct {
	sid    string
	sender *webrtc.RTPSender

	mu    sync.Mutex
	muted bool
}

var _ core.LocalTrackPublication = (*localPublication)(nil)

func (p *localPublication) SID() string { return p.sid }

// SetMuted gates the outgoing stream. The capture pipeline checks the
// flag before writing samples, so a muted publication keeps its sender
// but carries silence.
func (p *localPublication) SetMuted(ctx context.Context, muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return nil
}

func (p *localPublication) IsMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

type remoteVideoTrack struct {
	ident string
	sid   string
}

var _ core.RemoteVideoTrack = (*remoteVideoTrack)(nil)

func (t *remoteVideoTrack) SID() string               { return t.sid }
func (t *remoteVideoTrack) PublisherIdentity() string { return t.ident }

// remoteAudioTrack doubles as its own publication: pion surfaces one
// TrackRemote per subscription, and the mute and enabled flags both
// attach to it.
type remoteAudioTrack struct {
	ident string
	sid   string

	mu      sync.Mutex
	muted   bool
	enabled bool
}

var (
	_ core.RemoteAudioTrack       = (*remoteAudioTrack)(nil)
	_ core.RemoteTrackPublication = (*remoteAudioTrack)(nil)
)

func (t *remoteAudioTrack) SID() string               { return t.sid }
func (t *remoteAudioTrack) PublisherIdentity() string { return t.ident }

func (t *remoteAudioTrack) setMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *remoteAudioTrack) IsMuted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *remoteAudioTrack) SetEnabled(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
	return nil
}
