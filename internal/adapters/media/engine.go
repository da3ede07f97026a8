// Package media implements the session's media engine over a pion
// WebRTC peer connection to an SFU. Signaling with the SFU is a single
// WHIP-style offer/answer exchange; SFU-side events (mute flips,
// active speakers) arrive on a data channel.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddle-dev/huddle/internal/core"
)

var ErrEngineClosed = errors.New("media engine closed")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Engine owns one peer connection. It is created per session and torn
// down with it.
type Engine struct {
	cfg webrtc.Configuration

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	closed bool

	status       chan core.MediaConnectionState
	videoUpdates chan core.RemoteVideoUpdate
	audioUpdates chan core.RemoteAudioUpdate

	remoteVideo map[string][]core.RemoteVideoTrack
	remoteAudio map[string][]*remoteAudioTrack
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		cfg:          DefaultWebRTCConfig(),
		status:       make(chan core.MediaConnectionState, 8),
		videoUpdates: make(chan core.RemoteVideoUpdate, 32),
		audioUpdates: make(chan core.RemoteAudioUpdate, 32),
		remoteVideo:  make(map[string][]core.RemoteVideoTrack),
		remoteAudio:  make(map[string][]*remoteAudioTrack),
	}
}

func (e *Engine) StatusChanges() <-chan core.MediaConnectionState   { return e.status }
func (e *Engine) RemoteVideoUpdates() <-chan core.RemoteVideoUpdate { return e.videoUpdates }
func (e *Engine) RemoteAudioUpdates() <-chan core.RemoteAudioUpdate { return e.audioUpdates }

// Connect brings up the peer connection and exchanges SDP with the
// media server named by the connect info.
func (e *Engine) Connect(ctx context.Context, serverURL, token string) error {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = pc.Close()
		return ErrEngineClosed
	}
	e.pc = pc
	e.mu.Unlock()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "media").Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			e.pushStatus(core.MediaConnected)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			e.pushStatus(core.MediaDisconnected)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "media").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track subscribed")
		e.handleRemoteTrack(track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			e.handleServerEvent(msg.Data)
		})
	})

	// Receive-only transceivers so the SFU can fan in immediately.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := exchangeSDP(ctx, serverURL, token, pc.LocalDescription())
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(*answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// exchangeSDP posts the local offer to the media server and reads back
// its answer.
func exchangeSDP(ctx context.Context, serverURL, token string, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return nil, fmt.Errorf("encoding offer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building sdp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("sdp exchange: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading sdp answer: %w", err)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		return nil, fmt.Errorf("decoding sdp answer: %w", err)
	}
	return &answer, nil
}

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pc := e.pc
	e.pc = nil
	e.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("close error")
		}
	}
	close(e.status)
	close(e.videoUpdates)
	close(e.audioUpdates)
}

// pushStatus sends under mu: closed is set under the same lock before
// Close closes the channels, so the send can never hit a closed one.
func (e *Engine) pushStatus(s core.MediaConnectionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.status <- s:
	default:
	}
}

// handleRemoteTrack registers a subscribed track and watches it until
// the RTP stream ends, which is pion's signal for unsubscription.
func (e *Engine) handleRemoteTrack(track *webrtc.TrackRemote) {
	ident := track.StreamID()
	sid := track.ID()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	isAudio := track.Kind() == webrtc.RTPCodecTypeAudio
	var update any
	if isAudio {
		at := &remoteAudioTrack{ident: ident, sid: sid}
		e.remoteAudio[ident] = append(e.remoteAudio[ident], at)
		update = core.RemoteAudioUpdate{
			Kind:              core.TrackSubscribed,
			Track:             at,
			Publication:       at,
			PublisherIdentity: ident,
			TrackSID:          sid,
		}
	} else {
		vt := &remoteVideoTrack{ident: ident, sid: sid}
		e.remoteVideo[ident] = append(e.remoteVideo[ident], vt)
		update = core.RemoteVideoUpdate{
			Kind:              core.TrackSubscribed,
			Track:             vt,
			PublisherIdentity: ident,
			TrackSID:          sid,
		}
	}
	e.mu.Unlock()
	e.pushUpdate(update)

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				break
			}
		}
		e.dropRemoteTrack(ident, sid, isAudio)
	}()
}

func (e *Engine) dropRemoteTrack(ident, sid string, isAudio bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if isAudio {
		tracks := e.remoteAudio[ident]
		for i, t := range tracks {
			if t.sid == sid {
				e.remoteAudio[ident] = append(tracks[:i], tracks[i+1:]...)
				break
			}
		}
	} else {
		tracks := e.remoteVideo[ident]
		for i, t := range tracks {
			if t.SID() == sid {
				e.remoteVideo[ident] = append(tracks[:i], tracks[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	if isAudio {
		e.pushUpdate(core.RemoteAudioUpdate{Kind: core.TrackUnsubscribed, PublisherIdentity: ident, TrackSID: sid})
	} else {
		e.pushUpdate(core.RemoteVideoUpdate{Kind: core.TrackUnsubscribed, PublisherIdentity: ident, TrackSID: sid})
	}
}

// serverEvent is one SFU notification from the events data channel.
type serverEvent struct {
	Type     string   `json:"type"`
	TrackSID string   `json:"track_sid,omitempty"`
	Muted    bool     `json:"muted,omitempty"`
	Speakers []string `json:"speakers,omitempty"`
}

func (e *Engine) handleServerEvent(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("bad server event")
		return
	}
	switch ev.Type {
	case "mute_changed":
		e.mu.Lock()
		for _, tracks := range e.remoteAudio {
			for _, t := range tracks {
				if t.sid == ev.TrackSID {
					t.setMuted(ev.Muted)
				}
			}
		}
		e.mu.Unlock()
		e.pushUpdate(core.RemoteAudioUpdate{Kind: core.TrackMuteChanged, TrackSID: ev.TrackSID, Muted: ev.Muted})
	case "active_speakers":
		e.pushUpdate(core.RemoteAudioUpdate{Kind: core.ActiveSpeakersChanged, Speakers: ev.Speakers})
	default:
		log.Warn().Str("module", "media").Str("type", ev.Type).Msg("unknown server event")
	}
}

func (e *Engine) pushUpdate(update any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	switch u := update.(type) {
	case core.RemoteVideoUpdate:
		select {
		case e.videoUpdates <- u:
		default:
			log.Warn().Str("module", "media").Msg("video update buffer full, dropping")
		}
	case core.RemoteAudioUpdate:
		select {
		case e.audioUpdates <- u:
		default:
			log.Warn().Str("module", "media").Msg("audio update buffer full, dropping")
		}
	}
}

func (e *Engine) RemoteVideoTracks(publisherIdentity string) []core.RemoteVideoTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.RemoteVideoTrack, len(e.remoteVideo[publisherIdentity]))
	copy(out, e.remoteVideo[publisherIdentity])
	return out
}

func (e *Engine) RemoteAudioTracks(publisherIdentity string) ([]core.RemoteAudioTrack, []core.RemoteTrackPublication) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tracks := make([]core.RemoteAudioTrack, 0, len(e.remoteAudio[publisherIdentity]))
	pubs := make([]core.RemoteTrackPublication, 0, len(e.remoteAudio[publisherIdentity]))
	for _, t := range e.remoteAudio[publisherIdentity] {
		tracks = append(tracks, t)
		pubs = append(pubs, t)
	}
	return tracks, pubs
}

func (e *Engine) CreateAudioTrack(ctx context.Context) (core.LocalAudioTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(), "microphone",
	)
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}
	return &localTrack{kind: "audio", track: track}, nil
}

func (e *Engine) DisplaySources(ctx context.Context) ([]core.DisplaySource, error) {
	// Display enumeration is platform capture territory; the engine
	// exposes the primary display and the capture pipeline fills it.
	return []core.DisplaySource{{ID: "primary", Name: "Primary Display"}}, nil
}

func (e *Engine) CreateScreenTrack(ctx context.Context, source core.DisplaySource) (core.LocalVideoTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen-"+uuid.NewString(), source.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating screen track: %w", err)
	}
	return &localTrack{kind: "video", track: track}, nil
}

func (e *Engine) PublishAudioTrack(ctx context.Context, track core.LocalAudioTrack) (core.LocalTrackPublication, error) {
	return e.publish(track)
}

func (e *Engine) PublishVideoTrack(ctx context.Context, track core.LocalVideoTrack) (core.LocalTrackPublication, error) {
	return e.publish(track)
}

func (e *Engine) publish(track any) (core.LocalTrackPublication, error) {
	lt, ok := track.(*localTrack)
	if !ok {
		return nil, fmt.Errorf("publish: track was not created by this engine")
	}

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return nil, ErrEngineClosed
	}

	sender, err := pc.AddTrack(lt.track)
	if err != nil {
		return nil, fmt.Errorf("publishing %s track: %w", lt.kind, err)
	}
	return &localPublication{sid: lt.track.ID(), sender: sender}, nil
}

func (e *Engine) UnpublishTrack(pub core.LocalTrackPublication) {
	lp, ok := pub.(*localPublication)
	if !ok {
		return
	}
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.RemoveTrack(lp.sender); err != nil {
		log.Error().Err(err).Str("module", "media").Str("sid", lp.sid).Msg("unpublish error")
	}
}
