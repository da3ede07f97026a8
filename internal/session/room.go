// Package session is the client-side room engine: it keeps a local
// view of shared room state consistent with the server's authoritative
// view, survives transient disconnects, and reconciles concurrent
// server pushes with in-flight local operations.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

const (
	DefaultReconnectAttempts = 3
	DefaultReconnectTimeout  = 30 * time.Second
	defaultEventBuffer       = 32
)

// Deps bundles the external collaborators a session talks to. All of
// them are owned elsewhere except Media, which the session tears down
// on leave.
type Deps struct {
	Client    core.Client
	Directory core.UserDirectory
	Registry  core.ProjectRegistry
	Media     core.MediaEngine
	Sounds    core.SoundPlayer
}

// Options carries the tuning knobs. Zero values select the defaults.
type Options struct {
	ReconnectAttempts int
	ReconnectTimeout  time.Duration
	MuteOnJoin        bool
	EventBuffer       int
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = DefaultReconnectTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	return o
}

type followKey struct {
	leader    domain.PeerID
	projectID domain.ProjectID
	inProject bool
}

// Session is the aggregate for one active call. All mutable state is
// guarded by mu; background goroutines feed updates through it and
// exit once the session goes offline.
type Session struct {
	mu sync.Mutex

	id        domain.RoomID
	channelID *domain.ChannelID
	status    Status

	localParticipant    LocalParticipant
	remoteParticipants  map[domain.UserID]*RemoteParticipant
	pendingParticipants []*domain.User
	participantUserIDs  map[domain.UserID]struct{}
	follows             map[followKey][]domain.PeerID

	sharedProjects map[core.ProjectHandleID]core.WeakProject
	joinedProjects map[core.ProjectHandleID]core.WeakProject

	pendingCallCount int
	leaveWhenEmpty   bool

	// mergeSeq is the latest requested roster merge, mergeDone the
	// latest completed one. A merge whose seq is stale when it resolves
	// is discarded: only the newest requested merge lands.
	mergeSeq  uint64
	mergeDone uint64

	media *mediaSession

	client    core.Client
	directory core.UserDirectory
	registry  core.ProjectRegistry
	sounds    core.SoundPlayer

	opts   Options
	events chan Event
	// failures delivers the supervisor's terminal error, at most once.
	failures chan error
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(id domain.RoomID, channelID *domain.ChannelID, mediaInfo *core.MediaConnectInfo, deps Deps, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:                 id,
		channelID:          channelID,
		status:             StatusOnline,
		remoteParticipants: make(map[domain.UserID]*RemoteParticipant),
		participantUserIDs: make(map[domain.UserID]struct{}),
		follows:            make(map[followKey][]domain.PeerID),
		sharedProjects:     make(map[core.ProjectHandleID]core.WeakProject),
		joinedProjects:     make(map[core.ProjectHandleID]core.WeakProject),
		client:             deps.Client,
		directory:          deps.Directory,
		registry:           deps.Registry,
		sounds:             deps.Sounds,
		opts:               opts,
		events:             make(chan Event, opts.EventBuffer),
		failures:           make(chan error, 1),
		logger:             log.With().Str("module", "session.room").Uint64("room", uint64(id)).Logger(),
		ctx:                ctx,
		cancel:             cancel,
	}

	if mediaInfo != nil && deps.Media != nil {
		s.media = newMediaSession(deps.Media)
		go s.watchMediaStatus(ctx, deps.Media)
		go s.watchVideoTracks(ctx, deps.Media)
		go s.watchAudioTracks(ctx, deps.Media)
		go s.connectMedia(ctx, deps.Media, *mediaInfo)
	}

	go s.maintainConnection(ctx)
	go s.watchRoomUpdates(ctx)

	s.sounds.Play(core.SoundJoined)
	s.logger.Info().Msg("session created")
	return s
}

// Create requests a new room, optionally shares an initial project to
// obtain its id, then places the first outbound call. A call failure
// tears the room down and surfaces as an error.
func Create(ctx context.Context, deps Deps, opts Options, calledUserID domain.UserID, initialProject *core.WeakProject) (*Session, error) {
	resp, err := deps.Client.CreateRoom(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	if resp.Room == nil {
		return nil, ErrInvalidRoom
	}

	s := newSession(resp.Room.ID, nil, resp.MediaInfo, deps, opts)

	var initialProjectID *domain.ProjectID
	if initialProject != nil {
		id, err := s.ShareProject(ctx, *initialProject)
		if err != nil {
			_ = s.Leave()
			return nil, fmt.Errorf("sharing initial project: %w", err)
		}
		initialProjectID = &id
	}

	s.mu.Lock()
	s.leaveWhenEmpty = true
	s.mu.Unlock()

	if err := s.Call(ctx, calledUserID, initialProjectID); err != nil {
		_ = s.Leave()
		return nil, fmt.Errorf("room creation failed: %w", err)
	}
	return s, nil
}

// Join joins an existing ad hoc room from an incoming call invite.
func Join(ctx context.Context, deps Deps, opts Options, roomID domain.RoomID) (*Session, error) {
	resp, err := deps.Client.JoinRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("joining room: %w", err)
	}
	return fromJoinResponse(resp, deps, opts)
}

// JoinChannel joins a channel-backed room. Channel rooms never
// auto-leave when empty.
func JoinChannel(ctx context.Context, deps Deps, opts Options, channelID domain.ChannelID) (*Session, error) {
	resp, err := deps.Client.JoinChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("joining channel: %w", err)
	}
	return fromJoinResponse(resp, deps, opts)
}

func fromJoinResponse(resp *core.JoinRoomResponse, deps Deps, opts Options) (*Session, error) {
	if resp.Room == nil {
		return nil, ErrInvalidRoom
	}
	s := newSession(resp.Room.ID, resp.ChannelID, resp.MediaInfo, deps, opts)
	s.mu.Lock()
	s.leaveWhenEmpty = resp.ChannelID == nil
	s.mu.Unlock()
	s.ApplyRoomSnapshot(resp.Room)
	return s, nil
}

func (s *Session) ID() domain.RoomID { return s.id }

func (s *Session) ChannelID() *domain.ChannelID { return s.channelID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LocalParticipant() LocalParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localParticipant
}

// RemoteParticipants returns a copy of the roster ordered by user id.
// Roster merges keep rewriting the live structs, so interior pointers
// never leave the lock.
func (s *Session) RemoteParticipants() []RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteParticipant, 0, len(s.remoteParticipants))
	for _, p := range s.remoteParticipants {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

func (s *Session) RemoteParticipantForPeerID(id domain.PeerID) (RemoteParticipant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.remoteParticipants {
		if p.PeerID == id {
			return p.snapshot(), true
		}
	}
	return RemoteParticipant{}, false
}

func (s *Session) PendingParticipants() []*domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.User, len(s.pendingParticipants))
	copy(out, s.pendingParticipants)
	return out
}

func (s *Session) ContainsParticipant(id domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participantUserIDs[id]
	return ok
}

// FollowersFor lists the peers following a leader within a project,
// in arrival order.
func (s *Session) FollowersFor(leader domain.PeerID, projectID domain.ProjectID) []domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.follows[followKey{leader: leader, projectID: projectID, inProject: true}]
	out := make([]domain.PeerID, len(list))
	copy(out, list)
	return out
}

// ReconnectFailures delivers the supervisor's terminal error after
// rejoin attempts are exhausted.
func (s *Session) ReconnectFailures() <-chan error {
	return s.failures
}

// shouldLeaveLocked is the emptiness condition: leave-on-empty enabled,
// no roster merge in flight, nobody present or invited, no pending
// outbound calls.
func (s *Session) shouldLeaveLocked() bool {
	return s.leaveWhenEmpty &&
		s.mergeDone == s.mergeSeq &&
		len(s.pendingParticipants) == 0 &&
		len(s.remoteParticipants) == 0 &&
		s.pendingCallCount == 0
}

// Leave departs the room. Local state is cleared synchronously and
// unconditionally; the server is notified in the background so the
// caller observes departure immediately even if the network call
// fails. Leaving an offline session is an error.
func (s *Session) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsOffline() {
		return ErrRoomOffline
	}
	s.leaveLocked()
	return nil
}

func (s *Session) leaveLocked() {
	s.logger.Info().Msg("leaving room")
	s.sounds.Play(core.SoundLeave)
	s.emitLocked(Left{})

	client := s.client
	roomID := s.id
	s.clearStateLocked()

	go func() {
		if err := client.LeaveRoom(context.Background(), roomID); err != nil {
			log.Error().Err(err).Str("module", "session.room").Uint64("room", uint64(roomID)).Msg("leave request failed")
		}
	}()
}

// clearStateLocked releases everything the session owns or borrows:
// owned shared projects are unshared, guest projects disconnected and
// closed, the media engine torn down, background tasks cancelled.
func (s *Session) clearStateLocked() {
	for hid, w := range s.sharedProjects {
		if proj, ok := w.Upgrade(); ok {
			proj.Unshare()
		}
		delete(s.sharedProjects, hid)
	}
	for hid, w := range s.joinedProjects {
		if proj, ok := w.Upgrade(); ok {
			proj.DisconnectedFromHost()
			proj.Close()
		}
		delete(s.joinedProjects, hid)
	}

	s.status = StatusOffline
	s.remoteParticipants = make(map[domain.UserID]*RemoteParticipant)
	s.pendingParticipants = nil
	s.participantUserIDs = make(map[domain.UserID]struct{})
	s.follows = make(map[followKey][]domain.PeerID)
	s.localParticipant = LocalParticipant{}

	if s.media != nil {
		s.media.engine.Close()
		s.media = nil
	}
	s.cancel()
}

// Call invites a user into the room, optionally pointing them at a
// shared project. The pending-call count keeps the room alive while
// the invite is in flight.
func (s *Session) Call(ctx context.Context, calledUserID domain.UserID, initialProjectID *domain.ProjectID) error {
	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return ErrRoomOffline
	}
	s.pendingCallCount++
	roomID := s.id
	s.mu.Unlock()

	err := s.client.Call(ctx, roomID, calledUserID, initialProjectID)

	s.mu.Lock()
	s.pendingCallCount--
	if s.shouldLeaveLocked() {
		s.logger.Info().Msg("room is empty, leaving")
		s.leaveLocked()
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("calling user %d: %w", calledUserID, err)
	}
	return nil
}

// ShareProject shares a locally-open project into the room, returning
// its server-assigned id. Sharing an already-shared project returns
// the existing id. If the shared project is the active one, the local
// location is re-derived to SharedProject without an explicit
// SetLocation call.
func (s *Session) ShareProject(ctx context.Context, w core.WeakProject) (domain.ProjectID, error) {
	proj, ok := w.Upgrade()
	if !ok {
		return 0, ErrProjectGone
	}
	if id, shared := proj.RemoteID(); shared {
		return id, nil
	}

	s.mu.Lock()
	roomID := s.id
	s.mu.Unlock()

	id, err := s.client.ShareProject(ctx, roomID, proj.WorktreeMetadata())
	if err != nil {
		return 0, fmt.Errorf("sharing project: %w", err)
	}
	if err := proj.Shared(id); err != nil {
		return 0, fmt.Errorf("recording shared project id: %w", err)
	}

	s.mu.Lock()
	s.sharedProjects[w.ID] = w
	isActive := s.localParticipant.ActiveProject != nil && s.localParticipant.ActiveProject.ID == w.ID
	s.mu.Unlock()

	if isActive {
		if err := s.SetLocation(ctx, &w); err != nil {
			log.Warn().Err(err).Str("module", "session.room").Uint64("room", uint64(roomID)).Msg("updating location after share")
		}
	}
	return id, nil
}

// UnshareProject stops sharing a project. A project that was never
// shared is a no-op.
func (s *Session) UnshareProject(ctx context.Context, w core.WeakProject) error {
	proj, ok := w.Upgrade()
	if !ok {
		return ErrProjectGone
	}
	id, shared := proj.RemoteID()
	if !shared {
		return nil
	}
	if err := s.client.UnshareProject(ctx, id); err != nil {
		return fmt.Errorf("unsharing project %d: %w", id, err)
	}
	proj.Unshare()

	s.mu.Lock()
	delete(s.sharedProjects, w.ID)
	s.mu.Unlock()
	return nil
}

// SetLocation declares where the local user is working. Pass nil for
// external (outside any project).
func (s *Session) SetLocation(ctx context.Context, w *core.WeakProject) error {
	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return ErrRoomOffline
	}
	var location domain.ParticipantLocation
	if w != nil {
		s.localParticipant.ActiveProject = w
		if proj, ok := w.Upgrade(); ok {
			if id, shared := proj.RemoteID(); shared {
				location = domain.SharedProjectLocation(id)
			} else {
				location = domain.UnsharedProjectLocation()
			}
		} else {
			location = domain.UnsharedProjectLocation()
		}
	} else {
		s.localParticipant.ActiveProject = nil
		location = domain.ExternalLocation()
	}
	roomID := s.id
	s.mu.Unlock()

	if err := s.client.UpdateLocation(ctx, roomID, location); err != nil {
		return fmt.Errorf("updating location: %w", err)
	}
	return nil
}

// JoinProject connects to a project hosted by another participant and
// tracks it as joined. Previously-joined projects that have since
// closed or gone read-only are pruned as a side effect.
func (s *Session) JoinProject(ctx context.Context, id domain.ProjectID) (core.Project, error) {
	hid, proj, err := s.registry.OpenRemote(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("joining project %d: %w", id, err)
	}

	s.mu.Lock()
	for old, w := range s.joinedProjects {
		p, ok := w.Upgrade()
		if !ok || p.IsReadOnly() {
			delete(s.joinedProjects, old)
		}
	}
	s.joinedProjects[hid] = core.WeakProject{Registry: s.registry, ID: hid}
	s.mu.Unlock()
	return proj, nil
}

// watchRoomUpdates feeds server roster pushes into the reconciler.
func (s *Session) watchRoomUpdates(ctx context.Context) {
	updates := s.client.RoomUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap == nil || snap.ID != s.id {
				continue
			}
			s.ApplyRoomSnapshot(snap)
		}
	}
}

// checkInvariants verifies the roster bookkeeping; exercised by tests.
func (s *Session) checkInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	localID, _ := s.client.UserID()
	for id := range s.remoteParticipants {
		if _, ok := s.participantUserIDs[id]; !ok {
			return fmt.Errorf("remote participant %d missing from participant ids", id)
		}
		if id == localID {
			return fmt.Errorf("local user %d present in remote roster", id)
		}
	}
	for _, u := range s.pendingParticipants {
		if _, ok := s.participantUserIDs[u.ID]; !ok {
			return fmt.Errorf("pending participant %d missing from participant ids", u.ID)
		}
		if u.ID == localID {
			return fmt.Errorf("local user %d present in pending roster", u.ID)
		}
	}
	if len(s.participantUserIDs) != len(s.remoteParticipants)+len(s.pendingParticipants) {
		return fmt.Errorf("participant id set has %d entries, roster has %d",
			len(s.participantUserIDs), len(s.remoteParticipants)+len(s.pendingParticipants))
	}
	return nil
}
