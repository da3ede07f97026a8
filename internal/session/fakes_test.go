package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

// fakeStatusWatcher is a hand-driven connection status source.
type fakeStatusWatcher struct {
	mu      sync.Mutex
	current core.ConnectionStatus
	changes chan core.ConnectionStatus
}

func newFakeStatusWatcher() *fakeStatusWatcher {
	return &fakeStatusWatcher{
		current: core.StatusConnected,
		changes: make(chan core.ConnectionStatus, 16),
	}
}

func (w *fakeStatusWatcher) Current() core.ConnectionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *fakeStatusWatcher) Changes() <-chan core.ConnectionStatus { return w.changes }

// set records the new status and always delivers a change, even when
// the value repeats, so tests can drive retry attempts one by one.
func (w *fakeStatusWatcher) set(s core.ConnectionStatus) {
	w.mu.Lock()
	w.current = s
	w.mu.Unlock()
	w.changes <- s
}

type rejoinCall struct {
	req core.RejoinRoomRequest
}

// fakeClient scripts the signaling server.
type fakeClient struct {
	status *fakeStatusWatcher
	// updates is unbuffered so a push returns only once the session's
	// update watcher has taken the snapshot.
	updates chan *core.RoomSnapshot

	mu       sync.Mutex
	userID   domain.UserID
	signedIn bool

	createResp *core.CreateRoomResponse
	createErr  error
	joinResp   *core.JoinRoomResponse
	joinErr    error

	callErr  error
	callFn   func()
	shareID  domain.ProjectID
	shareErr error

	rejoinResp *core.RejoinRoomResponse
	rejoinErr  error

	shareCalls   int
	unshareCalls []domain.ProjectID
	locations    []domain.ParticipantLocation
	rejoinCalls  []rejoinCall
	leftRooms    chan domain.RoomID
}

func newFakeClient(userID domain.UserID) *fakeClient {
	return &fakeClient{
		status:    newFakeStatusWatcher(),
		updates:   make(chan *core.RoomSnapshot),
		userID:    userID,
		signedIn:  true,
		leftRooms: make(chan domain.RoomID, 4),
	}
}

var _ core.Client = (*fakeClient)(nil)

func (c *fakeClient) UserID() (domain.UserID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.signedIn
}

func (c *fakeClient) Status() core.StatusWatcher { return c.status }

func (c *fakeClient) RoomUpdates() <-chan *core.RoomSnapshot { return c.updates }

func (c *fakeClient) CreateRoom(ctx context.Context) (*core.CreateRoomResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createResp, c.createErr
}

func (c *fakeClient) JoinRoom(ctx context.Context, id domain.RoomID) (*core.JoinRoomResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinResp, c.joinErr
}

func (c *fakeClient) JoinChannel(ctx context.Context, id domain.ChannelID) (*core.JoinRoomResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinResp, c.joinErr
}

func (c *fakeClient) RejoinRoom(ctx context.Context, req core.RejoinRoomRequest) (*core.RejoinRoomResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejoinCalls = append(c.rejoinCalls, rejoinCall{req: req})
	return c.rejoinResp, c.rejoinErr
}

func (c *fakeClient) LeaveRoom(ctx context.Context, id domain.RoomID) error {
	c.leftRooms <- id
	return nil
}

func (c *fakeClient) Call(ctx context.Context, roomID domain.RoomID, calledUserID domain.UserID, initialProjectID *domain.ProjectID) error {
	c.mu.Lock()
	fn := c.callFn
	err := c.callErr
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return err
}

func (c *fakeClient) ShareProject(ctx context.Context, roomID domain.RoomID, worktrees []domain.WorktreeMetadata) (domain.ProjectID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shareCalls++
	return c.shareID, c.shareErr
}

func (c *fakeClient) UnshareProject(ctx context.Context, projectID domain.ProjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unshareCalls = append(c.unshareCalls, projectID)
	return nil
}

func (c *fakeClient) UpdateLocation(ctx context.Context, roomID domain.RoomID, location domain.ParticipantLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locations = append(c.locations, location)
	return nil
}

// push delivers a roster snapshot and gives the in-flight merge a
// moment to register before the caller proceeds.
func (c *fakeClient) push(snap *core.RoomSnapshot) {
	c.updates <- snap
	time.Sleep(20 * time.Millisecond)
}

func (c *fakeClient) lastLocation() (domain.ParticipantLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.locations) == 0 {
		return domain.ParticipantLocation{}, false
	}
	return c.locations[len(c.locations)-1], true
}

// fakeDirectory resolves ids to synthetic users. Failures are scripted
// per test.
type fakeDirectory struct {
	mu  sync.Mutex
	err error
}

var _ core.UserDirectory = (*fakeDirectory)(nil)

func (d *fakeDirectory) GetUsers(ctx context.Context, ids []domain.UserID) ([]*domain.User, error) {
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	users := make([]*domain.User, len(ids))
	for i, id := range ids {
		users[i] = &domain.User{ID: id, Username: fmt.Sprintf("user-%d", id)}
	}
	return users, nil
}

func (d *fakeDirectory) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// fakeSounds records every chime.
type fakeSounds struct {
	mu     sync.Mutex
	played []core.Sound
}

var _ core.SoundPlayer = (*fakeSounds)(nil)

func (f *fakeSounds) Play(s core.Sound) {
	f.mu.Lock()
	f.played = append(f.played, s)
	f.mu.Unlock()
}

func (f *fakeSounds) count(s core.Sound) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.played {
		if p == s {
			n++
		}
	}
	return n
}

// fakeLocalPub records mute calls for a published local track.
type fakeLocalPub struct {
	sid string

	mu    sync.Mutex
	muted bool
}

var _ core.LocalTrackPublication = (*fakeLocalPub)(nil)

func (p *fakeLocalPub) SID() string { return p.sid }

func (p *fakeLocalPub) SetMuted(ctx context.Context, muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return nil
}

func (p *fakeLocalPub) isMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// fakeRemoteTrack doubles as remote track and publication.
type fakeRemoteTrack struct {
	sid   string
	ident string

	mu      sync.Mutex
	muted   bool
	enabled bool
}

var (
	_ core.RemoteAudioTrack       = (*fakeRemoteTrack)(nil)
	_ core.RemoteVideoTrack       = (*fakeRemoteTrack)(nil)
	_ core.RemoteTrackPublication = (*fakeRemoteTrack)(nil)
)

func (t *fakeRemoteTrack) SID() string               { return t.sid }
func (t *fakeRemoteTrack) PublisherIdentity() string { return t.ident }

func (t *fakeRemoteTrack) IsMuted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *fakeRemoteTrack) SetEnabled(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
	return nil
}

func (t *fakeRemoteTrack) isEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

type fakeLocalTrack struct{ kind string }

func (t *fakeLocalTrack) Kind() string { return t.kind }

// fakeEngine scripts the media engine. publishGate, when set, blocks
// publish calls until released so tests can interleave state changes
// with an in-flight publish.
type fakeEngine struct {
	status chan core.MediaConnectionState
	video  chan core.RemoteVideoUpdate
	audio  chan core.RemoteAudioUpdate

	mu          sync.Mutex
	closed      bool
	nextSID     int
	publishGate chan struct{}
	published   []string
	unpublished []string
	remoteAudio map[string][]*fakeRemoteTrack
	remoteVideo map[string][]*fakeRemoteTrack
}

var _ core.MediaEngine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status:      make(chan core.MediaConnectionState, 8),
		video:       make(chan core.RemoteVideoUpdate, 32),
		audio:       make(chan core.RemoteAudioUpdate, 32),
		remoteAudio: make(map[string][]*fakeRemoteTrack),
		remoteVideo: make(map[string][]*fakeRemoteTrack),
	}
}

func (e *fakeEngine) Connect(ctx context.Context, serverURL, token string) error { return nil }

func (e *fakeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) StatusChanges() <-chan core.MediaConnectionState   { return e.status }
func (e *fakeEngine) RemoteVideoUpdates() <-chan core.RemoteVideoUpdate { return e.video }
func (e *fakeEngine) RemoteAudioUpdates() <-chan core.RemoteAudioUpdate { return e.audio }

func (e *fakeEngine) CreateAudioTrack(ctx context.Context) (core.LocalAudioTrack, error) {
	return &fakeLocalTrack{kind: "audio"}, nil
}

func (e *fakeEngine) DisplaySources(ctx context.Context) ([]core.DisplaySource, error) {
	return []core.DisplaySource{{ID: "primary", Name: "Primary Display"}}, nil
}

func (e *fakeEngine) CreateScreenTrack(ctx context.Context, source core.DisplaySource) (core.LocalVideoTrack, error) {
	return &fakeLocalTrack{kind: "video"}, nil
}

func (e *fakeEngine) PublishAudioTrack(ctx context.Context, track core.LocalAudioTrack) (core.LocalTrackPublication, error) {
	return e.publish()
}

func (e *fakeEngine) PublishVideoTrack(ctx context.Context, track core.LocalVideoTrack) (core.LocalTrackPublication, error) {
	return e.publish()
}

func (e *fakeEngine) publish() (core.LocalTrackPublication, error) {
	e.mu.Lock()
	gate := e.publishGate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSID++
	sid := fmt.Sprintf("local-%d", e.nextSID)
	e.published = append(e.published, sid)
	return &fakeLocalPub{sid: sid}, nil
}

func (e *fakeEngine) UnpublishTrack(pub core.LocalTrackPublication) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unpublished = append(e.unpublished, pub.SID())
}

func (e *fakeEngine) unpublishedSIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.unpublished))
	copy(out, e.unpublished)
	return out
}

func (e *fakeEngine) addRemoteAudio(ident, sid string, muted bool) *fakeRemoteTrack {
	t := &fakeRemoteTrack{sid: sid, ident: ident, muted: muted, enabled: true}
	e.mu.Lock()
	e.remoteAudio[ident] = append(e.remoteAudio[ident], t)
	e.mu.Unlock()
	return t
}

func (e *fakeEngine) addRemoteVideo(ident, sid string) *fakeRemoteTrack {
	t := &fakeRemoteTrack{sid: sid, ident: ident, enabled: true}
	e.mu.Lock()
	e.remoteVideo[ident] = append(e.remoteVideo[ident], t)
	e.mu.Unlock()
	return t
}

func (e *fakeEngine) RemoteVideoTracks(publisherIdentity string) []core.RemoteVideoTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.RemoteVideoTrack, 0, len(e.remoteVideo[publisherIdentity]))
	for _, t := range e.remoteVideo[publisherIdentity] {
		out = append(out, t)
	}
	return out
}

func (e *fakeEngine) RemoteAudioTracks(publisherIdentity string) ([]core.RemoteAudioTrack, []core.RemoteTrackPublication) {
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

// fakeProject is a registry-owned project under test control.
type fakeProject struct {
	mu           sync.Mutex
	remoteID     *domain.ProjectID
	worktrees    []domain.WorktreeMetadata
	rejoinWts    []domain.RejoinWorktree
	readOnly     bool
	closed       bool
	disconnected bool
	reshared     []core.ResharedProject
	rejoined     []core.RejoinedProject
	rejoinedMsg  uint32
}

var _ core.Project = (*fakeProject)(nil)

func (p *fakeProject) RemoteID() (domain.ProjectID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteID == nil {
		return 0, false
	}
	return *p.remoteID, true
}

func (p *fakeProject) WorktreeMetadata() []domain.WorktreeMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worktrees
}

func (p *fakeProject) RejoinWorktrees() []domain.RejoinWorktree {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejoinWts
}

func (p *fakeProject) IsReadOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readOnly
}

func (p *fakeProject) Shared(id domain.ProjectID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteID = &id
	return nil
}

func (p *fakeProject) Unshare() {
	p.mu.Lock()
	p.remoteID = nil
	p.mu.Unlock()
}

func (p *fakeProject) Reshared(rp core.ResharedProject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reshared = append(p.reshared, rp)
	return nil
}

func (p *fakeProject) Rejoined(rp core.RejoinedProject, messageID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejoined = append(p.rejoined, rp)
	p.rejoinedMsg = messageID
	return nil
}

func (p *fakeProject) DisconnectedFromHost() {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
}

func (p *fakeProject) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakeProject) isDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

// fakeRegistry hands out weak handles to fake projects. OpenRemote
// produces a guest project already bound to its remote id.
type fakeRegistry struct {
	mu       sync.Mutex
	nextID   core.ProjectHandleID
	projects map[core.ProjectHandleID]*fakeProject
}

var _ core.ProjectRegistry = (*fakeRegistry)(nil)

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{projects: make(map[core.ProjectHandleID]*fakeProject)}
}

func (r *fakeRegistry) add(p *fakeProject) core.WeakProject {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.projects[r.nextID] = p
	return core.WeakProject{Registry: r, ID: r.nextID}
}

func (r *fakeRegistry) drop(id core.ProjectHandleID) {
	r.mu.Lock()
	delete(r.projects, id)
	r.mu.Unlock()
}

func (r *fakeRegistry) Open(id core.ProjectHandleID) (core.Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (r *fakeRegistry) OpenRemote(ctx context.Context, id domain.ProjectID) (core.ProjectHandleID, core.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	remoteID := id
	p := &fakeProject{remoteID: &remoteID, readOnly: false}
	r.projects[r.nextID] = p
	return r.nextID, p, nil
}

// testEnv bundles one set of fakes.
type testEnv struct {
	client    *fakeClient
	directory *fakeDirectory
	registry  *fakeRegistry
	engine    *fakeEngine
	sounds    *fakeSounds
}

func newTestEnv() *testEnv {
	return &testEnv{
		client:    newFakeClient(1),
		directory: &fakeDirectory{},
		registry:  newFakeRegistry(),
		engine:    newFakeEngine(),
		sounds:    &fakeSounds{},
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		Client:    e.client,
		Directory: e.directory,
		Registry:  e.registry,
		Media:     e.engine,
		Sounds:    e.sounds,
	}
}

func peerID(id uint64) *domain.PeerID {
	p := domain.PeerID(id)
	return &p
}

func projID(id uint64) *domain.ProjectID {
	p := domain.ProjectID(id)
	return &p
}

func entry(userID, peer uint64, projects ...domain.ProjectSummary) core.ParticipantEntry {
	return core.ParticipantEntry{
		UserID:   domain.UserID(userID),
		PeerID:   peerID(peer),
		Projects: projects,
		Location: domain.ExternalLocation(),
	}
}

func snapshot(roomID uint64, entries ...core.ParticipantEntry) *core.RoomSnapshot {
	return &core.RoomSnapshot{ID: domain.RoomID(roomID), Participants: entries}
}

func joinResponse(roomID uint64, channelID *domain.ChannelID, entries ...core.ParticipantEntry) *core.JoinRoomResponse {
	return &core.JoinRoomResponse{
		Room:      snapshot(roomID, entries...),
		ChannelID: channelID,
		MediaInfo: &core.MediaConnectInfo{ServerURL: "https://media.test", Token: "token"},
	}
}

func channelID(id uint64) *domain.ChannelID {
	c := domain.ChannelID(id)
	return &c
}

// joinChannelSession joins a channel-backed room (which never
// auto-leaves) with the given initial roster and waits for the roster
// merge to land.
func joinChannelSession(t *testing.T, env *testEnv, opts Options, entries ...core.ParticipantEntry) *Session {
	t.Helper()
	env.client.mu.Lock()
	env.client.joinResp = joinResponse(7, channelID(3), entries...)
	env.client.mu.Unlock()

	s, err := JoinChannel(context.Background(), env.deps(), opts, domain.ChannelID(3))
	if err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	waitForMerge(t, s)
	return s
}

func waitForMerge(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		done := s.mergeDone == s.mergeSeq
		s.mu.Unlock()
		if done {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("roster merge did not complete")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drainEvents empties the buffered event queue.
func drainEvents(s *Session) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType[T Event](events []Event) []T {
	var out []T
	for _, ev := range events {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}
