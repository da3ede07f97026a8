// Package signal is the websocket signaling client: request/response
// operations against the coordinating server plus server-pushed room
// snapshots and a connection-status stream.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signal client closed")
)

const (
	writeDeadline = 5 * time.Second
	redialDelay   = 2 * time.Second
	requestBuffer = 32
)

type Options struct {
	URL        string
	Username   string
	SendBuffer int
	PingPeriod time.Duration
}

// Client dials the signaling server and keeps the connection alive,
// redialing on failure. Sessions observe the connection through the
// status watcher; the client never tears down a session itself.
type Client struct {
	opts   Options
	status *statusWatcher

	updates chan *core.RoomSnapshot

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	pending  map[string]chan *envelope
	userID   domain.UserID
	signedIn bool

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var _ core.Client = (*Client)(nil)
var _ core.UserDirectory = (*Client)(nil)

func New(opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = requestBuffer
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		status:  newStatusWatcher(),
		updates: make(chan *core.RoomSnapshot, requestBuffer),
		pending: make(map[string]chan *envelope),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.run()
	return c
}

// Close stops the pumps and drops the connection. The updates channel
// is never closed: readPump may still be draining a message, and
// receivers watch their own context anyway.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Client) UserID() (domain.UserID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.signedIn
}

func (c *Client) Status() core.StatusWatcher { return c.status }

func (c *Client) RoomUpdates() <-chan *core.RoomSnapshot { return c.updates }

// run dials and pumps until Close, redialing after failures.
func (c *Client) run() {
	for {
		if c.ctx.Err() != nil {
			return
		}
		if err := c.dial(); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("url", c.opts.URL).Msg("dial failed")
			c.status.set(core.StatusDisconnected)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(redialDelay):
				continue
			}
		}

		connCtx, connCancel := context.WithCancel(c.ctx)
		go c.writePump(connCtx)
		c.readPump(connCtx)
		connCancel()

		c.dropConn()
		if c.status.Current() == core.StatusSignedOut {
			return
		}
		c.status.set(core.StatusDisconnected)
	}
}

func (c *Client) dial() error {
	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.opts.URL, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, c.opts.SendBuffer)
	c.mu.Unlock()
	return nil
}

// dropConn closes the socket and fails every in-flight request.
func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) writePump(ctx context.Context) {
	c.mu.Lock()
	conn, send := c.conn, c.send
	c.mu.Unlock()
	if conn == nil {
		return
	}

	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("readPump ctx done")
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
				return
			}
			c.handleMessage(data)
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	if env.ReplyTo != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
		}
		c.mu.Unlock()
		if ok {
			ch <- &env
		}
		return
	}

	switch env.Type {
	case msgHello:
		var p helloPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad hello")
			return
		}
		c.mu.Lock()
		c.userID = p.UserID
		c.signedIn = true
		c.mu.Unlock()
		c.status.set(core.StatusConnected)
	case msgSignedOut:
		c.mu.Lock()
		c.signedIn = false
		c.mu.Unlock()
		c.status.set(core.StatusSignedOut)
	case msgRoomUpdated:
		var snap core.RoomSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad room update")
			return
		}
		select {
		case c.updates <- &snap:
		default:
			log.Warn().Str("module", "signal").Msg("room update buffer full, dropping")
		}
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (c *Client) trySend(data []byte) error {
	c.mu.Lock()
	send := c.send
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrClosed
	}
	select {
	case send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// request performs one correlated round-trip. A dropped connection
// fails the request immediately rather than waiting for ctx.
func (c *Client) request(ctx context.Context, typ string, payload any) (*envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", typ, err)
	}
	id := uuid.NewString()
	data, err := json.Marshal(envelope{ID: id, Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", typ, err)
	}

	ch := make(chan *envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.trySend(data); err != nil {
		cleanup()
		return nil, fmt.Errorf("sending %s: %w", typ, err)
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		cleanup()
		return nil, ErrClosed
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection lost", typ)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", typ, resp.Error)
		}
		return resp, nil
	}
}

func decode[T any](env *envelope) (*T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", env.Type, err)
	}
	return &out, nil
}

func (c *Client) CreateRoom(ctx context.Context) (*core.CreateRoomResponse, error) {
	env, err := c.request(ctx, msgCreateRoom, struct{}{})
	if err != nil {
		return nil, err
	}
	return decode[core.CreateRoomResponse](env)
}

func (c *Client) JoinRoom(ctx context.Context, id domain.RoomID) (*core.JoinRoomResponse, error) {
	env, err := c.request(ctx, msgJoinRoom, joinRoomPayload{ID: id})
	if err != nil {
		return nil, err
	}
	return decode[core.JoinRoomResponse](env)
}

func (c *Client) JoinChannel(ctx context.Context, id domain.ChannelID) (*core.JoinRoomResponse, error) {
	env, err := c.request(ctx, msgJoinChannel, joinChannelPayload{ChannelID: id})
	if err != nil {
		return nil, err
	}
	return decode[core.JoinRoomResponse](env)
}

func (c *Client) RejoinRoom(ctx context.Context, req core.RejoinRoomRequest) (*core.RejoinRoomResponse, error) {
	env, err := c.request(ctx, msgRejoinRoom, req)
	if err != nil {
		return nil, err
	}
	resp, err := decode[core.RejoinRoomResponse](env)
	if err != nil {
		return nil, err
	}
	resp.MessageID = env.Seq
	return resp, nil
}

func (c *Client) LeaveRoom(ctx context.Context, id domain.RoomID) error {
	_, err := c.request(ctx, msgLeaveRoom, leaveRoomPayload{ID: id})
	return err
}

func (c *Client) Call(ctx context.Context, roomID domain.RoomID, calledUserID domain.UserID, initialProjectID *domain.ProjectID) error {
	_, err := c.request(ctx, msgCall, callPayload{
		RoomID:           roomID,
		CalledUserID:     calledUserID,
		InitialProjectID: initialProjectID,
	})
	return err
}

func (c *Client) ShareProject(ctx context.Context, roomID domain.RoomID, worktrees []domain.WorktreeMetadata) (domain.ProjectID, error) {
	env, err := c.request(ctx, msgShareProject, shareProjectPayload{RoomID: roomID, Worktrees: worktrees})
	if err != nil {
		return 0, err
	}
	resp, err := decode[shareProjectResponse](env)
	if err != nil {
		return 0, err
	}
	return resp.ProjectID, nil
}

func (c *Client) UnshareProject(ctx context.Context, projectID domain.ProjectID) error {
	_, err := c.request(ctx, msgUnshareProject, unshareProjectPayload{ProjectID: projectID})
	return err
}

func (c *Client) UpdateLocation(ctx context.Context, roomID domain.RoomID, location domain.ParticipantLocation) error {
	_, err := c.request(ctx, msgUpdateLocation, updateLocationPayload{RoomID: roomID, Location: location})
	return err
}

// GetUsers resolves profiles through the signaling connection, making
// the client double as the session's user directory.
func (c *Client) GetUsers(ctx context.Context, ids []domain.UserID) ([]*domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	env, err := c.request(ctx, msgGetUsers, getUsersPayload{IDs: ids})
	if err != nil {
		return nil, err
	}
	resp, err := decode[getUsersResponse](env)
	if err != nil {
		return nil, err
	}
	if len(resp.Users) != len(ids) {
		return nil, fmt.Errorf("get_users: requested %d, got %d", len(ids), len(resp.Users))
	}
	return resp.Users, nil
}
