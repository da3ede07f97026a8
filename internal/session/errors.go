package session

import "errors"

var (
	// ErrRoomOffline is returned by operations attempted after the
	// session left or was torn down.
	ErrRoomOffline = errors.New("room is offline")
	// ErrAlreadySharing is returned when a local track of the requested
	// kind is already pending or published.
	ErrAlreadySharing = errors.New("already sharing")
	// ErrNotSharing is returned when an operation needs a local track
	// that does not exist.
	ErrNotSharing = errors.New("nothing is shared")
	// ErrUnknownParticipant is returned when a track update references
	// a publisher that is not in the roster.
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrEngineNotStarted is returned by media operations on a session
	// the server granted no media connection.
	ErrEngineNotStarted = errors.New("media engine was not started")
	// ErrProjectGone is returned when a weak project handle can no
	// longer be upgraded.
	ErrProjectGone = errors.New("project was closed")
	// ErrInvalidRoom is returned when a server response omits the room
	// snapshot.
	ErrInvalidRoom = errors.New("server returned an invalid room")
	// ErrReconnectFailed is the terminal error of the reconnect
	// supervisor.
	ErrReconnectFailed = errors.New("client failed to re-establish connection")
)
