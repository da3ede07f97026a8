package core

// Sound enumerates the notification chimes a session can request.
// Playback itself lives behind the adapter.
type Sound int

const (
	SoundJoined Sound = iota
	SoundLeave
	SoundMute
	SoundUnmute
	SoundStartScreenshare
	SoundStopScreenshare
)

func (s Sound) String() string {
	switch s {
	case SoundJoined:
		return "joined"
	case SoundLeave:
		return "leave"
	case SoundMute:
		return "mute"
	case SoundUnmute:
		return "unmute"
	case SoundStartScreenshare:
		return "start-screenshare"
	case SoundStopScreenshare:
		return "stop-screenshare"
	default:
		return "unknown"
	}
}

// SoundPlayer plays a chime. Play must not block.
type SoundPlayer interface {
	Play(Sound)
}
