package session

// Status is the lifecycle state of a session. Offline is terminal.
type Status int

const (
	StatusOnline Status = iota
	StatusRejoining
	StatusOffline
)

func (s Status) IsOnline() bool  { return s == StatusOnline }
func (s Status) IsOffline() bool { return s == StatusOffline }

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusRejoining:
		return "rejoining"
	default:
		return "offline"
	}
}
