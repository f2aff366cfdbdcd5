package listener

import (
	"sync"
	"time"
)

// State is the connection manager state.
type State int32

const (
	Disconnected State = iota
	Syncing
	Connected
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Syncing:
		return "syncing"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Queue modes of the initialization frame.
const (
	ModeCreateQueue = "create_queue"
	ModeGetDiffs    = "get_diffs"
)

// RuntimeState is a point-in-time view of the listener.
type RuntimeState struct {
	Running        bool       `json:"running"`
	State          string     `json:"state"`
	Mode           string     `json:"mode,omitempty"` // "create_queue" or "get_diffs"
	LastStartAt    *time.Time `json:"lastStartAt,omitempty"`
	LastStopAt     *time.Time `json:"lastStopAt,omitempty"`
	LastConnectAt  *time.Time `json:"lastConnectAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastInboundAt  *time.Time `json:"lastInboundAt,omitempty"`
	LastEventAt    *time.Time `json:"lastEventAt,omitempty"`
	FrameCount     int64      `json:"frameCount"`
	EventCount     int64      `json:"eventCount"`
	ReconnectCount int64      `json:"reconnectCount"`
}

// stats guards the RuntimeState fields written from several goroutines.
type stats struct {
	mu sync.Mutex
	rs RuntimeState
}

func (s *stats) update(fn func(rs *RuntimeState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.rs)
}

func (s *stats) snapshot() RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rs
}

func timePtr(t time.Time) *time.Time { return &t }
