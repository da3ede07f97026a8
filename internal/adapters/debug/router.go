// Package debug serves a local HTTP endpoint exposing live session
// state for inspection.
package debug

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/huddle-dev/huddle/internal/session"
)

// SessionHolder hands the router the current session, which changes
// across joins and leaves.
type SessionHolder struct {
	mu sync.Mutex
	s  *session.Session
}

func (h *SessionHolder) Set(s *session.Session) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}

func (h *SessionHolder) Get() *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

func SetupRouter(holder *SessionHolder) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.debug").Msg("router setup")

	r.GET("/status", func(c *gin.Context) {
		s := holder.Get()
		if s == nil {
			c.JSON(http.StatusOK, gin.H{"status": "idle"})
			return
		}
		deafened, _ := s.IsDeafened()
		c.JSON(http.StatusOK, gin.H{
			"room_id":     s.ID(),
			"status":      s.Status().String(),
			"muted":       s.IsMuted(),
			"deafened":    deafened,
			"sharing_mic": s.IsSharingMic(),
			"screenshare": s.IsScreenSharing(),
		})
	})

	r.GET("/participants", func(c *gin.Context) {
		s := holder.Get()
		if s == nil {
			c.JSON(http.StatusOK, gin.H{"participants": []any{}})
			return
		}
		type participant struct {
			UserID   uint64 `json:"user_id"`
			Username string `json:"username"`
			PeerID   uint64 `json:"peer_id"`
			Muted    bool   `json:"muted"`
			Speaking bool   `json:"speaking"`
		}
		remotes := s.RemoteParticipants()
		out := make([]participant, 0, len(remotes))
		for _, p := range remotes {
			out = append(out, participant{
				UserID:   uint64(p.User.ID),
				Username: p.User.Username,
				PeerID:   uint64(p.PeerID),
				Muted:    p.Muted,
				Speaking: p.Speaking,
			})
		}
		c.JSON(http.StatusOK, gin.H{"participants": out})
	})

	return r
}
