// Package sound provides the default chime player. Playback itself is
// delegated to the host; this player records the cue and never blocks
// the caller.
package sound

import (
	"github.com/rs/zerolog/log"

	"github.com/huddle-dev/huddle/internal/core"
)

type Player struct{}

var _ core.SoundPlayer = (*Player)(nil)

func NewPlayer() *Player { return &Player{} }

func (p *Player) Play(s core.Sound) {
	log.Debug().Str("module", "sound").Str("sound", s.String()).Msg("play")
}
