package session

import (
	"context"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

// maintainConnection watches the client's connection status. Any flip
// away from connected degrades the session to Rejoining and starts a
// bounded rejoin cycle; exhaustion forces the session offline and
// reports a terminal error. The supervisor exits silently once the
// session is gone.
func (s *Session) maintainConnection(ctx context.Context) {
	watcher := s.client.Status()
	changes := watcher.Changes()

	for {
		if watcher.Current() == core.StatusConnected {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				// Any status change means we momentarily disconnected.
			}
		}

		s.logger.Info().Str("module", "session.reconnect").Msg("detected client disconnection")

		s.mu.Lock()
		if s.status.IsOffline() {
			s.mu.Unlock()
			return
		}
		s.status = StatusRejoining
		s.mu.Unlock()

		if s.rejoinWithRetries(ctx, watcher, changes) {
			s.logger.Info().Str("module", "session.reconnect").Msg("successfully reconnected to room")
			continue
		}
		break
	}

	s.mu.Lock()
	if s.status.IsOffline() {
		// The session was torn down by another path, typically a
		// voluntary Leave while rejoining. Nothing to report.
		s.mu.Unlock()
		return
	}
	s.logger.Info().Str("module", "session.reconnect").Msg("reconnection failed, leaving room")
	s.leaveLocked()
	s.mu.Unlock()

	select {
	case s.failures <- ErrReconnectFailed:
	default:
	}
}

// rejoinWithRetries races a bounded attempt sequence against the
// wall-clock reconnect timeout; whichever fires first wins. At most
// one rejoin request is in flight at a time.
func (s *Session) rejoinWithRetries(ctx context.Context, watcher core.StatusWatcher, changes <-chan core.ConnectionStatus) bool {
	retryCtx, cancel := context.WithTimeout(ctx, s.opts.ReconnectTimeout)
	defer cancel()

	remaining := s.opts.ReconnectAttempts
	for remaining > 0 {
		switch watcher.Current() {
		case core.StatusConnected:
			s.logger.Info().Str("module", "session.reconnect").Msg("client reconnected, attempting to rejoin room")
			err := s.rejoin(retryCtx)
			if err == nil {
				return true
			}
			if retryCtx.Err() != nil {
				s.logger.Info().Str("module", "session.reconnect").Msg("room reconnection timeout expired")
				return false
			}
			s.logger.Error().Err(err).Str("module", "session.reconnect").Msg("rejoin attempt failed")
			remaining--
		case core.StatusSignedOut:
			return false
		}

		if remaining == 0 {
			return false
		}
		s.logger.Info().Str("module", "session.reconnect").Int("remaining_attempts", remaining).Msg("waiting for client status change")
		select {
		case <-retryCtx.Done():
			s.logger.Info().Str("module", "session.reconnect").Msg("room reconnection timeout expired")
			return false
		case _, ok := <-changes:
			if !ok {
				return false
			}
		}
	}
	return false
}

// rejoin resynchronizes after a transient disconnect: reshare what the
// local user still hosts, re-request guest projects with their last
// scan ids, then re-apply the fresh snapshot and signal each affected
// project to resume syncing.
func (s *Session) rejoin(ctx context.Context) error {
	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return ErrRoomOffline
	}

	projects := make(map[domain.ProjectID]core.Project)
	var reshared []core.ResharedProject
	for hid, w := range s.sharedProjects {
		proj, ok := w.Upgrade()
		if !ok {
			delete(s.sharedProjects, hid)
			continue
		}
		id, shared := proj.RemoteID()
		if !shared {
			delete(s.sharedProjects, hid)
			continue
		}
		projects[id] = proj
		reshared = append(reshared, core.ResharedProject{
			ID:        id,
			Worktrees: proj.WorktreeMetadata(),
		})
	}
	var rejoined []core.RejoinedProject
	for hid, w := range s.joinedProjects {
		proj, ok := w.Upgrade()
		if !ok {
			delete(s.joinedProjects, hid)
			continue
		}
		if id, shared := proj.RemoteID(); shared {
			projects[id] = proj
			rejoined = append(rejoined, core.RejoinedProject{
				ID:        id,
				Worktrees: proj.RejoinWorktrees(),
			})
		}
	}
	roomID := s.id
	s.mu.Unlock()

	resp, err := s.client.RejoinRoom(ctx, core.RejoinRoomRequest{
		ID:               roomID,
		ResharedProjects: reshared,
		RejoinedProjects: rejoined,
	})
	if err != nil {
		return err
	}
	if resp.Room == nil {
		return ErrInvalidRoom
	}

	s.mu.Lock()
	if s.status.IsOffline() {
		s.mu.Unlock()
		return ErrRoomOffline
	}
	s.status = StatusOnline
	s.mu.Unlock()

	s.ApplyRoomSnapshot(resp.Room)

	for _, p := range resp.ResharedProjects {
		if proj, ok := projects[p.ID]; ok {
			if err := proj.Reshared(p); err != nil {
				s.logger.Error().Err(err).Uint64("project", uint64(p.ID)).Msg("resuming reshared project")
			}
		}
	}
	// Guest projects additionally need the response's message sequence
	// number to resolve operations applied while disconnected.
	for _, p := range resp.RejoinedProjects {
		if proj, ok := projects[p.ID]; ok {
			if err := proj.Rejoined(p, resp.MessageID); err != nil {
				s.logger.Error().Err(err).Uint64("project", uint64(p.ID)).Msg("resuming rejoined project")
			}
		}
	}
	return nil
}
