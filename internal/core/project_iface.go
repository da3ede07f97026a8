package core

import (
	"context"

	"github.com/huddle-dev/huddle/internal/domain"
)

// ProjectHandleID identifies a locally-open project inside its
// registry. It is stable for the life of the open project and never
// reused while any weak handle may still name it.
type ProjectHandleID uint64

// Project is a locally-open workspace owned outside the session. The
// session only borrows it through weak handles and never controls its
// lifetime.
type Project interface {
	// RemoteID reports the server-assigned id, false when the project
	// was never shared into a room.
	RemoteID() (domain.ProjectID, bool)
	WorktreeMetadata() []domain.WorktreeMetadata
	RejoinWorktrees() []domain.RejoinWorktree
	IsReadOnly() bool

	// Shared records the id assigned by the server when the local user
	// shares this project.
	Shared(id domain.ProjectID) error
	Unshare()

	// Reshared / Rejoined resume syncing after a successful room rejoin.
	Reshared(p ResharedProject) error
	Rejoined(p RejoinedProject, messageID uint32) error

	// DisconnectedFromHost marks a guest project whose host went away.
	DisconnectedFromHost()
	Close()
}

// ProjectRegistry is the external owner of project lifetimes. Open is
// the liveness query behind weak handles; OpenRemote joins a project
// hosted by another participant.
type ProjectRegistry interface {
	Open(id ProjectHandleID) (Project, bool)
	OpenRemote(ctx context.Context, id domain.ProjectID) (ProjectHandleID, Project, error)
}

// WeakProject is a non-owning handle to a registry-owned project.
// Upgrade reports false once the referent is gone; holders drop the
// handle silently in that case.
type WeakProject struct {
	Registry ProjectRegistry
	ID       ProjectHandleID
}

func (w WeakProject) Upgrade() (Project, bool) {
	if w.Registry == nil {
		return nil, false
	}
	return w.Registry.Open(w.ID)
}
