// Package project holds an in-memory project registry. It owns the
// lifetime of open projects; sessions only borrow them through weak
// handles.
package project

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
)

var ErrClosed = errors.New("project closed")

type Registry struct {
	mu     sync.Mutex
	nextID core.ProjectHandleID
	open   map[core.ProjectHandleID]*Project
}

var _ core.ProjectRegistry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{open: make(map[core.ProjectHandleID]*Project)}
}

// OpenLocal registers a host-side project rooted at the given
// worktrees and returns a weak handle for it.
func (r *Registry) OpenLocal(worktrees []domain.WorktreeMetadata) core.WeakProject {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.open[id] = &Project{registry: r, handleID: id, worktrees: worktrees}
	return core.WeakProject{Registry: r, ID: id}
}

func (r *Registry) Open(id core.ProjectHandleID) (core.Project, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.open[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// OpenRemote opens a guest view of a project hosted by another
// participant. Content sync is driven by the host connection; the
// registry only tracks the handle.
func (r *Registry) OpenRemote(ctx context.Context, id domain.ProjectID) (core.ProjectHandleID, core.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	handle := r.nextID
	remoteID := id
	p := &Project{registry: r, handleID: handle, remoteID: &remoteID, readOnly: true}
	r.open[handle] = p
	return handle, p, nil
}

func (r *Registry) drop(id core.ProjectHandleID) {
	r.mu.Lock()
	delete(r.open, id)
	r.mu.Unlock()
}

// Project is one registry-owned open project.
type Project struct {
	registry *Registry
	handleID core.ProjectHandleID

	mu        sync.Mutex
	remoteID  *domain.ProjectID
	worktrees []domain.WorktreeMetadata
	scanIDs   map[domain.WorktreeID]uint64
	readOnly  bool
	closed    bool
}

var _ core.Project = (*Project)(nil)

func (p *Project) RemoteID() (domain.ProjectID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteID == nil {
		return 0, false
	}
	return *p.remoteID, true
}

func (p *Project) WorktreeMetadata() []domain.WorktreeMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.WorktreeMetadata, len(p.worktrees))
	copy(out, p.worktrees)
	return out
}

func (p *Project) RejoinWorktrees() []domain.RejoinWorktree {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.RejoinWorktree, 0, len(p.worktrees))
	for _, w := range p.worktrees {
		out = append(out, domain.RejoinWorktree{ID: w.ID, ScanID: p.scanIDs[w.ID]})
	}
	return out
}

// WorktreeScanned records the latest scan a worktree has completed, so
// a rejoin after a disconnect asks the host only for what was missed.
func (p *Project) WorktreeScanned(id domain.WorktreeID, scanID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanIDs == nil {
		p.scanIDs = make(map[domain.WorktreeID]uint64)
	}
	if scanID > p.scanIDs[id] {
		p.scanIDs[id] = scanID
	}
}

func (p *Project) IsReadOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readOnly
}

func (p *Project) Shared(id domain.ProjectID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.remoteID = &id
	return nil
}

func (p *Project) Unshare() {
	p.mu.Lock()
	p.remoteID = nil
	p.mu.Unlock()
}

func (p *Project) Reshared(rp core.ResharedProject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	log.Debug().Str("module", "project").Uint64("project_id", uint64(rp.ID)).Msg("reshared")
	return nil
}

func (p *Project) Rejoined(rp core.RejoinedProject, messageID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	log.Debug().
		Str("module", "project").
		Uint64("project_id", uint64(rp.ID)).
		Uint32("message_id", messageID).
		Msg("rejoined")
	return nil
}

func (p *Project) DisconnectedFromHost() {
	p.mu.Lock()
	p.readOnly = true
	p.mu.Unlock()
}

func (p *Project) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.registry.drop(p.handleID)
}
