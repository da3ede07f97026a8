package domain

// ProjectID is assigned by the server when a project is first shared
// into a room. A project that was never shared has no ProjectID.
type ProjectID uint64

// ProjectSummary is what the roster carries about a shared project:
// enough to render it, nothing more.
type ProjectSummary struct {
	ID                ProjectID `json:"id"`
	WorktreeRootNames []string  `json:"worktree_root_names"`
}

// WorktreeID names one worktree within a project. Unlike ProjectID it
// is assigned locally when the worktree is opened.
type WorktreeID uint64

// WorktreeMetadata describes one worktree of a shared project.
type WorktreeMetadata struct {
	ID       WorktreeID `json:"id"`
	RootName string     `json:"root_name"`
}

// RejoinWorktree names the last scan a guest observed for a worktree,
// so the server can replay only what was missed while disconnected.
type RejoinWorktree struct {
	ID     WorktreeID `json:"id"`
	ScanID uint64     `json:"scan_id"`
}
