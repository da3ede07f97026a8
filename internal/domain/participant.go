package domain

// LocationKind enumerates where a participant's attention is.
type LocationKind int

const (
	// LocationExternal means outside any shared project.
	LocationExternal LocationKind = iota
	// LocationUnsharedProject means in a project the rest of the room
	// cannot see.
	LocationUnsharedProject
	// LocationSharedProject means in the shared project named by
	// ParticipantLocation.ProjectID.
	LocationSharedProject
)

// ParticipantLocation is the declared location of a participant.
// ProjectID is meaningful only when Kind is LocationSharedProject.
type ParticipantLocation struct {
	Kind      LocationKind `json:"kind"`
	ProjectID ProjectID    `json:"project_id,omitempty"`
}

func ExternalLocation() ParticipantLocation {
	return ParticipantLocation{Kind: LocationExternal}
}

func UnsharedProjectLocation() ParticipantLocation {
	return ParticipantLocation{Kind: LocationUnsharedProject}
}

func SharedProjectLocation(id ProjectID) ParticipantLocation {
	return ParticipantLocation{Kind: LocationSharedProject, ProjectID: id}
}
