package core

import (
	"context"

	"github.com/huddle-dev/huddle/internal/domain"
)

// UserDirectory resolves user ids to profiles. Resolution is
// asynchronous and may hit the network; results are returned in
// request order, one entry per requested id.
type UserDirectory interface {
	GetUsers(ctx context.Context, ids []domain.UserID) ([]*domain.User, error)
}
