// Package identity maps device badge numbers to registered users.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/danny20232023/hris-sub010/internal/sqlcgen"
)

// Directory is the user lookup the resolver needs. *sqlcgen.Queries satisfies it.
type Directory interface {
	FindUserByBadge(ctx context.Context, badgeNumber string) (sqlcgen.UserInfo, error)
	FindActiveUserByBadge(ctx context.Context, badgeNumber string) (sqlcgen.UserInfo, error)
}

// Identity is a registered user matched by badge.
type Identity struct {
	UserID      int32  `json:"USERID"`
	Name        string `json:"NAME"`
	BadgeNumber string `json:"BADGENUMBER"`
	Department  string `json:"DEPARTMENT,omitempty"`
}

// Resolver looks badges up on every call; badge assignments can change
// between runs so nothing is cached.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve matches badge exactly (case-sensitive). A miss returns ok=false and
// a nil error.
func (r *Resolver) Resolve(ctx context.Context, badge string) (Identity, bool, error) {
	return r.lookup(ctx, badge, r.dir.FindUserByBadge)
}

// ResolveActive is Resolve restricted to users whose status is active.
func (r *Resolver) ResolveActive(ctx context.Context, badge string) (Identity, bool, error) {
	return r.lookup(ctx, badge, r.dir.FindActiveUserByBadge)
}

func (r *Resolver) lookup(ctx context.Context, badge string, find func(context.Context, string) (sqlcgen.UserInfo, error)) (Identity, bool, error) {
	if badge == "" {
		return Identity{}, false, nil
	}
	if r == nil || r.dir == nil {
		return Identity{}, false, errors.New("identity: directory not configured")
	}
	u, err := find(ctx, badge)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("find user by badge %q: %w", badge, err)
	}
	id := Identity{UserID: u.UserID, Name: u.Name, BadgeNumber: u.BadgeNumber}
	if u.Department != nil {
		id.Department = *u.Department
	}
	return id, true, nil
}
