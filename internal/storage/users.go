package storage

import (
	"context"
	"errors"
)

// EnsureUser returns the user for externalUserID, creating it if absent.
// A concurrent creator winning the insert is tolerated.
func EnsureUser(ctx context.Context, repo Repository, externalUserID string) (*User, error) {
	user, err := repo.FindUserByExternalID(ctx, externalUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	user = &User{ExternalUserID: externalUserID}
	err = repo.CreateUser(ctx, user)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, ErrUserExists):
		return repo.FindUserByExternalID(ctx, externalUserID)
	default:
		return nil, err
	}
}
