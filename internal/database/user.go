package database

import (
	"context"
	"database/sql"
	"errors"
)

// User owns one or more appservices.
type User struct {
	ID         string
	APIToken   string
	LoginToken string
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.APIToken, &u.LoginToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser fetches a user by id, or nil when not found.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, api_token, login_token FROM "user" WHERE id = $1`, id)
	return scanUser(row)
}

// FindUserByAPIToken fetches a user by API token.
func (s *Store) FindUserByAPIToken(ctx context.Context, apiToken string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, api_token, login_token FROM "user" WHERE api_token = $1`, apiToken)
	return scanUser(row)
}

// GetOrCreateUser returns the user with the given id, creating it with fresh
// tokens on first use.
func (s *Store) GetOrCreateUser(ctx context.Context, id string) (*User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil || user != nil {
		return user, err
	}
	user = &User{
		ID:         id,
		APIToken:   randomToken(48),
		LoginToken: randomToken(48),
	}
	if err := s.InsertUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// InsertUser stores a new user row.
func (s *Store) InsertUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO "user" (id, api_token, login_token) VALUES ($1, $2, $3)`,
		user.ID, user.APIToken, user.LoginToken)
	return err
}

// DeleteUser removes a user row.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM "user" WHERE id = $1`, id)
	return err
}
