package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertUser creates a user. A zero ID lets SQLite assign one.
func (s *Store) InsertUser(ctx context.Context, u User) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, handle, token, token_secret) VALUES(?,?,?,?)`,
		nullID(u.ID), u.Handle, u.Token, u.TokenSecret,
	)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// UpdateCredentials replaces the token triple of a user.
func (s *Store) UpdateCredentials(ctx context.Context, userID int64, c Credentials) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET handle = ?, token = ?, token_secret = ? WHERE id = ?`,
		c.Handle, c.Token, c.TokenSecret, userID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// GetCredentials returns ErrNotFound for unknown users.
func (s *Store) GetCredentials(ctx context.Context, userID int64) (Credentials, error) {
	var c Credentials
	err := s.db.QueryRowContext(ctx,
		`SELECT token, token_secret, handle FROM users WHERE id = ?`, userID,
	).Scan(&c.Token, &c.TokenSecret, &c.Handle)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
