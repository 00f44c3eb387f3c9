package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const groupColumns = `id, user_id, title, description, enabled, threaded, flashcard_style`

func validateGroupText(title, description string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalid)
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return fmt.Errorf("%w: title longer than %d characters", ErrInvalid, MaxTitleLen)
	}
	if utf8.RuneCountInString(description) > MaxTitleLen {
		return fmt.Errorf("%w: description longer than %d characters", ErrInvalid, MaxTitleLen)
	}
	return nil
}

// InsertGroup creates a group for g.UserID and returns its id.
func (s *Store) InsertGroup(ctx context.Context, g Group) (int64, error) {
	if err := validateGroupText(g.Title, g.Description); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tweet_groups(user_id, title, description, enabled, threaded, flashcard_style) VALUES(?,?,?,?,?,?)`,
		g.UserID, g.Title, g.Description, boolInt(g.Enabled), boolInt(g.Threaded), g.FlashcardStyle,
	)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	return res.LastInsertId()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanGroup(r rowScanner) (Group, error) {
	var g Group
	err := r.Scan(&g.ID, &g.UserID, &g.Title, &g.Description, &g.Enabled, &g.Threaded, &g.FlashcardStyle)
	return g, err
}

// GetGroup returns ErrNotFound when the group does not exist or is not owned by userID.
func (s *Store) GetGroup(ctx context.Context, userID, groupID int64) (Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM tweet_groups WHERE id = ? AND user_id = ?`, groupID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	return g, err
}

func (s *Store) ListGroups(ctx context.Context, userID int64) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM tweet_groups WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) groupFlag(ctx context.Context, column string, userID, groupID int64) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM tweet_groups WHERE id = ? AND user_id = ?`, groupID, userID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v, err
}

// IsGroupEnabled is false for unknown groups.
func (s *Store) IsGroupEnabled(ctx context.Context, userID, groupID int64) (bool, error) {
	return s.groupFlag(ctx, "enabled", userID, groupID)
}

// IsGroupThreaded is false for unknown groups.
func (s *Store) IsGroupThreaded(ctx context.Context, userID, groupID int64) (bool, error) {
	return s.groupFlag(ctx, "threaded", userID, groupID)
}

func (s *Store) SetGroupEnabled(ctx context.Context, userID, groupID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweet_groups SET enabled = ? WHERE id = ? AND user_id = ?`, boolInt(enabled), groupID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) SetGroupThreaded(ctx context.Context, userID, groupID int64, threaded bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweet_groups SET threaded = ? WHERE id = ? AND user_id = ?`, boolInt(threaded), groupID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// EditGroup updates title, description and flashcard style of g.
func (s *Store) EditGroup(ctx context.Context, g Group) error {
	if err := validateGroupText(g.Title, g.Description); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweet_groups SET title = ?, description = ?, flashcard_style = ? WHERE id = ? AND user_id = ?`,
		g.Title, g.Description, g.FlashcardStyle, g.ID, g.UserID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteGroup removes the group and, by cascade, its tweets.
func (s *Store) DeleteGroup(ctx context.Context, userID, groupID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tweet_groups WHERE id = ? AND user_id = ?`, groupID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteGroups removes several groups in one transaction and reports how many existed.
func (s *Store) DeleteGroups(ctx context.Context, userID int64, groupIDs []int64) (int, error) {
	deleted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, gid := range groupIDs {
			res, err := tx.ExecContext(ctx, `DELETE FROM tweet_groups WHERE id = ? AND user_id = ?`, gid, userID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// CopyGroupShifted duplicates a group with every scheduled_at moved by shift.
// The copy is enabled and none of its tweets are published. An empty title
// keeps the source title.
func (s *Store) CopyGroupShifted(ctx context.Context, userID, groupID int64, shift time.Duration, newTitle string) (int64, error) {
	return s.copyGroup(ctx, userID, groupID, newTitle, func(t time.Time) time.Time { return t.Add(shift) })
}

// CopyGroupYears duplicates a group with every scheduled_at moved by whole
// calendar years.
func (s *Store) CopyGroupYears(ctx context.Context, userID, groupID int64, years int, newTitle string) (int64, error) {
	if years <= 0 {
		return 0, fmt.Errorf("%w: years must be positive", ErrInvalid)
	}
	return s.copyGroup(ctx, userID, groupID, newTitle, func(t time.Time) time.Time { return t.AddDate(years, 0, 0) })
}

// ShiftFromReference returns the shift that moves refMessageID onto newTime.
func (s *Store) ShiftFromReference(ctx context.Context, userID, groupID, refMessageID int64, newTime time.Time) (time.Duration, error) {
	m, err := s.GetMessage(ctx, userID, refMessageID)
	if err != nil {
		return 0, err
	}
	if m == nil || m.GroupID != groupID {
		return 0, ErrNotFound
	}
	// Compare at storage precision.
	return newTime.Truncate(time.Second).Sub(m.ScheduledAt), nil
}

func (s *Store) copyGroup(ctx context.Context, userID, groupID int64, newTitle string, move func(time.Time) time.Time) (int64, error) {
	var newID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		src, err := scanGroup(tx.QueryRowContext(ctx,
			`SELECT `+groupColumns+` FROM tweet_groups WHERE id = ? AND user_id = ?`, groupID, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		title := newTitle
		if strings.TrimSpace(title) == "" {
			title = src.Title
		}
		if err := validateGroupText(title, src.Description); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO tweet_groups(user_id, title, description, enabled, threaded, flashcard_style) VALUES(?,?,?,1,?,?)`,
			userID, title, src.Description, boolInt(src.Threaded), src.FlashcardStyle)
		if err != nil {
			return err
		}
		if newID, err = res.LastInsertId(); err != nil {
			return err
		}

		msgs, err := s.queryMessages(ctx, tx,
			`SELECT `+messageColumns+` FROM tweets WHERE group_id = ? AND user_id = ? ORDER BY thread_position, id`,
			groupID, userID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tweets(group_id, user_id, content, scheduled_at, image_url, latitude, longitude, tweeted, remote_status_id, thread_position)
				 VALUES(?,?,?,?,?,?,?,0,NULL,?)`,
				newID, userID, m.Content, s.formatTime(move(m.ScheduledAt)), m.ImageURL, m.Latitude, m.Longitude, m.ThreadPosition,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}
