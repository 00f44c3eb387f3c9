package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `id, group_id, user_id, content, scheduled_at, image_url, latitude, longitude, tweeted, remote_status_id, thread_position`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) scanMessage(r rowScanner) (Message, error) {
	var (
		m      Message
		at     string
		remote sql.NullInt64
	)
	if err := r.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Content, &at, &m.ImageURL,
		&m.Latitude, &m.Longitude, &m.Tweeted, &remote, &m.ThreadPosition); err != nil {
		return Message{}, err
	}
	t, err := s.parseTime(at)
	if err != nil {
		return Message{}, err
	}
	m.ScheduledAt = t
	m.RemoteStatusID = remote.Int64
	return m, nil
}

func (s *Store) queryMessages(ctx context.Context, q querier, query string, args ...any) ([]Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessages appends messages to a group. Thread positions continue
// after the group's existing tweets in the order given.
func (s *Store) InsertMessages(ctx context.Context, userID, groupID int64, msgs []NewMessage) ([]int64, error) {
	ids := make([]int64, 0, len(msgs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owned int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM tweet_groups WHERE id = ? AND user_id = ?`, groupID, userID,
		).Scan(&owned); err != nil {
			return err
		}
		if owned == 0 {
			return ErrNotFound
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(thread_position) + 1, 0) FROM tweets WHERE group_id = ?`, groupID,
		).Scan(&next); err != nil {
			return err
		}

		for i, m := range msgs {
			if m.ScheduledAt.IsZero() {
				return fmt.Errorf("%w: message %d has no scheduled time", ErrInvalid, i)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO tweets(group_id, user_id, content, scheduled_at, image_url, latitude, longitude, thread_position)
				 VALUES(?,?,?,?,?,?,?,?)`,
				groupID, userID, m.Content, s.formatTime(m.ScheduledAt), m.ImageURL, m.Latitude, m.Longitude, next+i,
			)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetMessage returns nil, nil when the message is absent or owned by someone else.
func (s *Store) GetMessage(ctx context.Context, userID, messageID int64) (*Message, error) {
	m, err := s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM tweets WHERE id = ? AND user_id = ?`, messageID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tweets WHERE id = ? AND user_id = ?`, messageID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// PriorMessage returns the message that precedes messageID in its group,
// ordered by scheduled_at then id.
func (s *Store) PriorMessage(ctx context.Context, userID, groupID, messageID int64) (Prior, error) {
	var (
		p      Prior
		remote sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.remote_status_id, p.tweeted
		FROM tweets c
		JOIN tweets p ON p.group_id = c.group_id AND p.user_id = c.user_id
		WHERE c.id = ? AND c.user_id = ? AND c.group_id = ?
		  AND (p.scheduled_at < c.scheduled_at OR (p.scheduled_at = c.scheduled_at AND p.id < c.id))
		ORDER BY p.scheduled_at DESC, p.id DESC
		LIMIT 1`, messageID, userID, groupID,
	).Scan(&p.MessageID, &remote, &p.Tweeted)
	if errors.Is(err, sql.ErrNoRows) {
		return Prior{}, nil
	}
	if err != nil {
		return Prior{}, err
	}
	p.Exists = true
	p.RemoteStatusID = remote.Int64
	return p, nil
}

// GetPriorReplyID is the predecessor's remote id, or 0 if there is none or
// it is not published yet.
func (s *Store) GetPriorReplyID(ctx context.Context, userID, groupID, messageID int64) (int64, error) {
	p, err := s.PriorMessage(ctx, userID, groupID, messageID)
	if err != nil {
		return 0, err
	}
	return p.RemoteStatusID, nil
}

// MarkTweeted moves a message to its terminal state. It reports false when
// the message was already tweeted (or does not exist).
func (s *Store) MarkTweeted(ctx context.Context, userID, messageID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweets SET tweeted = 1 WHERE id = ? AND user_id = ? AND tweeted = 0`, messageID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) RecordRemoteStatus(ctx context.Context, userID, messageID, remoteStatusID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweets SET remote_status_id = ? WHERE id = ? AND user_id = ?`, nullID(remoteStatusID), messageID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) scanRefs(rows *sql.Rows) ([]PendingRef, error) {
	defer rows.Close()
	var out []PendingRef
	for rows.Next() {
		var (
			r  PendingRef
			at string
		)
		if err := rows.Scan(&r.UserID, &r.MessageID, &at); err != nil {
			return nil, err
		}
		t, err := s.parseTime(at)
		if err != nil {
			return nil, err
		}
		r.ScheduledAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPendingForArming lists untweeted messages of enabled groups, ordered
// by user, scheduled_at and id.
func (s *Store) ListPendingForArming(ctx context.Context) ([]PendingRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.user_id, t.id, t.scheduled_at
		FROM tweets t
		JOIN tweet_groups g ON g.id = t.group_id
		WHERE t.tweeted = 0 AND g.enabled = 1
		ORDER BY t.user_id, t.scheduled_at, t.id`)
	if err != nil {
		return nil, err
	}
	return s.scanRefs(rows)
}

// ListGroupPending lists untweeted messages of one group regardless of its
// enabled flag, in stored order.
func (s *Store) ListGroupPending(ctx context.Context, userID, groupID int64) ([]PendingRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, id, scheduled_at FROM tweets
		WHERE user_id = ? AND group_id = ? AND tweeted = 0
		ORDER BY scheduled_at, id`, userID, groupID)
	if err != nil {
		return nil, err
	}
	return s.scanRefs(rows)
}

func (s *Store) ListGroupMessageIDs(ctx context.Context, userID, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tweets WHERE user_id = ? AND group_id = ? ORDER BY scheduled_at, id`, userID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ListGroupMessages(ctx context.Context, userID, groupID int64) ([]Message, error) {
	return s.queryMessages(ctx, s.db,
		`SELECT `+messageColumns+` FROM tweets WHERE user_id = ? AND group_id = ? ORDER BY scheduled_at, id`,
		userID, groupID)
}

// CountPending is the number of untweeted messages across all users.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tweets WHERE tweeted = 0`).Scan(&n)
	return n, err
}
