package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/store/feed"
)

const sessionsTable = "page_sessions"

type sessionsRepo struct {
	q    querier
	emit func(feed.Event)
}

const sessionColumns = `id, subject_id, page_path, enter_time, exit_time,
	cumulative_seconds, active, updated_at`

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO page_sessions (id, subject_id, page_path, enter_time, exit_time,
			cumulative_seconds, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SubjectID, s.PagePath, s.EnterTime, mapOptionalTime(s.ExitTime),
		s.CumulativeSeconds, s.Active, s.UpdatedAt)
	if err != nil {
		return err
	}

	r.emit(feed.Event{Op: feed.OpInsert, Table: sessionsTable, Row: s})
	return nil
}

func (r *sessionsRepo) GetSessionByID(ctx context.Context, id string) (domain.Session, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM page_sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *sessionsRepo) TouchSession(ctx context.Context, id string, now time.Time) error {
	// Closed rows are never resurrected: a heartbeat that lost the race with
	// a close-out or the orphan sweep must land as a no-op.
	res, err := r.q.ExecContext(ctx, `
		UPDATE page_sessions SET updated_at = ?, active = 1
		WHERE id = ? AND exit_time IS NULL`, now, id)
	if err != nil {
		return err
	}
	r.emitRowUpdate(ctx, res, id)
	return nil
}

func (r *sessionsRepo) SetSessionActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE page_sessions SET active = ?, updated_at = ?
		WHERE id = ? AND exit_time IS NULL`, active, now, id)
	if err != nil {
		return err
	}
	r.emitRowUpdate(ctx, res, id)
	return nil
}

func (r *sessionsRepo) CloseSession(ctx context.Context, id string, exitTime time.Time, cumulativeSeconds int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE page_sessions
		SET active = 0, exit_time = ?, cumulative_seconds = ?, updated_at = ?
		WHERE id = ? AND exit_time IS NULL`,
		exitTime, cumulativeSeconds, exitTime, id)
	if err != nil {
		return err
	}
	r.emitRowUpdate(ctx, res, id)
	return nil
}

func (r *sessionsRepo) CloseActiveSessions(ctx context.Context, subjectID, pagePath string, exitTime time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE page_sessions
		SET active = 0,
		    exit_time = ?,
		    cumulative_seconds = CAST((julianday(?) - julianday(enter_time)) * 86400 AS INTEGER),
		    updated_at = ?
		WHERE subject_id = ? AND page_path = ? AND active = 1 AND exit_time IS NULL`,
		exitTime, exitTime, exitTime, subjectID, pagePath)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		// Coarse event; consumers recompute from a full read, so the exact
		// rows do not need to travel with the notification.
		r.emit(feed.Event{Op: feed.OpUpdate, Table: sessionsTable, Row: domain.Session{
			SubjectID: subjectID,
			PagePath:  pagePath,
		}})
	}
	return n, nil
}

func (r *sessionsRepo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM page_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionsRepo) CloseStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	// updated_at doubles as the exit estimate for a crashed client, so the
	// sweep leaves it untouched: two runs over the same data produce the
	// same final rows.
	res, err := r.q.ExecContext(ctx, `
		UPDATE page_sessions
		SET active = 0,
		    exit_time = updated_at,
		    cumulative_seconds = CAST((julianday(updated_at) - julianday(enter_time)) * 86400 AS INTEGER)
		WHERE active = 1 AND exit_time IS NULL AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.emit(feed.Event{Op: feed.OpUpdate, Table: sessionsTable})
	}
	return n, nil
}

// emitRowUpdate publishes an update event carrying the current row when the
// statement actually changed something.
func (r *sessionsRepo) emitRowUpdate(ctx context.Context, res sql.Result, id string) {
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return
	}

	row, err := r.GetSessionByID(ctx, id)
	if err != nil {
		r.emit(feed.Event{Op: feed.OpUpdate, Table: sessionsTable, Row: domain.Session{ID: id}})
		return
	}
	r.emit(feed.Event{Op: feed.OpUpdate, Table: sessionsTable, Row: row})
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s        domain.Session
		exitTime sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.SubjectID, &s.PagePath, &s.EnterTime, &exitTime,
		&s.CumulativeSeconds, &s.Active, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	s.ExitTime = mapNullTimePtr(exitTime)
	return s, nil
}
