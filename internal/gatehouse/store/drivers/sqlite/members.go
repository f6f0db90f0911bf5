package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
)

type membersRepo struct {
	q querier
}

const memberColumns = `subject_id, display_name, revoked, trial_active, trial_expires_at,
	admin, login_count, last_login_at, created_at, updated_at`

func (r *membersRepo) GetMember(ctx context.Context, subjectID string) (domain.Member, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE subject_id = ?`, subjectID)
	return scanMember(row)
}

func (r *membersRepo) RecordLogin(ctx context.Context, subjectID, displayName string) (domain.Member, error) {
	now := time.Now().UTC()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO members (subject_id, display_name, login_count, last_login_at, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			display_name  = excluded.display_name,
			login_count   = members.login_count + 1,
			last_login_at = excluded.last_login_at,
			updated_at    = excluded.updated_at`,
		subjectID, displayName, now, now, now)
	if err != nil {
		return domain.Member{}, err
	}
	return r.GetMember(ctx, subjectID)
}

func (r *membersRepo) IsAdmin(ctx context.Context, subjectID string) (bool, error) {
	var admin bool
	err := r.q.QueryRowContext(ctx,
		`SELECT admin FROM members WHERE subject_id = ?`, subjectID).Scan(&admin)
	if err != nil {
		return false, mapNotFound(err)
	}
	return admin, nil
}

func (r *membersRepo) SetRevoked(ctx context.Context, subjectID string, revoked bool) error {
	return r.updateFlag(ctx, `UPDATE members SET revoked = ?, updated_at = ? WHERE subject_id = ?`,
		revoked, subjectID)
}

func (r *membersRepo) SetTrial(ctx context.Context, subjectID string, active bool, expires *time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE members SET trial_active = ?, trial_expires_at = ?, updated_at = ?
		WHERE subject_id = ?`,
		active, mapOptionalTime(expires), time.Now().UTC(), subjectID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *membersRepo) SetAdmin(ctx context.Context, subjectID string, admin bool) error {
	return r.updateFlag(ctx, `UPDATE members SET admin = ?, updated_at = ? WHERE subject_id = ?`,
		admin, subjectID)
}

func (r *membersRepo) updateFlag(ctx context.Context, query string, value bool, subjectID string) error {
	res, err := r.q.ExecContext(ctx, query, value, time.Now().UTC(), subjectID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mapNotFound(sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (domain.Member, error) {
	var (
		m            domain.Member
		trialExpires sql.NullTime
		lastLogin    sql.NullTime
	)
	err := row.Scan(
		&m.SubjectID, &m.DisplayName, &m.Revoked, &m.TrialActive, &trialExpires,
		&m.Admin, &m.LoginCount, &lastLogin, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Member{}, mapNotFound(err)
	}
	m.TrialExpires = mapNullTimePtr(trialExpires)
	m.LastLoginAt = mapNullTimePtr(lastLogin)
	return m, nil
}
