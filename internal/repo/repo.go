package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"wolfpack/internal/config"
	"wolfpack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const sessionColumns = `id,status,COALESCE(winner,''),days,players,cap_reached,fallbacks,seed,COALESCE(error,''),created_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var seed int64
	var finished sql.NullString
	if err := row.Scan(&s.ID, &s.Status, &s.Winner, &s.Days, &s.Players, &s.CapReached, &s.Fallbacks, &seed, &s.Error, &s.CreatedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.Seed = uint64(seed)
	if finished.Valid {
		s.FinishedAt = &finished.String
	}
	return s, nil
}

// InsertSession stores a running session with the config it was started from.
func (r Repo) InsertSession(ctx context.Context, s domain.Session, cfg *config.Config) error {
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO sessions(id,status,days,players,seed,config_yaml,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Status, s.Days, s.Players, int64(s.Seed), string(data), s.CreatedAt)
	return err
}

// FinishSession records the final report and roster of a session.
func (r Repo) FinishSession(ctx context.Context, id, status, errMsg, finishedAt string, report domain.Report) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?,winner=?,days=?,cap_reached=?,fallbacks=?,error=?,finished_at=? WHERE id=?`,
		status, nullable(string(report.Winner)), report.Days, report.CapReached, report.Fallbacks, nullable(errMsg), finishedAt, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE session_id=?`, id); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for seat, p := range report.Participants {
		if _, err := tx.ExecContext(ctx, `INSERT INTO participants(session_id,seat,name,role,alive) VALUES (?,?,?,?,?)`,
			id, seat, p.Name, string(p.Role), p.Alive); err != nil {
			return fmt.Errorf("insert participant %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

// GetSessionConfig returns the config a session was started with.
func (r Repo) GetSessionConfig(ctx context.Context, id string) (*config.Config, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM sessions WHERE id=?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(data))
}

// ListSessions returns sessions newest first, optionally filtered by status.
func (r Repo) ListSessions(ctx context.Context, limit int, status string) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListParticipants returns the stored roster of a finished session in seat order.
func (r Repo) ListParticipants(ctx context.Context, sessionID string) ([]domain.ParticipantReport, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,role,alive FROM participants WHERE session_id=? ORDER BY seat`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ParticipantReport
	for rows.Next() {
		var p domain.ParticipantReport
		var role string
		if err := rows.Scan(&p.Name, &role, &p.Alive); err != nil {
			return nil, err
		}
		p.Role = domain.Role(role)
		res = append(res, p)
	}
	return res, rows.Err()
}

// EventFilter narrows event queries. Private and system events are only
// returned when IncludePrivate is set.
type EventFilter struct {
	SessionID      string
	Type           string
	Participant    string
	IncludePrivate bool
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Participant != "" {
		clauses = append(clauses, "participant=?")
		args = append(args, f.Participant)
	}
	if !f.IncludePrivate {
		clauses = append(clauses, "visibility='public'")
	}
	return clauses, args
}

const eventColumns = `id,session_id,ts,day,phase,type,visibility,COALESCE(participant,''),message,COALESCE(payload_json,'')`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TS, &e.Day, &e.Phase, &e.Type, &e.Visibility, &e.Participant, &e.Message, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom returns events older than cursor, newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, across all sessions when
// sessionID is empty.
func (r Repo) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
