package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"alarmaway/internal/domain"
	logx "alarmaway/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite")), pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, name, timezone, created_at) VALUES(?,?,?,?,?)`,
		u.ID, u.Email, nullStr(u.Name), nullStr(u.Timezone), toMS(u.CreatedAt))
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	var (
		u        domain.User
		name, tz sql.NullString
		created  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, email, name, timezone, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &name, &tz, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, err
	}
	u.Name, u.Timezone, u.CreatedAt = name.String, tz.String, fromMS(created)
	return u, nil
}

func (s *sqliteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

// ---- phones ----

const phoneCols = `id, owner_id, number, verified, created_at`

func (s *sqliteStore) CreatePhone(ctx context.Context, p domain.Phone) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phones(`+phoneCols+`) VALUES(?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Number, p.Verified, toMS(p.CreatedAt))
	return err
}

func scanPhone(sc interface{ Scan(...any) error }) (domain.Phone, error) {
	var (
		p       domain.Phone
		created int64
	)
	if err := sc.Scan(&p.ID, &p.OwnerID, &p.Number, &p.Verified, &created); err != nil {
		return domain.Phone{}, err
	}
	p.CreatedAt = fromMS(created)
	return p, nil
}

func (s *sqliteStore) GetPhone(ctx context.Context, id string) (domain.Phone, error) {
	p, err := scanPhone(s.db.QueryRowContext(ctx, `SELECT `+phoneCols+` FROM phones WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Phone{}, fmt.Errorf("phone %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (s *sqliteStore) PhoneByNumber(ctx context.Context, number string) (domain.Phone, error) {
	p, err := scanPhone(s.db.QueryRowContext(ctx, `SELECT `+phoneCols+` FROM phones WHERE number = ?`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Phone{}, fmt.Errorf("phone number %s: %w", number, domain.ErrNotFound)
	}
	return p, err
}

func (s *sqliteStore) ListPhones(ctx context.Context, ownerID string) ([]domain.Phone, error) {
	q := `SELECT ` + phoneCols + ` FROM phones`
	var args []any
	if ownerID != "" {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Phone, 0)
	for rows.Next() {
		p, err := scanPhone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPhoneVerified(ctx context.Context, id string, verified bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE phones SET verified = ? WHERE id = ?`, verified, id)
	return affectedOrNotFound(res, err, "phone "+id)
}

func (s *sqliteStore) DeletePhone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM phones WHERE id = ?`, id)
	return err
}

// ---- alarms ----

const alarmCols = `id, owner_id, phone_id, time_of_day, armed, created_at`

func scanAlarm(sc interface{ Scan(...any) error }) (domain.Alarm, error) {
	var (
		a       domain.Alarm
		tod     int64
		created int64
	)
	if err := sc.Scan(&a.ID, &a.OwnerID, &a.PhoneID, &tod, &a.Armed, &created); err != nil {
		return domain.Alarm{}, err
	}
	a.Time = domain.TimeOfDay(tod)
	a.CreatedAt = fromMS(created)
	return a, nil
}

func (s *sqliteStore) CreateAlarm(ctx context.Context, a domain.Alarm) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(`+alarmCols+`) VALUES(?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.PhoneID, int64(a.Time), a.Armed, toMS(a.CreatedAt))
	return err
}

func (s *sqliteStore) GetAlarm(ctx context.Context, id string) (domain.Alarm, error) {
	a, err := scanAlarm(s.db.QueryRowContext(ctx, `SELECT `+alarmCols+` FROM alarms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alarm{}, fmt.Errorf("alarm %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) ListAlarms(ctx context.Context, f AlarmFilter) ([]domain.Alarm, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.PhoneID != "" {
		where = append(where, "phone_id = ?")
		args = append(args, f.PhoneID)
	}
	if f.ArmedOnly {
		where = append(where, "armed = 1")
	}
	q := `SELECT ` + alarmCols + ` FROM alarms`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Alarm, 0)
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetArmed(ctx context.Context, id string, armed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alarms SET armed = ? WHERE id = ?`, armed, id)
	return affectedOrNotFound(res, err, "alarm "+id)
}

func (s *sqliteStore) SwapArmed(ctx context.Context, id string, from, to bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alarms SET armed = ? WHERE id = ? AND armed = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetAlarm(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) DeleteAlarm(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	return err
}

// ---- tickets ----

const ticketCols = `id, alarm_id, phone_id, user_id, job_id, kind, fire_at, expires_at, started_at, ended_at`

func scanTicket(sc interface{ Scan(...any) error }) (domain.Ticket, error) {
	var (
		t                      domain.Ticket
		alarmID, phoneID, uid  sql.NullString
		fire, expires, started int64
		ended                  sql.NullInt64
	)
	if err := sc.Scan(&t.ID, &alarmID, &phoneID, &uid, &t.JobID, &t.Kind, &fire, &expires, &started, &ended); err != nil {
		return domain.Ticket{}, err
	}
	t.AlarmID, t.PhoneID, t.UserID = alarmID.String, phoneID.String, uid.String
	t.FireAt, t.ExpiresAt, t.StartedAt = fromMS(fire), fromMS(expires), fromMS(started)
	if ended.Valid {
		e := fromMS(ended.Int64)
		t.EndedAt = &e
	}
	return t, nil
}

func (s *sqliteStore) CreateTicket(ctx context.Context, t domain.Ticket) error {
	var ended any
	if t.EndedAt != nil {
		ended = toMS(*t.EndedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets(`+ticketCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullStr(t.AlarmID), nullStr(t.PhoneID), nullStr(t.UserID), t.JobID, t.Kind,
		toMS(t.FireAt), toMS(t.ExpiresAt), toMS(t.StartedAt), ended)
	return err
}

func (s *sqliteStore) CloseTicket(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, toMS(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tickets WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("ticket %s: %w", id, domain.ErrNotFound)
	}
	return false, err
}

func (s *sqliteStore) DeleteTicket(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	var (
		where []string
		args  []any
	)
	switch {
	case f.Owner.AlarmID != "":
		where = append(where, "alarm_id = ?")
		args = append(args, f.Owner.AlarmID)
	case f.Owner.PhoneID != "":
		where = append(where, "phone_id = ?")
		args = append(args, f.Owner.PhoneID)
	case f.Owner.UserID != "":
		where = append(where, "user_id = ?")
		args = append(args, f.Owner.UserID)
	}
	if f.OpenOnly {
		where = append(where, "ended_at IS NULL")
	}
	if !f.ExpiredBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, toMS(f.ExpiredBefore))
	}
	q := `SELECT ` + ticketCols + ` FROM tickets`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY fire_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- pending jobs ----

func (s *sqliteStore) PutJob(ctx context.Context, j PendingJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, payload, fire_at, expires_at, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, payload=excluded.payload,
		   fire_at=excluded.fire_at, expires_at=excluded.expires_at`,
		j.ID, j.Kind, j.Payload, toMS(j.FireAt), toMS(j.ExpiresAt), toMS(j.CreatedAt))
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]PendingJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, payload, fire_at, expires_at, created_at FROM jobs ORDER BY fire_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PendingJob, 0)
	for rows.Next() {
		var (
			j                      PendingJob
			fire, expires, created int64
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &fire, &expires, &created); err != nil {
			return nil, err
		}
		j.FireAt, j.ExpiresAt, j.CreatedAt = fromMS(fire), fromMS(expires), fromMS(created)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// ---- helpers ----

func affectedOrNotFound(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

func toMS(t time.Time) int64 { return t.UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
